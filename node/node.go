// Package node launches the aggregator proxy and manages the lifecycle of all
// its services: the database pool, the shard router and its poller, the public
// HTTP listener, the payment workflow, and monitoring.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/cmd/proxy/flags"
	"github.com/unicitynetwork/aggregator-proxy/config/params"
	"github.com/unicitynetwork/aggregator-proxy/db"
	"github.com/unicitynetwork/aggregator-proxy/gateway"
	"github.com/unicitynetwork/aggregator-proxy/keys"
	"github.com/unicitynetwork/aggregator-proxy/monitoring/prometheus"
	"github.com/unicitynetwork/aggregator-proxy/payment"
	"github.com/unicitynetwork/aggregator-proxy/ratelimit"
	"github.com/unicitynetwork/aggregator-proxy/runtime"
	"github.com/unicitynetwork/aggregator-proxy/sharding"
	"github.com/unicitynetwork/aggregator-proxy/timeutil"
	"github.com/unicitynetwork/aggregator-proxy/tokensdk"
	"github.com/urfave/cli/v2"
)

// ProxyNode handles the lifecycle of the entire system and registers services
// to a service registry.
type ProxyNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       *db.Database
	provider *sharding.Provider
	keyCache *keys.Cache
	limiter  *ratelimit.Limiter
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*ProxyNode, error) {
	if envFile := cliCtx.String(flags.EnvFileFlag.Name); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "could not load env file %s", envFile)
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "could not load .env")
	}

	configureFromFlags(cliCtx)

	registry := runtime.NewServiceRegistry()
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &ProxyNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}

	cfg := params.ProxyConfig()
	node.keyCache = keys.NewCache(node.db, cfg.KeyCacheTTL)
	node.limiter = ratelimit.New(node.keyCache)

	if err := node.bootstrapRouter(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerPoller(); err != nil {
		cancel()
		return nil, err
	}

	paymentService, err := node.buildPaymentService(cliCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerSweeper(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerGateway(cliCtx, paymentService); err != nil {
		cancel()
		return nil, err
	}

	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(cliCtx); err != nil {
			cancel()
			return nil, err
		}
	}

	return node, nil
}

// configureFromFlags applies flag overrides to the global proxy config.
func configureFromFlags(cliCtx *cli.Context) {
	c := params.ProxyConfig().Copy()
	if cliCtx.IsSet(flags.ShardPollIntervalFlag.Name) {
		c.ShardPollInterval = cliCtx.Duration(flags.ShardPollIntervalFlag.Name)
	}
	if cliCtx.IsSet(flags.ValidateConnectivityFlag.Name) {
		c.ValidateShardConnectivity = cliCtx.Bool(flags.ValidateConnectivityFlag.Name)
	}
	params.OverrideProxyConfig(c)
}

// Start the ProxyNode and kicks off every registered service.
func (n *ProxyNode) Start() {
	n.lock.Lock()

	log.Info("Starting aggregator proxy")
	n.services.StartAll()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the proxy node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *ProxyNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping aggregator proxy")
	n.services.StopAll()
	n.db.Close()
	n.cancel()
	close(n.stop)
}

func (n *ProxyNode) startDB(cliCtx *cli.Context) error {
	databaseURL := cliCtx.String(flags.DatabaseURLFlag.Name)
	if databaseURL == "" {
		return errors.New("database connection string required: set --database-url or DATABASE_URL")
	}
	d, err := db.New(n.ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "could not connect to database")
	}
	n.db = d
	return nil
}

// bootstrapRouter establishes the initial shard router. A configuration named
// by SHARD_CONFIG_URI must load, validate, and persist, or startup aborts.
// Without the env URI the latest persisted configuration is used; if none
// loads, a failsafe router is installed so the process can come up and the
// configuration can be fixed through the admin surface.
func (n *ProxyNode) bootstrapRouter(cliCtx *cli.Context) error {
	cfg := params.ProxyConfig()

	if uri := cliCtx.String(flags.ShardConfigURIFlag.Name); uri != "" {
		shardCfg, err := sharding.LoadConfigFromURI(uri)
		if err != nil {
			return errors.Wrapf(err, "could not load shard config from %s", uri)
		}
		router, err := buildValidatedRouter(shardCfg, cfg)
		if err != nil {
			return errors.Wrapf(err, "shard config from %s is not usable", uri)
		}
		id, err := n.db.SaveShardConfig(n.ctx, shardCfg, "startup:"+uri)
		if err != nil {
			return errors.Wrap(err, "could not persist startup shard config")
		}
		n.provider = sharding.NewProvider(router, id)
		log.WithFields(map[string]interface{}{
			"configId": id,
			"shards":   len(shardCfg.Shards),
		}).Info("Loaded shard configuration from URI")
		return nil
	}

	stored, err := n.db.GetLatestShardConfig(n.ctx)
	if err == nil && stored != nil {
		router, buildErr := buildValidatedRouter(stored.Config, cfg)
		if buildErr == nil {
			n.provider = sharding.NewProvider(router, stored.ID)
			log.WithFields(map[string]interface{}{
				"configId": stored.ID,
				"shards":   len(stored.Config.Shards),
			}).Info("Loaded shard configuration from database")
			return nil
		}
		err = buildErr
	}
	if err != nil {
		log.WithError(err).Warn("No usable shard configuration; requests will be rejected until one is saved")
	} else {
		log.Warn("No shard configuration in database; requests will be rejected until one is saved")
	}
	n.provider = sharding.NewProvider(sharding.NewFailsafeRouter(), 0)
	return nil
}

func buildValidatedRouter(shardCfg *sharding.ShardConfig, cfg *params.ProxyChainConfig) (sharding.Router, error) {
	router, err := sharding.FromConfig(shardCfg)
	if err != nil {
		return nil, err
	}
	if err := sharding.Validate(router); err != nil {
		return nil, err
	}
	if cfg.ValidateShardConnectivity {
		client := &http.Client{Timeout: cfg.ShardProbeTimeout}
		if err := sharding.ProbeTargets(router, client); err != nil {
			return nil, err
		}
	}
	return router, nil
}

func (n *ProxyNode) registerPoller() error {
	cfg := params.ProxyConfig()
	poller := sharding.NewPoller(n.ctx, &sharding.PollerConfig{
		Store:        n.db,
		Provider:     n.provider,
		Interval:     cfg.ShardPollInterval,
		Probe:        cfg.ValidateShardConnectivity,
		ProbeTimeout: cfg.ShardProbeTimeout,
	})
	return n.services.RegisterService(poller)
}

func (n *ProxyNode) buildPaymentService(cliCtx *cli.Context) (*payment.Service, error) {
	cfg := params.ProxyConfig()
	secret := cliCtx.String(flags.ServerSecretFlag.Name)
	deriver, err := tokensdk.NewSecretDeriver([]byte(secret))
	if err != nil {
		return nil, errors.Wrap(err, "payment address derivation requires --server-secret or SERVER_SECRET")
	}
	client := tokensdk.NewClient(n.provider, cfg.CommitmentAcceptTimeout, cfg.InclusionProofTimeout)
	return payment.NewService(&payment.ServiceConfig{
		Txs:       n.db,
		KeyStore:  n.db,
		Plans:     n.db,
		Sessions:  n.db,
		Cache:     n.keyCache,
		Deriver:   deriver,
		Gateway:   client,
		Finalizer: tokensdk.NewFinalizer(),
	}), nil
}

func (n *ProxyNode) registerSweeper() error {
	cfg := params.ProxyConfig()
	sweeper := payment.NewSweeper(n.ctx, n.db, timeutil.SystemClock{}, cfg.SweepInterval)
	return n.services.RegisterService(sweeper)
}

func (n *ProxyNode) registerGateway(cliCtx *cli.Context, paymentService *payment.Service) error {
	handler := gateway.NewHandler(n.provider, n.limiter)
	service := gateway.New(n.ctx, &gateway.Config{
		Addr: fmt.Sprintf("%s:%d",
			cliCtx.String(flags.HTTPHostFlag.Name), cliCtx.Int(flags.HTTPPortFlag.Name)),
		Handler:    handler,
		Registrars: []gateway.RouteRegistrar{payment.NewHandler(paymentService)},
	})
	return n.services.RegisterService(service)
}

func (n *ProxyNode) registerPrometheusService(cliCtx *cli.Context) error {
	service := prometheus.NewService(fmt.Sprintf("%s:%d",
		cliCtx.String(flags.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		n.services)
	return n.services.RegisterService(service)
}
