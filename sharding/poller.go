package sharding

import (
	"context"
	"net/http"
	"time"
)

// StoredConfig is a persisted shard configuration row.
type StoredConfig struct {
	ID        int32
	Config    *ShardConfig
	CreatedAt time.Time
	CreatedBy string
}

// ConfigStore is the subset of the config store the poller needs.
type ConfigStore interface {
	// GetLatestShardConfig returns the configuration with the highest id, or
	// nil when none has been saved yet.
	GetLatestShardConfig(ctx context.Context) (*StoredConfig, error)
}

// Poller watches the config store for a newer shard configuration and
// publishes a freshly built router on the provider. A configuration that
// fails to parse or validate is never published and the observed id is not
// advanced, so a bad save cannot replace a good live router.
type Poller struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    ConfigStore
	provider *Provider
	interval time.Duration
	probe    bool
	client   *http.Client
	lastID   int32
	done     chan struct{}
}

// PollerConfig bundles the poller dependencies.
type PollerConfig struct {
	Store    ConfigStore
	Provider *Provider
	Interval time.Duration
	// Probe enables a connectivity check of every target before publishing.
	Probe        bool
	ProbeTimeout time.Duration
}

// NewPoller creates a config poller. The observed id starts at the id the
// provider was seeded with.
func NewPoller(ctx context.Context, cfg *PollerConfig) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	return &Poller{
		ctx:      ctx,
		cancel:   cancel,
		store:    cfg.Store,
		provider: cfg.Provider,
		interval: cfg.Interval,
		probe:    cfg.Probe,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		lastID:   cfg.Provider.ConfigID(),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until the service is stopped.
func (p *Poller) Start() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.done)
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Poller) tick() {
	stored, err := p.store.GetLatestShardConfig(p.ctx)
	if err != nil {
		log.WithError(err).Error("Could not read latest shard config")
		return
	}
	if stored == nil || stored.ID <= p.lastID {
		return
	}
	router, err := FromConfig(stored.Config)
	if err != nil {
		log.WithError(err).WithField("configId", stored.ID).Error("Could not build router from shard config")
		return
	}
	if err := Validate(router); err != nil {
		log.WithError(err).WithField("configId", stored.ID).Error("Shard config failed validation")
		return
	}
	if p.probe {
		if err := ProbeTargets(router, p.client); err != nil {
			log.WithError(err).WithField("configId", stored.ID).Error("Shard config failed connectivity probe")
			return
		}
	}
	p.provider.Publish(router, stored.ID)
	p.lastID = stored.ID
	log.WithFields(map[string]interface{}{
		"configId": stored.ID,
		"shards":   len(stored.Config.Shards),
	}).Info("Published new shard configuration")
}

// Stop terminates the poll loop, waiting briefly for it to drain.
func (p *Poller) Stop() error {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		log.Warn("Config poller did not drain in time")
	}
	return nil
}

// Status always reports healthy; a failing store read is retried on the next
// tick and must not take the whole process unhealthy.
func (p *Poller) Status() error {
	return nil
}
