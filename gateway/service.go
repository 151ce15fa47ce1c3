package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/config/params"
)

// Service runs the public HTTP listener: the payment API is mounted first,
// everything else falls through to the proxy pipeline.
type Service struct {
	ctx          context.Context
	cancel       context.CancelFunc
	server       *http.Server
	startFailure error
}

// RouteRegistrar mounts additional routes ahead of the catch-all proxy.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Config holds the listener settings and the pipeline dependencies.
type Config struct {
	Addr       string
	Handler    *Handler
	Registrars []RouteRegistrar
}

// New assembles the HTTP service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	router := mux.NewRouter()
	for _, reg := range cfg.Registrars {
		reg.RegisterRoutes(router)
	}
	router.PathPrefix("/").Handler(cfg.Handler)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: router,
		},
	}
}

// Start begins serving. Listen failures are surfaced through Status.
func (s *Service) Start() {
	log.WithField("address", s.server.Addr).Info("Starting proxy HTTP server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Proxy HTTP server failed")
			s.startFailure = err
		}
	}()
}

// Stop drains in-flight requests within the shutdown grace period.
func (s *Service) Stop() error {
	defer s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), params.ProxyConfig().ShutdownGracePeriod)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a listener failure, if any.
func (s *Service) Status() error {
	return s.startFailure
}
