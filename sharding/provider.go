package sharding

import (
	"sync/atomic"
)

type published struct {
	router   Router
	configID int32
}

// Provider holds the live router behind an atomic pointer. Readers snapshot
// the router once per request; publishing never blocks readers.
type Provider struct {
	current atomic.Pointer[published]
}

// NewProvider returns a provider seeded with the given router. configID is
// the id of the persisted configuration the router was built from, or 0 for
// a failsafe placeholder.
func NewProvider(r Router, configID int32) *Provider {
	p := &Provider{}
	p.current.Store(&published{router: r, configID: configID})
	return p
}

// Router returns the live router snapshot.
func (p *Provider) Router() Router {
	return p.current.Load().router
}

// ConfigID returns the id of the configuration the live router was built from.
func (p *Provider) ConfigID() int32 {
	return p.current.Load().configID
}

// Publish atomically replaces the live router.
func (p *Provider) Publish(r Router, configID int32) {
	p.current.Store(&published{router: r, configID: configID})
}
