package keys

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Store is the read side of the key store the cache fronts.
type Store interface {
	// KeyInfo returns the cached projection for a usable-shaped key (active
	// with a plan assigned), or nil when the key is unknown, revoked or has
	// no plan. ActiveUntil expiry is checked by callers against their clock.
	KeyInfo(ctx context.Context, apiKey string) (*Info, error)
}

// Cache fronts the key store with a short absolute-TTL map. Both hits and
// misses are cached so a storm of unknown-key requests cannot hammer the
// database. Concurrent misses for the same key collapse into one store read.
type Cache struct {
	store Store
	items *gocache.Cache
	group singleflight.Group
}

// NewCache creates a cache with the given per-entry TTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		items: gocache.New(ttl, 2*ttl),
	}
}

// Get returns the cached info for the key, reading through to the store on a
// miss. A nil result with nil error means the key is unknown or unusable.
func (c *Cache) Get(ctx context.Context, apiKey string) (*Info, error) {
	if v, found := c.items.Get(apiKey); found {
		return v.(*Info), nil
	}
	v, err, _ := c.group.Do(apiKey, func() (interface{}, error) {
		info, err := c.store.KeyInfo(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		c.items.SetDefault(apiKey, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// Invalidate drops the entry for a single key. Admin mutations call this
// synchronously with the database write so this replica reflects the change
// immediately; other replicas converge within one TTL.
func (c *Cache) Invalidate(apiKey string) {
	c.items.Delete(apiKey)
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.items.Flush()
}
