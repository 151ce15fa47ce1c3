package keys

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	infos map[string]*Info
	err   error
	reads int64
}

func (f *fakeStore) KeyInfo(_ context.Context, apiKey string) (*Info, error) {
	atomic.AddInt64(&f.reads, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.infos[apiKey], nil
}

func (f *fakeStore) set(info *Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infos == nil {
		f.infos = make(map[string]*Info)
	}
	f.infos[info.APIKey] = info
}

func TestCache_ReadThrough(t *testing.T) {
	store := &fakeStore{}
	store.set(&Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1})
	c := NewCache(store, time.Minute)

	info, err := c.Get(context.Background(), "sk_a")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int32(5), info.RPS)

	// Second read is served from the cache.
	_, err = c.Get(context.Background(), "sk_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&store.reads))
}

func TestCache_NegativeEntries(t *testing.T) {
	store := &fakeStore{}
	c := NewCache(store, time.Minute)

	info, err := c.Get(context.Background(), "sk_missing")
	require.NoError(t, err)
	assert.Nil(t, info)

	// The miss is cached too.
	_, err = c.Get(context.Background(), "sk_missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&store.reads))
}

func TestCache_Invalidate(t *testing.T) {
	store := &fakeStore{}
	store.set(&Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1})
	c := NewCache(store, time.Minute)

	_, err := c.Get(context.Background(), "sk_a")
	require.NoError(t, err)

	store.set(&Info{APIKey: "sk_a", RPS: 20, RPD: 500000, PricingPlanID: 2})
	c.Invalidate("sk_a")

	info, err := c.Get(context.Background(), "sk_a")
	require.NoError(t, err)
	assert.Equal(t, int32(20), info.RPS, "invalidation must expose the new plan immediately")
}

func TestCache_TTLExpiry(t *testing.T) {
	store := &fakeStore{}
	store.set(&Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1})
	c := NewCache(store, 20*time.Millisecond)

	_, err := c.Get(context.Background(), "sk_a")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = c.Get(context.Background(), "sk_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&store.reads), "expired entry must be re-read")
}

func TestCache_StoreErrorIsNotCached(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	c := NewCache(store, time.Minute)

	_, err := c.Get(context.Background(), "sk_a")
	require.Error(t, err)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	store.set(&Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1})

	info, err := c.Get(context.Background(), "sk_a")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestInfo_Equal(t *testing.T) {
	until := time.Now().Add(time.Hour)
	a := &Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1, ActiveUntil: &until}
	b := &Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1, ActiveUntil: &until}
	assert.True(t, a.Equal(b))

	later := until.Add(time.Minute)
	c := &Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1, ActiveUntil: &later}
	assert.False(t, a.Equal(c))

	d := &Info{APIKey: "sk_a", RPS: 20, RPD: 50000, PricingPlanID: 1, ActiveUntil: &until}
	assert.False(t, a.Equal(d))

	e := &Info{APIKey: "sk_a", RPS: 5, RPD: 50000, PricingPlanID: 1}
	assert.False(t, a.Equal(e))
	assert.True(t, (*Info)(nil).Equal(nil))
}

func TestInfo_ExpiredAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Info{}).ExpiredAt(now), "no expiry means never expired")
	assert.True(t, (&Info{ActiveUntil: &past}).ExpiredAt(now))
	assert.False(t, (&Info{ActiveUntil: &future}).ExpiredAt(now))
}
