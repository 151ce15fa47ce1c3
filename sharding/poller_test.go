package sharding

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigStore struct {
	mu     sync.Mutex
	latest *StoredConfig
	err    error
}

func (f *fakeConfigStore) GetLatestShardConfig(context.Context) (*StoredConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.err
}

func (f *fakeConfigStore) set(c *StoredConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = c
}

func newTestPoller(t *testing.T, store ConfigStore, provider *Provider) *Poller {
	t.Helper()
	return NewPoller(context.Background(), &PollerConfig{
		Store:    store,
		Provider: provider,
		Interval: 5 * time.Millisecond,
	})
}

func TestPoller_PublishesNewerConfig(t *testing.T) {
	provider := NewProvider(NewFailsafeRouter(), 0)
	store := &fakeConfigStore{}
	store.set(&StoredConfig{
		ID: 7,
		Config: testConfig(
			ShardEntry{ID: 2, URL: "http://a"},
			ShardEntry{ID: 3, URL: "http://b"},
		),
	})

	p := newTestPoller(t, store, provider)
	go p.Start()
	defer func() { require.NoError(t, p.Stop()) }()

	require.Eventually(t, func() bool {
		return provider.ConfigID() == 7
	}, time.Second, 5*time.Millisecond)

	tgt, err := provider.Router().RouteByRequestID(requestID("1"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), tgt.ShardID)
}

func TestPoller_BadConfigDoesNotReplaceLiveRouter(t *testing.T) {
	good, err := FromConfig(testConfig(ShardEntry{ID: 1, URL: "http://a"}))
	require.NoError(t, err)
	provider := NewProvider(good, 3)

	store := &fakeConfigStore{}
	// Higher id but incomplete coverage: suffix 1 is missing.
	store.set(&StoredConfig{
		ID:     4,
		Config: testConfig(ShardEntry{ID: 2, URL: "http://a"}),
	})

	p := newTestPoller(t, store, provider)
	go p.Start()
	defer func() { require.NoError(t, p.Stop()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), provider.ConfigID(), "invalid config must not be published")

	tgt, err := provider.Router().RouteByRequestID(requestID("f"))
	require.NoError(t, err, "live router must keep serving")
	assert.Equal(t, int32(1), tgt.ShardID)

	// A corrected config with the next id is picked up on a later tick.
	store.set(&StoredConfig{
		ID: 5,
		Config: testConfig(
			ShardEntry{ID: 2, URL: "http://a"},
			ShardEntry{ID: 3, URL: "http://b"},
		),
	})
	require.Eventually(t, func() bool {
		return provider.ConfigID() == 5
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_IgnoresOlderConfig(t *testing.T) {
	good, err := FromConfig(testConfig(ShardEntry{ID: 1, URL: "http://a"}))
	require.NoError(t, err)
	provider := NewProvider(good, 9)

	store := &fakeConfigStore{}
	store.set(&StoredConfig{
		ID:     9,
		Config: testConfig(ShardEntry{ID: 1, URL: "http://stale"}),
	})

	p := newTestPoller(t, store, provider)
	go p.Start()
	defer func() { require.NoError(t, p.Stop()) }()

	time.Sleep(30 * time.Millisecond)
	tgt, err := provider.Router().RandomTarget()
	require.NoError(t, err)
	assert.Equal(t, "http://a", tgt.URL.String())
}

func TestLoadConfigFromURI_File(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/shards.json"
	data := []byte(`{"version":1,"shards":[{"id":2,"url":"http://a"},{"id":3,"url":"http://b"}]}`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfigFromURI("file://" + path)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cfg.Version)
	require.Equal(t, 2, len(cfg.Shards))
	assert.Equal(t, int32(2), cfg.Shards[0].ID)
}

func TestLoadConfigFromURI_UnsupportedScheme(t *testing.T) {
	_, err := LoadConfigFromURI("ftp://example.com/shards.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}
