// Package ratelimit enforces per-key request limits with twin leaky buckets,
// one sized for the per-second limit and one for the per-day limit.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kevinms/leakybucket-go"
	"github.com/unicitynetwork/aggregator-proxy/keys"
	"github.com/unicitynetwork/aggregator-proxy/timeutil"
)

const secondsPerDay = 24 * 60 * 60

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed bool
	// Remaining is the smaller of the two buckets' remaining capacity,
	// reported in the X-Rate-Limit-Remaining response header.
	Remaining int64
	// RetryAfterSeconds is the suggested wait when denied, at least 1 for a
	// depleted bucket and 0 for an unknown key.
	RetryAfterSeconds int64
}

type entry struct {
	info      *keys.Info
	perSecond *leakybucket.LeakyBucket
	perDay    *leakybucket.LeakyBucket
}

func newEntry(info *keys.Info) *entry {
	return &entry{
		info:      info,
		perSecond: leakybucket.NewLeakyBucket(float64(info.RPS), int64(info.RPS)),
		perDay:    leakybucket.NewLeakyBucket(float64(info.RPD)/secondsPerDay, int64(info.RPD)),
	}
}

// Limiter keeps one bucket pair per api key. Entries are rebuilt whenever the
// cached key info changes, so a plan upgrade takes effect on the next request
// after the cache reflects it.
type Limiter struct {
	cache *keys.Cache
	clock timeutil.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a limiter fronted by the given key cache.
func New(cache *keys.Cache) *Limiter {
	return NewWithClock(cache, timeutil.SystemClock{})
}

// NewWithClock creates a limiter with an injected clock for expiry checks.
func NewWithClock(cache *keys.Cache, clock timeutil.Clock) *Limiter {
	return &Limiter{
		cache:   cache,
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// TryConsume attempts to take one token for the key from both buckets. Both
// must admit the request; otherwise the decision carries the wait until the
// most constrained bucket frees a slot. An unknown or unusable key is denied
// with no retry hint.
func (l *Limiter) TryConsume(ctx context.Context, apiKey string) (Decision, error) {
	info, err := l.cache.Get(ctx, apiKey)
	if err != nil {
		return Decision{}, err
	}
	if info == nil || info.ExpiredAt(l.clock.Now()) {
		return Decision{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[apiKey]
	if !ok || !e.info.Equal(info) {
		e = newEntry(info)
		l.entries[apiKey] = e
	}

	if e.perSecond.Remaining() < 1 || e.perDay.Remaining() < 1 {
		wait := maxDuration(timeToFreeSlot(e.perSecond), timeToFreeSlot(e.perDay))
		secs := int64(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return Decision{RetryAfterSeconds: secs}, nil
	}

	e.perSecond.Add(1)
	e.perDay.Add(1)
	return Decision{
		Allowed:   true,
		Remaining: minInt64(e.perSecond.Remaining(), e.perDay.Remaining()),
	}, nil
}

// timeToFreeSlot returns how long until the bucket drains enough to admit one
// more token, or 0 if it already can.
func timeToFreeSlot(b *leakybucket.LeakyBucket) time.Duration {
	if b.Remaining() >= 1 {
		return 0
	}
	return time.Duration(float64(time.Second) / b.Rate())
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
