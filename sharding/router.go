// Package sharding routes requests to upstream aggregator shards.
//
// Each shard id encodes a binary suffix: the id's binary representation with
// the leading 1 bit removed. A request id is routed by matching its least
// significant bits against the suffix set, which must form a complete prefix
// code so that every request id resolves to exactly one shard.
package sharding

import (
	"fmt"
	"math/bits"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced by routing.
var (
	// ErrInvalidRequestID is returned for request ids that are not at least
	// 64 hex characters (with an optional 0x prefix).
	ErrInvalidRequestID = errors.New("invalid request ID format")
	// ErrRoutingUnavailable is returned by the failsafe router installed when
	// no valid shard configuration could be loaded.
	ErrRoutingUnavailable = errors.New("shard routing unavailable: no valid shard configuration loaded")
)

const minRequestIDHexLen = 64

// Target is a resolved routing destination.
type Target struct {
	ShardID int32
	URL     *url.URL
}

// Router resolves routing keys to shard targets. Routers are immutable;
// configuration updates publish a replacement router.
type Router interface {
	// RouteByRequestID resolves a hex request id (optional 0x prefix,
	// case-insensitive, at least 64 hex chars) to the shard owning its suffix.
	RouteByRequestID(requestID string) (Target, error)
	// RouteByShardID resolves an explicit shard id.
	RouteByShardID(id int32) (Target, bool)
	// RandomTarget picks a target uniformly over the distinct upstream URLs.
	RandomTarget() (Target, error)
	// AllTargets returns the distinct upstream URLs of this router.
	AllTargets() []*url.URL
}

type shard struct {
	id     int32
	bits   uint
	suffix uint64
	url    *url.URL
}

type shardRouter struct {
	// Sorted longest suffix first so the first match wins.
	shards  []shard
	byID    map[int32]shard
	targets []Target // one per distinct URL
}

// FromConfig builds a router from a shard configuration. It fails if any id
// is zero or duplicated, any suffix is a suffix-extension of another (which
// would make routing ambiguous), or the configuration is empty.
func FromConfig(cfg *ShardConfig) (Router, error) {
	if cfg == nil || len(cfg.Shards) == 0 {
		return nil, errors.New("shard config has no shards")
	}
	r := &shardRouter{byID: make(map[int32]shard, len(cfg.Shards))}
	for _, entry := range cfg.Shards {
		if entry.ID <= 0 {
			return nil, errors.Errorf("invalid shard id %d: ids must be positive", entry.ID)
		}
		if _, dup := r.byID[entry.ID]; dup {
			return nil, errors.Errorf("duplicate shard id %d", entry.ID)
		}
		u, err := url.Parse(entry.URL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid URL for shard %d", entry.ID)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.Errorf("invalid URL for shard %d: %q", entry.ID, entry.URL)
		}
		s := shard{id: entry.ID, url: u}
		s.bits = uint(bits.Len32(uint32(entry.ID))) - 1
		s.suffix = uint64(entry.ID) &^ (1 << s.bits)
		r.shards = append(r.shards, s)
		r.byID[entry.ID] = s
	}
	// Ambiguity check: no suffix may be the tail of another.
	for _, a := range r.shards {
		for _, b := range r.shards {
			if a.id == b.id || a.bits > b.bits {
				continue
			}
			if b.suffix&mask(a.bits) == a.suffix {
				return nil, errors.Errorf(
					"ambiguous shard config: suffix of shard %d is a tail of shard %d", a.id, b.id)
			}
		}
	}
	sort.Slice(r.shards, func(i, j int) bool {
		if r.shards[i].bits != r.shards[j].bits {
			return r.shards[i].bits > r.shards[j].bits
		}
		return r.shards[i].id < r.shards[j].id
	})
	seen := make(map[string]bool)
	for _, s := range r.shards {
		if seen[s.url.String()] {
			continue
		}
		seen[s.url.String()] = true
		r.targets = append(r.targets, Target{ShardID: s.id, URL: s.url})
	}
	return r, nil
}

func mask(n uint) uint64 {
	return (1 << n) - 1
}

// Validate checks that the suffix set covers the whole request id space:
// the per-shard coverage fractions 2^-bits must sum to exactly 1. It reports
// an uncovered suffix when coverage is incomplete.
func Validate(r Router) error {
	sr, ok := r.(*shardRouter)
	if !ok {
		return errors.New("cannot validate a failsafe router")
	}
	var maxBits uint
	for _, s := range sr.shards {
		if s.bits > maxBits {
			maxBits = s.bits
		}
	}
	// Sum of 2^(maxBits - bits) over all shards must equal 2^maxBits.
	var covered uint64
	for _, s := range sr.shards {
		covered += 1 << (maxBits - s.bits)
	}
	if covered != 1<<maxBits {
		return errors.Errorf(
			"incomplete shard config: suffix %s is not covered by any shard",
			uncoveredSuffix(sr, maxBits))
	}
	return nil
}

// uncoveredSuffix finds a maxBits-wide tail no shard matches, for the
// validation error message.
func uncoveredSuffix(r *shardRouter, maxBits uint) string {
	for tail := uint64(0); tail < 1<<maxBits; tail++ {
		matched := false
		for _, s := range r.shards {
			if tail&mask(s.bits) == s.suffix {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Sprintf("%0*b", maxBits, tail)
		}
	}
	return "<none>"
}

// ProbeTargets performs a minimal HTTP connectivity check against every
// distinct target. A target is considered reachable if the request completes,
// regardless of status code.
func ProbeTargets(r Router, client *http.Client) error {
	for _, u := range r.AllTargets() {
		resp, err := client.Get(u.String())
		if err != nil {
			return errors.Wrapf(err, "shard target %s is unreachable", u)
		}
		if err := resp.Body.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (r *shardRouter) RouteByRequestID(requestID string) (Target, error) {
	hexPart := strings.TrimPrefix(strings.TrimPrefix(requestID, "0x"), "0X")
	if len(hexPart) < minRequestIDHexLen {
		return Target{}, ErrInvalidRequestID
	}
	// Only the last 16 hex digits can influence routing; suffixes are at
	// most 30 bits wide.
	tailHex := hexPart[len(hexPart)-16:]
	var tail uint64
	for i := 0; i < len(hexPart); i++ {
		if !isHexDigit(hexPart[i]) {
			return Target{}, ErrInvalidRequestID
		}
	}
	for i := 0; i < len(tailHex); i++ {
		tail = tail<<4 | uint64(hexVal(tailHex[i]))
	}
	for _, s := range r.shards {
		if tail&mask(s.bits) == s.suffix {
			return Target{ShardID: s.id, URL: s.url}, nil
		}
	}
	// Unreachable for a validated config.
	return Target{}, errors.Errorf("no shard covers request id tail %x", tail)
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) uint64 {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0')
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10
	default:
		return uint64(c-'A') + 10
	}
}

func (r *shardRouter) RouteByShardID(id int32) (Target, bool) {
	s, ok := r.byID[id]
	if !ok {
		return Target{}, false
	}
	return Target{ShardID: s.id, URL: s.url}, true
}

func (r *shardRouter) RandomTarget() (Target, error) {
	return r.targets[rand.Intn(len(r.targets))], nil
}

func (r *shardRouter) AllTargets() []*url.URL {
	urls := make([]*url.URL, 0, len(r.targets))
	for _, t := range r.targets {
		urls = append(urls, t.URL)
	}
	return urls
}

// failsafeRouter rejects every routing attempt. It is installed when the
// shard configuration could not be loaded from the database at startup, so
// the admin surface can come up and fix the configuration.
type failsafeRouter struct{}

// NewFailsafeRouter returns a router that fails every route.
func NewFailsafeRouter() Router {
	return failsafeRouter{}
}

func (failsafeRouter) RouteByRequestID(string) (Target, error) {
	return Target{}, ErrRoutingUnavailable
}

func (failsafeRouter) RouteByShardID(int32) (Target, bool) {
	return Target{}, false
}

func (failsafeRouter) RandomTarget() (Target, error) {
	return Target{}, ErrRoutingUnavailable
}

func (failsafeRouter) AllTargets() []*url.URL {
	return nil
}
