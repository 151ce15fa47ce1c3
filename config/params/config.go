// Package params defines the configurable values for the aggregator proxy,
// with a production default set and override hooks for tests.
package params

import (
	"time"
)

// ProxyChainConfig contains every tunable the proxy services read at runtime.
// The zero value is not usable; obtain a config through ProxyConfig() or
// MainnetConfig().
type ProxyChainConfig struct {
	// Request pipeline.
	ProtectedMethods  []string      // JSON-RPC methods that require an API key.
	MaxBodyBytes      int64         // Hard cap on inbound request bodies.
	MaxHeaderCount    int           // Hard cap on inbound header fields.
	KeyCacheTTL       time.Duration // Absolute expiry for cached api key lookups.
	UpstreamTimeout   time.Duration // Server-imposed cap on a single upstream forward.
	RequestIDCookie   string        // Cookie carrying a request id for non JSON-RPC traffic.
	ShardIDCookie     string        // Cookie carrying a shard id for non JSON-RPC traffic.

	// Shard configuration.
	ShardPollInterval         time.Duration // How often the poller checks for a newer config.
	ValidateShardConnectivity bool          // Probe every shard target during validation.
	ShardProbeTimeout         time.Duration

	// Payments.
	SessionTTL              time.Duration // Pending payment sessions expire after this.
	UpgradeGracePeriod      time.Duration // Grace subtracted before computing the unused portion.
	PlanWindow              time.Duration // Length of one paid plan period.
	MinimumPayment          int64         // Floor for a discounted upgrade, in coin units.
	SweepInterval           time.Duration // How often pending sessions are swept for expiry.
	CommitmentAcceptTimeout time.Duration // Max wait for the aggregator to accept a commitment.
	InclusionProofTimeout   time.Duration // Max wait for inclusion proof convergence.

	// Database pool.
	DBMinConns        int32
	DBMaxConns        int32
	DBConnectTimeout  time.Duration
	DBConnIdleTimeout time.Duration
	DBConnMaxLifetime time.Duration

	// Lifecycle.
	ShutdownGracePeriod time.Duration // Drain budget for background services on shutdown.
}

var mainnetProxyConfig = &ProxyChainConfig{
	ProtectedMethods: []string{"submit_commitment"},
	MaxBodyBytes:     10 << 20, // 10 MiB
	MaxHeaderCount:   100,
	KeyCacheTTL:      60 * time.Second,
	UpstreamTimeout:  60 * time.Second,
	RequestIDCookie:  "UNICITY_REQUEST_ID",
	ShardIDCookie:    "UNICITY_SHARD_ID",

	ShardPollInterval:         2 * time.Second,
	ValidateShardConnectivity: false,
	ShardProbeTimeout:         5 * time.Second,

	SessionTTL:              15 * time.Minute,
	UpgradeGracePeriod:      15 * time.Minute,
	PlanWindow:              30 * 24 * time.Hour,
	MinimumPayment:          1000,
	SweepInterval:           time.Minute,
	CommitmentAcceptTimeout: 30 * time.Second,
	InclusionProofTimeout:   60 * time.Second,

	DBMinConns:        10,
	DBMaxConns:        50,
	DBConnectTimeout:  30 * time.Second,
	DBConnIdleTimeout: 10 * time.Minute,
	DBConnMaxLifetime: 30 * time.Minute,

	ShutdownGracePeriod: 5 * time.Second,
}

// MainnetConfig returns the production default configuration.
func MainnetConfig() *ProxyChainConfig {
	return mainnetProxyConfig
}

// Copy returns a deep copy of the config object.
func (c *ProxyChainConfig) Copy() *ProxyChainConfig {
	cp := *c
	cp.ProtectedMethods = append([]string(nil), c.ProtectedMethods...)
	return &cp
}
