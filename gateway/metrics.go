package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_proxied_requests_total",
		Help: "Requests forwarded to an upstream shard, by shard id and response code.",
	}, []string{"shard", "code"})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Requests to protected methods rejected for missing or unknown api keys.",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the per-key rate limiter.",
	})
	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Forwards that failed before a response was relayed, by kind.",
	}, []string{"kind"})
	forwardLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_forward_latency_seconds",
		Help:    "Latency of upstream forwards.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)
