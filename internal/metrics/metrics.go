// Package metrics provides Prometheus instrumentation for tickergate.
// Collectors are registered once via Init and exposed through Handler
// for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts proxied requests by upstream, method, and HTTP status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"upstream", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by upstream and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickergate_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "method"},
	)

	// ActiveRequests tracks in-flight requests across all upstreams.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickergate_active_requests",
			Help: "Number of in-flight requests currently being proxied",
		},
	)

	// BreakerState reports the current circuit breaker state per upstream
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickergate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"upstream"},
	)

	// BreakerTransitions counts breaker state transitions by upstream and edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"upstream", "from", "to"},
	)

	// BreakerRejections counts calls short-circuited by an open or probing breaker.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_breaker_rejections_total",
			Help: "Total calls rejected without network I/O by the circuit breaker",
		},
		[]string{"upstream", "reason"},
	)

	// BreakerConsecutiveFailures reports the running consecutive-failure count.
	BreakerConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickergate_breaker_consecutive_failures",
			Help: "Consecutive retryable failures observed by the breaker",
		},
		[]string{"upstream"},
	)

	// InflightRejections counts requests rejected by the per-upstream
	// concurrency gate.
	InflightRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_inflight_rejections_total",
			Help: "Total requests rejected at the concurrency limit",
		},
		[]string{"upstream"},
	)

	// FallbackServed counts stale-cache responses served while the breaker
	// was rejecting calls.
	FallbackServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_fallback_served_total",
			Help: "Total stale cached responses served during circuit-open",
		},
		[]string{"upstream"},
	)

	// UpstreamErrors counts 5xx responses by upstream and status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_upstream_errors_total",
			Help: "Total upstream error responses (5xx)",
		},
		[]string{"upstream", "status"},
	)

	// RetryTotal counts in-request retry attempts by upstream.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"upstream"},
	)

	// RateLimitHits counts rate limit rejections by upstream.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"upstream"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickergate_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		BreakerState,
		BreakerTransitions,
		BreakerRejections,
		BreakerConsecutiveFailures,
		InflightRejections,
		FallbackServed,
		UpstreamErrors,
		RetryTotal,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns the http.Handler serving the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
