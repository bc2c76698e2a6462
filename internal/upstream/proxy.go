// Package upstream proxies requests to the configured trading API backends.
// Every upstream gets its own circuit breaker, concurrency gate, and optional
// stale-response cache; a failing market-data feed must never take order
// submission down with it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/argie33/algo-sub012/internal/apierror"
	"github.com/argie33/algo-sub012/internal/breaker"
	"github.com/argie33/algo-sub012/internal/config"
	"github.com/argie33/algo-sub012/internal/metrics"
	"github.com/argie33/algo-sub012/internal/routing"
)

// target bundles everything the router needs for one configured upstream.
type target struct {
	cfg   config.UpstreamConfig
	proxy *httputil.ReverseProxy
	brk   *breaker.Breaker
	gate  *breaker.InflightGate
	cache *fallbackCache
}

// Router matches incoming requests to configured upstreams and proxies them
// through the upstream's circuit breaker. Targets are sorted by path prefix
// length (longest first) so /api/orders/v2 beats /api/orders.
type Router struct {
	targets []*target
	logger  *slog.Logger
}

// New builds a Router from the upstream configurations, creating (or reusing)
// one breaker per upstream in the registry.
func New(cfgs []config.UpstreamConfig, defaults config.BreakerConfig, registry *breaker.Registry, logger *slog.Logger) (*Router, error) {
	sorted := make([]config.UpstreamConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	targets := make([]*target, 0, len(sorted))
	for _, cfg := range sorted {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q for upstream %q: %w", cfg.BaseURL, cfg.Name, err)
		}

		name := cfg.Name // capture for the error handler closure
		proxy := httputil.NewSingleHostReverseProxy(base)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			// Network-level failures are normalized to HTTP statuses here,
			// so outcome classification has a single input: the status code.
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("upstream timeout", "upstream", name, "path", r.URL.Path, "error", err)
				apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "upstream deadline exceeded")
				return
			}
			logger.Error("upstream unreachable", "upstream", name, "path", r.URL.Path, "error", err)
			apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
		}

		bc := cfg.BreakerOrDefault(defaults)
		t := &target{
			cfg:   cfg,
			proxy: proxy,
			brk: registry.GetOrCreate(cfg.Name, breaker.Config{
				FailureThreshold: bc.FailureThreshold,
				Cooldown:         bc.Cooldown,
			}),
			gate: breaker.NewInflightGate(cfg.Name, cfg.MaxInflight),
		}
		if cfg.CacheFallback {
			t.cache = newFallbackCache(cfg.FallbackTTL)
		}
		targets = append(targets, t)
	}

	return &Router{targets: targets, logger: logger}, nil
}

// ServeHTTP implements http.Handler. The rejection paths (no match, bad
// method, concurrency limit, breaker open) return before any network I/O;
// a short-circuited request costs a map lookup and a mutex, nothing more.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	t, ok := rt.match(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.EndpointNotFound, "no matching endpoint")
		return
	}

	if len(t.cfg.Methods) > 0 && !methodAllowed(r.Method, t.cfg.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, t.cfg.PathPrefix))
		return
	}

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	if !t.gate.TryAcquire() {
		metrics.InflightRejections.WithLabelValues(t.cfg.Name).Inc()
		rt.logger.Warn("concurrency limit reached", "upstream", t.cfg.Name, "limit", t.cfg.MaxInflight)
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ConcurrencyLimit, "upstream concurrency limit reached")
		return
	}
	defer t.gate.Release()

	if err := t.brk.Allow(); err != nil {
		rt.reject(w, r, t, err)
		return
	}

	for k, v := range t.cfg.Headers {
		r.Header.Set(k, v)
	}

	originalPath := r.URL.Path
	if t.cfg.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, t.cfg.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	buf := rt.proxyWithRetries(r, t, originalPath)

	if r.Method == http.MethodGet && t.cache != nil && buf.statusCode == http.StatusOK {
		t.cache.Store(cacheKey(originalPath, r.URL.RawQuery), buf.statusCode, buf.header, buf.body.Bytes())
	}

	// Latency header must land before the replay commits the response.
	w.Header().Set("X-Tickergate-Latency", time.Since(start).String())
	buf.replayTo(w)

	latency := time.Since(start)
	statusStr := strconv.Itoa(buf.statusCode)
	metrics.RequestsTotal.WithLabelValues(t.cfg.Name, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(t.cfg.Name, r.Method).Observe(latency.Seconds())
	if buf.statusCode >= 500 {
		metrics.UpstreamErrors.WithLabelValues(t.cfg.Name, statusStr).Inc()
	}
}

// proxyWithRetries performs up to RetryAttempts+1 calls against the upstream,
// buffering each response so the outcome can be classified (and cached) before
// anything reaches the client. Every attempt that actually goes out on the
// wire is reported to the breaker; attempts the breaker refuses are not.
func (rt *Router) proxyWithRetries(r *http.Request, t *target, originalPath string) *responseBuffer {
	maxAttempts := t.cfg.RetryAttempts + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var buf *responseBuffer
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// The previous attempt may have pushed the breaker over its
			// threshold; an open breaker ends the retry loop, not just the
			// request stream.
			if err := t.brk.Allow(); err != nil {
				rt.logger.Warn("retry suppressed by circuit breaker",
					"upstream", t.cfg.Name, "path", originalPath, "attempt", attempt)
				break
			}
			metrics.RetryTotal.WithLabelValues(t.cfg.Name).Inc()
			rt.logger.Warn("retrying request",
				"upstream", t.cfg.Name,
				"path", originalPath,
				"attempt", attempt,
				"status", buf.statusCode,
			)
			backoff := time.Duration(100*(1<<(attempt-2))) * time.Millisecond
			time.Sleep(backoff)
		}

		ctx, cancel := context.WithTimeout(r.Context(), t.cfg.Timeout())
		buf = &responseBuffer{header: make(http.Header), statusCode: http.StatusOK}
		t.proxy.ServeHTTP(buf, r.WithContext(ctx))
		cancel()

		rt.record(t, buf.statusCode)

		if !retryableStatus(buf.statusCode) {
			break
		}
	}
	return buf
}

// record feeds one completed call into the upstream's breaker.
func (rt *Router) record(t *target, status int) {
	switch ClassifyStatus(status) {
	case OutcomeSuccess:
		t.brk.OnSuccess()
	case OutcomeRetryable:
		t.brk.OnFailure(breaker.Retryable)
	case OutcomeNonRetryable:
		t.brk.OnFailure(breaker.NonRetryable)
	}
}

// reject handles a breaker-refused request: serve stale cached data when we
// have it, otherwise a 503 naming the breaker state. Either way no network
// I/O happens and the breaker's counters stay untouched.
func (rt *Router) reject(w http.ResponseWriter, r *http.Request, t *target, err error) {
	code := apierror.CircuitOpen
	message := "circuit breaker open"
	if errors.Is(err, breaker.ErrProbing) {
		code = apierror.ProbeInFlight
		message = "recovery probe in flight"
	}

	if r.Method == http.MethodGet && t.cache != nil {
		if e, age, ok := t.cache.Get(cacheKey(r.URL.Path, r.URL.RawQuery)); ok {
			metrics.FallbackServed.WithLabelValues(t.cfg.Name).Inc()
			rt.logger.Info("serving stale fallback",
				"upstream", t.cfg.Name, "path", r.URL.Path, "age", age.String())
			for k, vals := range e.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("X-Tickergate-Fallback", "stale")
			w.Header().Set("X-Tickergate-Fallback-Age", age.Truncate(time.Millisecond).String())
			w.WriteHeader(e.status)
			w.Write(e.body) //nolint:errcheck
			return
		}
	}

	apierror.WriteJSON(w, r, http.StatusServiceUnavailable, code, message)
}

func (rt *Router) match(path string) (*target, bool) {
	for _, t := range rt.targets {
		if routing.MatchesPrefix(path, t.cfg.PathPrefix) {
			return t, true
		}
	}
	return nil, false
}

// Match exposes upstream matching for other packages (auth middleware, rate
// limiter overrides).
func (rt *Router) Match(path string) (config.UpstreamConfig, bool) {
	if t, ok := rt.match(path); ok {
		return t.cfg, true
	}
	return config.UpstreamConfig{}, false
}

// Upstreams returns the configured upstreams in matching order.
func (rt *Router) Upstreams() []config.UpstreamConfig {
	cfgs := make([]config.UpstreamConfig, len(rt.targets))
	for i, t := range rt.targets {
		cfgs[i] = t.cfg
	}
	return cfgs
}

func cacheKey(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}
