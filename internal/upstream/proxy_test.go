package upstream

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/argie33/algo-sub012/internal/breaker"
	"github.com/argie33/algo-sub012/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, cfgs []config.UpstreamConfig) (*Router, *breaker.Registry) {
	t.Helper()
	defaults := config.BreakerConfig{FailureThreshold: 10, Cooldown: 30 * time.Second}
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 10, Cooldown: 30 * time.Second}, discardLogger())
	rt, err := New(cfgs, defaults, reg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return rt, reg
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal error body %q: %v", body, err)
	}
	return resp.ErrorCode
}

// countingBackend returns the handler's status and counts every request that
// actually reaches it. The status can be swapped mid-test.
type countingBackend struct {
	calls  atomic.Int64
	status atomic.Int64
	body   string
}

func newCountingBackend(status int, body string) *countingBackend {
	b := &countingBackend{body: body}
	b.status.Store(int64(status))
	return b
}

func (b *countingBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.calls.Add(1)
	w.WriteHeader(int(b.status.Load()))
	w.Write([]byte(b.body)) //nolint:errcheck
}

func TestRouter_LongestPrefixWins(t *testing.T) {
	var hitOrders, hitMarket atomic.Int64
	orders := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitOrders.Add(1)
	}))
	defer orders.Close()
	market := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitMarket.Add(1)
	}))
	defer market.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: market.URL, PathPrefix: "/api", TimeoutMs: 5000},
		{Name: "orders", BaseURL: orders.URL, PathPrefix: "/api/orders", TimeoutMs: 5000},
	})

	req := httptest.NewRequest("GET", "/api/orders/123", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if hitOrders.Load() != 1 || hitMarket.Load() != 0 {
		t.Errorf("expected orders backend to be hit, got orders=%d market=%d", hitOrders.Load(), hitMarket.Load())
	}
}

func TestRouter_NoMatchingUpstream(t *testing.T) {
	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: "http://localhost:9999", PathPrefix: "/api/orders", TimeoutMs: 5000},
	})

	req := httptest.NewRequest("GET", "/unknown", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_ENDPOINT_NOT_FOUND" {
		t.Errorf("expected EDGE_ENDPOINT_NOT_FOUND, got %q", code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	backend := newCountingBackend(http.StatusOK, "ok")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", Methods: []string{"GET"}, TimeoutMs: 5000},
	})

	req := httptest.NewRequest("POST", "/md/quote", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if backend.calls.Load() != 0 {
		t.Errorf("backend should not be hit, got %d calls", backend.calls.Load())
	}
}

func TestRouter_PrefixStripping(t *testing.T) {
	var receivedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", StripPrefix: true, TimeoutMs: 5000},
	})

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/md/quote/AAPL", nil))
	if receivedPath != "/quote/AAPL" {
		t.Errorf("expected /quote/AAPL, got %q", receivedPath)
	}

	// Bare prefix maps to root.
	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/md", nil))
	if receivedPath != "/" {
		t.Errorf("expected /, got %q", receivedPath)
	}
}

func TestRouter_HeaderInjection(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Feed-Token")
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", TimeoutMs: 5000,
			Headers: map[string]string{"X-Feed-Token": "abc123"}},
	})

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/md/quote", nil))
	if gotHeader != "abc123" {
		t.Errorf("expected injected header abc123, got %q", gotHeader)
	}
}

func TestRouter_LatencyHeaderOnSuccess(t *testing.T) {
	srv := httptest.NewServer(newCountingBackend(http.StatusOK, "ok"))
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", TimeoutMs: 5000},
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/md/quote", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Tickergate-Latency") == "" {
		t.Error("expected X-Tickergate-Latency header")
	}
}

func TestRouter_BreakerOpensAndShortCircuits(t *testing.T) {
	backend := newCountingBackend(http.StatusInternalServerError, "boom")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 5000,
			Breaker: &config.BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour}},
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: expected 500, got %d", i, rec.Code)
		}
	}

	if got := reg.Get("orders").State(); got != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", got)
	}

	// Short-circuited request: 503 with the circuit-open code, and the
	// backend call count must not move.
	before := backend.calls.Load()
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_CIRCUIT_OPEN" {
		t.Errorf("expected EDGE_CIRCUIT_OPEN, got %q", code)
	}
	if backend.calls.Load() != before {
		t.Errorf("rejected request reached the backend: %d -> %d calls", before, backend.calls.Load())
	}
}

func TestRouter_SuccessfulProbeClosesBreaker(t *testing.T) {
	backend := newCountingBackend(http.StatusInternalServerError, "boom")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 5000,
			Breaker: &config.BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond}},
	})

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/orders/1", nil))
	if got := reg.Get("orders").State(); got != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", got)
	}

	backend.status.Store(http.StatusOK)
	time.Sleep(50 * time.Millisecond)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("probe request: expected 200, got %d", rec.Code)
	}
	if got := reg.Get("orders").State(); got != breaker.StateClosed {
		t.Errorf("expected closed breaker after successful probe, got %v", got)
	}
}

func TestRouter_FailedProbeReopensBreaker(t *testing.T) {
	backend := newCountingBackend(http.StatusInternalServerError, "boom")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 5000,
			Breaker: &config.BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond}},
	})

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/orders/1", nil))
	time.Sleep(50 * time.Millisecond)

	// Probe goes out, fails, and the breaker reopens.
	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/orders/1", nil))
	if backend.calls.Load() != 2 {
		t.Fatalf("expected 2 backend calls, got %d", backend.calls.Load())
	}
	if got := reg.Get("orders").State(); got != breaker.StateOpen {
		t.Fatalf("expected reopened breaker, got %v", got)
	}

	// Immediately after the failed probe the circuit rejects again.
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if backend.calls.Load() != 2 {
		t.Errorf("rejected request reached the backend: %d calls", backend.calls.Load())
	}
}

func TestRouter_ClientErrorsDoNotTripBreaker(t *testing.T) {
	backend := newCountingBackend(http.StatusNotFound, "no such symbol")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", TimeoutMs: 5000,
			Breaker: &config.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}},
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest("GET", "/md/quote/NOPE", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404 passthrough, got %d", i, rec.Code)
		}
	}

	if backend.calls.Load() != 5 {
		t.Errorf("expected all 5 requests to reach the backend, got %d", backend.calls.Load())
	}
	if got := reg.Get("market-data").State(); got != breaker.StateClosed {
		t.Errorf("expected closed breaker, got %v", got)
	}
}

func TestRouter_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered")) //nolint:errcheck
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "portfolio", BaseURL: srv.URL, PathPrefix: "/pf", TimeoutMs: 5000, RetryAttempts: 2},
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/pf/positions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d", rec.Code)
	}
	if rec.Body.String() != "recovered" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRouter_BreakerStopsRetryLoop(t *testing.T) {
	backend := newCountingBackend(http.StatusServiceUnavailable, "down")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 5000, RetryAttempts: 5,
			Breaker: &config.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}},
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))

	// Two failed attempts open the breaker; the remaining four retries are
	// suppressed without touching the backend.
	if backend.calls.Load() != 2 {
		t.Errorf("expected 2 backend calls, got %d", backend.calls.Load())
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if got := reg.Get("orders").State(); got != breaker.StateOpen {
		t.Errorf("expected open breaker, got %v", got)
	}
}

func TestRouter_StaleFallbackWhileOpen(t *testing.T) {
	backend := newCountingBackend(http.StatusOK, `{"price":187.5}`)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", TimeoutMs: 5000,
			CacheFallback: true, FallbackTTL: time.Minute,
			Breaker: &config.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}},
	})

	// Prime the cache with a good response.
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/md/quote?symbol=AAPL", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Trip the breaker.
	backend.status.Store(http.StatusInternalServerError)
	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/md/quote?symbol=AAPL", nil))
	if got := reg.Get("market-data").State(); got != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", got)
	}

	before := backend.calls.Load()
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/md/quote?symbol=AAPL", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected stale 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"price":187.5}` {
		t.Errorf("unexpected stale body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Tickergate-Fallback") != "stale" {
		t.Errorf("expected X-Tickergate-Fallback: stale, got %q", rec.Header().Get("X-Tickergate-Fallback"))
	}
	if backend.calls.Load() != before {
		t.Errorf("fallback response reached the backend: %d -> %d calls", before, backend.calls.Load())
	}
	// Serving stale data is not a success signal; the circuit stays open.
	if got := reg.Get("market-data").State(); got != breaker.StateOpen {
		t.Errorf("breaker must stay open after fallback, got %v", got)
	}
}

func TestRouter_FallbackMissReturns503(t *testing.T) {
	backend := newCountingBackend(http.StatusInternalServerError, "boom")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "market-data", BaseURL: srv.URL, PathPrefix: "/md", TimeoutMs: 5000,
			CacheFallback: true, FallbackTTL: time.Minute,
			Breaker: &config.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}},
	})

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/md/quote?symbol=AAPL", nil))

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/md/quote?symbol=TSLA", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on cache miss, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_CIRCUIT_OPEN" {
		t.Errorf("expected EDGE_CIRCUIT_OPEN, got %q", code)
	}
}

func TestRouter_ConcurrencyLimit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 5000, MaxInflight: 1},
	})

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))
		done <- rec.Code
	}()

	<-entered
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/2", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at concurrency limit, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_CONCURRENCY_LIMIT" {
		t.Errorf("expected EDGE_CONCURRENCY_LIMIT, got %q", code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", code)
	}
}

func TestRouter_TimeoutBecomes504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: srv.URL, PathPrefix: "/orders", TimeoutMs: 50},
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_DEADLINE_EXCEEDED" {
		t.Errorf("expected EDGE_DEADLINE_EXCEEDED, got %q", code)
	}
	if snap := reg.Get("orders").Snapshot(); snap.ConsecutiveFailures != 1 {
		t.Errorf("timeout should count as one retryable failure, got %d", snap.ConsecutiveFailures)
	}
}

func TestRouter_UnreachableBackendBecomes502(t *testing.T) {
	// Grab a port that is guaranteed closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	rt, reg := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: deadURL, PathPrefix: "/orders", TimeoutMs: 1000},
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "EDGE_UPSTREAM_UNAVAILABLE" {
		t.Errorf("expected EDGE_UPSTREAM_UNAVAILABLE, got %q", code)
	}
	if snap := reg.Get("orders").Snapshot(); snap.ConsecutiveFailures != 1 {
		t.Errorf("connection error should count as one retryable failure, got %d", snap.ConsecutiveFailures)
	}
}

func TestRouter_InvalidBaseURL(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), discardLogger())
	_, err := New([]config.UpstreamConfig{
		{Name: "bad", BaseURL: "http://[::1", PathPrefix: "/bad"},
	}, config.BreakerConfig{FailureThreshold: 10, Cooldown: time.Minute}, reg, discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid base URL")
	}
}

func TestRouter_MatchAndUpstreams(t *testing.T) {
	rt, _ := newTestRouter(t, []config.UpstreamConfig{
		{Name: "orders", BaseURL: "http://localhost:9999", PathPrefix: "/api/orders", TimeoutMs: 5000},
		{Name: "market-data", BaseURL: "http://localhost:9998", PathPrefix: "/api", TimeoutMs: 5000},
	})

	if cfg, ok := rt.Match("/api/orders/1"); !ok || cfg.Name != "orders" {
		t.Errorf("Match(/api/orders/1) = %q, %v", cfg.Name, ok)
	}
	if cfg, ok := rt.Match("/api/quotes"); !ok || cfg.Name != "market-data" {
		t.Errorf("Match(/api/quotes) = %q, %v", cfg.Name, ok)
	}
	if _, ok := rt.Match("/apiv2"); ok {
		t.Error("Match(/apiv2) should not match /api")
	}

	if got := len(rt.Upstreams()); got != 2 {
		t.Errorf("expected 2 upstreams, got %d", got)
	}
}
