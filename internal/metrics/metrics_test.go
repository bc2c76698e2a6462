package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectors_Gatherable(t *testing.T) {
	// Use a private registry so the test does not conflict with Init().
	reg := prometheus.NewRegistry()
	reg.MustRegister(
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

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
}

func TestBreakerCollectors_Labels(t *testing.T) {
	BreakerState.WithLabelValues("market-data").Set(1)
	BreakerTransitions.WithLabelValues("market-data", "closed", "open").Inc()
	BreakerRejections.WithLabelValues("market-data", "open").Inc()
	BreakerRejections.WithLabelValues("market-data", "probing").Inc()
	BreakerConsecutiveFailures.WithLabelValues("orders").Set(3)
	// Should not panic.
}

func TestRequestCollectors_Labels(t *testing.T) {
	RequestsTotal.WithLabelValues("market-data", "GET", "200").Inc()
	RequestDuration.WithLabelValues("market-data", "GET").Observe(0.042)
	ActiveRequests.Inc()
	ActiveRequests.Dec()
	InflightRejections.WithLabelValues("orders").Inc()
	FallbackServed.WithLabelValues("market-data").Inc()
	UpstreamErrors.WithLabelValues("orders", "503").Inc()
	RetryTotal.WithLabelValues("orders").Inc()
	RateLimitHits.WithLabelValues("market-data").Inc()
	AuthFailures.WithLabelValues("missing_token").Inc()
	// Should not panic.
}

func TestHandler_ServesPrometheusFormat(t *testing.T) {
	Init()

	RequestsTotal.WithLabelValues("portfolio", "GET", "200").Inc()
	BreakerState.WithLabelValues("portfolio").Set(0)

	h := Handler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"tickergate_requests_total",
		"tickergate_breaker_state",
		"tickergate_request_duration_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}
