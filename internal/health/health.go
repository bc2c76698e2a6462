// Package health provides the gateway's liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/argie33/algo-sub012/internal/breaker"
	"github.com/argie33/algo-sub012/internal/config"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler serves /health and /ready. Liveness only says the process is up;
// readiness reflects upstream reachability, using breaker state as the cheap
// signal and a TCP dial as the definitive check for closed circuits.
type Handler struct {
	upstreams []config.UpstreamConfig
	registry  *breaker.Registry
	logger    *slog.Logger

	// Readiness is cached so orchestrator polls do not TCP-dial every
	// upstream on every probe.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler over the configured upstreams.
func New(upstreams []config.UpstreamConfig, registry *breaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{upstreams: upstreams, registry: registry, logger: logger}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	ch := make(chan upstreamResult, len(h.upstreams))
	for _, u := range h.upstreams {
		go func(u config.UpstreamConfig) {
			// Breaker state first: an open circuit already proves the
			// upstream is down without any network I/O.
			if b := h.registry.Get(u.Name); b != nil {
				switch b.State() {
				case breaker.StateOpen:
					ch <- upstreamResult{name: u.Name, status: "circuit-open", ok: false}
					return
				case breaker.StateHalfOpen:
					ch <- upstreamResult{name: u.Name, status: "circuit-half-open", ok: true}
					return
				}
			}

			ch <- h.dialCheck(r.Context(), u)
		}(u)
	}

	results := make(map[string]string, len(h.upstreams))
	anyDown := false
	for range h.upstreams {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":    statusStr,
		"upstreams": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}

type upstreamResult struct {
	name   string
	status string
	ok     bool
}

func (h *Handler) dialCheck(ctx context.Context, u config.UpstreamConfig) upstreamResult {
	res := upstreamResult{name: u.Name}

	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		res.status = "invalid URL"
		return res
	}

	host := parsed.Host
	if !hasPort(host) {
		switch parsed.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	cancel()
	if err != nil {
		h.logger.Warn("upstream unreachable", "upstream", u.Name, "base_url", u.BaseURL, "error", err)
		res.status = "unreachable"
		return res
	}
	conn.Close()
	res.status = "ok"
	res.ok = true
	return res
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
