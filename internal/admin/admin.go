// Package admin provides the operator API for runtime inspection and breaker
// control. All endpoints sit behind an IP allowlist; the reset endpoints are
// the only mutating operations the gateway exposes.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/argie33/algo-sub012/internal/breaker"
	"github.com/argie33/algo-sub012/internal/config"
	"github.com/argie33/algo-sub012/internal/ratelimit"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves the /admin endpoints.
type Handler struct {
	provider    ConfigProvider
	limiter     *ratelimit.Limiter
	registry    *breaker.Registry
	upstreams   []config.UpstreamConfig
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. Allowlist CIDRs are pre-validated by config
// loading; anything unparsable here is skipped.
func New(
	provider ConfigProvider,
	limiter *ratelimit.Limiter,
	registry *breaker.Registry,
	upstreams []config.UpstreamConfig,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		provider:    provider,
		limiter:     limiter,
		registry:    registry,
		upstreams:   upstreams,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds the admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/breakers/", h.guard(h.breakerResetHandler))
	mux.HandleFunc("/admin/upstreams", h.guard(h.upstreamsHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
}

// guard enforces the IP allowlist. Method checks live in each handler since
// the breaker endpoints mix GET and POST.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakersHandler serves GET /admin/breakers: every breaker's state,
// consecutive-failure count, and last failure time.
func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.registry.Snapshots(),
	})
}

// breakerResetHandler serves POST /admin/breakers/reset (all breakers) and
// POST /admin/breakers/{upstream}/reset (one breaker).
func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/breakers/")
	switch {
	case rest == "reset":
		h.registry.ResetAll()
		h.logger.Info("all breakers reset via admin API", "client_ip", extractIP(r.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})

	case strings.HasSuffix(rest, "/reset"):
		name := strings.TrimSuffix(rest, "/reset")
		if !h.registry.Reset(name) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such breaker", "upstream": name})
			return
		}
		h.logger.Info("breaker reset via admin API", "upstream", name, "client_ip", extractIP(r.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "upstream": name})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	}
}

// upstreamStatus is the response element for /admin/upstreams.
type upstreamStatus struct {
	Name         string   `json:"name"`
	PathPrefix   string   `json:"path_prefix"`
	BaseURL      string   `json:"base_url"`
	Methods      []string `json:"methods,omitempty"`
	AuthRequired bool     `json:"auth_required"`
	TimeoutMs    int      `json:"timeout_ms"`
	BreakerState string   `json:"breaker_state"`
}

func (h *Handler) upstreamsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	statuses := make([]upstreamStatus, len(h.upstreams))
	for i, u := range h.upstreams {
		state := "unknown"
		if b := h.registry.Get(u.Name); b != nil {
			state = b.State().String()
		}
		statuses[i] = upstreamStatus{
			Name:         u.Name,
			PathPrefix:   u.PathPrefix,
			BaseURL:      u.BaseURL,
			Methods:      u.Methods,
			AuthRequired: u.AuthRequired,
			TimeoutMs:    u.TimeoutMs,
			BreakerState: state,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"upstreams": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	// Shallow copy with secrets redacted.
	redacted := *h.provider.Current()
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	entries := h.limiter.Snapshot()

	pageSize := 100
	page := 0
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
