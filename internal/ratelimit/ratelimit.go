// Package ratelimit provides per-client-IP token bucket rate limiting for
// the gateway. Limits protect the trading backends from a single misbehaving
// frontend session; they are not a billing mechanism.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/argie33/algo-sub012/internal/apierror"
	"github.com/argie33/algo-sub012/internal/config"
	"github.com/argie33/algo-sub012/internal/metrics"
	"github.com/argie33/algo-sub012/internal/routing"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey avoids fmt.Sprintf allocation in the hot path. The composite key
// encodes IP, rate, and burst so per-upstream overrides get separate buckets.
type clientKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

// ClientSnapshot is one tracked bucket, exported for the admin API.
type ClientSnapshot struct {
	IP       string    `json:"ip"`
	Rate     float64   `json:"requests_per_second"`
	Burst    int       `json:"burst"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Limiter tracks per-client rate limiters and cleans up stale entries in the
// background.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[clientKey]*client
	rate         rate.Limit
	burst        int
	upstreams    []config.UpstreamConfig
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
}

// New creates a Limiter with the given global settings and per-upstream
// overrides, and starts a goroutine that evicts stale clients every minute.
// trustedProxies lists CIDRs whose X-Forwarded-For headers are believed.
func New(cfg config.RateLimitConfig, upstreams []config.UpstreamConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[clientKey]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		upstreams:    upstreams,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads the global settings and upstream overrides.
// Existing buckets are dropped so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig, upstreams []config.UpstreamConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.upstreams = upstreams
	l.clients = make(map[clientKey]*client)
}

// Middleware enforces the rate limit ahead of the router.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.clientIP(r)
			rateLimit, burst, upstream := l.limitsForPath(r.URL.Path)

			limiter := l.getLimiter(ip, rateLimit, burst)
			if !limiter.Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path, "upstream", upstream)
				metrics.RateLimitHits.WithLabelValues(upstream).Inc()
				retryAfter := strconv.FormatFloat(1.0/float64(rateLimit), 'f', 0, 64)
				w.Header().Set("Retry-After", retryAfter)
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Snapshot returns the tracked buckets sorted by IP, for the admin API.
func (l *Limiter) Snapshot() []ClientSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ClientSnapshot, 0, len(l.clients))
	for key, c := range l.clients {
		out = append(out, ClientSnapshot{
			IP:       key.ip,
			Rate:     float64(key.rate),
			Burst:    key.burst,
			Tokens:   c.limiter.Tokens(),
			LastSeen: c.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Rate < out[j].Rate
	})
	return out
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return the first non-trusted hop.
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// limitsForPath returns the effective rate, burst, and upstream name for a
// path in a single scan over the upstream list.
func (l *Limiter) limitsForPath(path string) (rate.Limit, int, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var bestOverride *config.RateLimitConfig
	bestLen := 0
	bestName := "unknown"

	for _, u := range l.upstreams {
		if routing.MatchesPrefix(path, u.PathPrefix) && len(u.PathPrefix) > bestLen {
			bestLen = len(u.PathPrefix)
			bestName = u.Name
			bestOverride = u.RateOverride
		}
	}

	if bestOverride != nil {
		return rate.Limit(bestOverride.RequestsPerSecond), bestOverride.BurstSize, bestName
	}
	return l.rate, l.burst, bestName
}

// getLimiter returns or creates the bucket for a client key. Read-lock for
// existing clients, write-lock only for inserts; rate.Limiter is itself
// goroutine-safe so Allow runs outside our lock.
func (l *Limiter) getLimiter(ip string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{ip: ip, rate: r, burst: burst}

	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Refreshing lastSeen once a minute is enough to dodge the
		// 3-minute eviction without a time.Now per hit.
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
