package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one Breaker per upstream. The proxy, health checker, and
// admin API all share the same instances through it, so an upstream's state
// is consistent across every consumer while upstreams stay independent of
// each other.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry with the given default Config for
// upstreams that do not override it.
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for the named upstream, creating it with
// cfg on first use. Safe for concurrent callers.
func (r *Registry) GetOrCreate(upstream string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok = r.breakers[upstream]; ok {
		return b
	}

	b = New(upstream, cfg, r.logger)
	r.breakers[upstream] = b
	r.logger.Info("circuit breaker created",
		"upstream", upstream,
		"failure_threshold", cfg.FailureThreshold,
		"cooldown", cfg.Cooldown,
	)
	return b
}

// Get returns the breaker for the named upstream, or nil if none exists.
func (r *Registry) Get(upstream string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[upstream]
}

// Defaults returns the registry's default breaker Config.
func (r *Registry) Defaults() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Snapshots returns a state snapshot of every breaker, sorted by upstream
// name for stable admin output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Upstream < snaps[j].Upstream })
	return snaps
}

// Reset forces the named breaker closed. Returns false if the upstream is
// unknown.
func (r *Registry) Reset(upstream string) bool {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	r.logger.Info("circuit breaker manually reset", "upstream", upstream)
	return true
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for upstream, b := range r.breakers {
		b.Reset()
		r.logger.Info("circuit breaker manually reset", "upstream", upstream)
	}
}

// UpdateConfig applies new defaults and per-upstream overrides on config
// hot-reload. overrides maps upstream name to its Config; upstreams absent
// from the map get the new defaults.
func (r *Registry) UpdateConfig(defaults Config, overrides map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = defaults
	for upstream, b := range r.breakers {
		cfg, ok := overrides[upstream]
		if !ok {
			cfg = defaults
		}
		b.SetConfig(cfg)
	}
}
