package upstream

import (
	"net/http"
	"sync"
	"time"
)

// maxCacheEntries bounds the per-upstream fallback cache. Market-data style
// APIs have a small hot set of paths (quote/chart endpoints with symbol
// parameters), so a few hundred entries covers the traffic that matters.
const maxCacheEntries = 512

// fallbackCache holds the last good GET response per path+query so that a
// tripped breaker can serve stale data instead of a bare 503. Entries expire
// after the configured TTL; a quote that is minutes old is worse than an
// honest error.
type fallbackCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration

	now func() time.Time
}

type cacheEntry struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

func newFallbackCache(ttl time.Duration) *fallbackCache {
	return &fallbackCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Store records a successful GET response. Only 200 responses are cached:
// redirects and 204s carry nothing worth replaying.
func (c *fallbackCache) Store(key string, status int, header http.Header, body []byte) {
	if status != http.StatusOK {
		return
	}

	h := make(http.Header, len(header))
	for k, vals := range header {
		h[k] = append([]string(nil), vals...)
	}
	b := append([]byte(nil), body...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= maxCacheEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry{
		status:   status,
		header:   h,
		body:     b,
		storedAt: c.now(),
	}
}

// Get returns the cached entry for key if one exists and is still within
// the TTL, along with its age.
func (c *fallbackCache) Get(key string) (*cacheEntry, time.Duration, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}

	age := c.now().Sub(e.storedAt)
	if age > c.ttl {
		return nil, 0, false
	}
	return e, age, true
}

// Len reports the number of cached entries, expired or not.
func (c *fallbackCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldestLocked drops the stalest entry. Linear scan is fine at this
// size; eviction only runs when the cache is full.
func (c *fallbackCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
