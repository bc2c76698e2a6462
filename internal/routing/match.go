// Package routing provides the path-prefix matching shared by the proxy,
// rate limiter, and auth middleware.
package routing

import "strings"

// MatchesPrefix reports whether path falls under prefix with segment-boundary
// enforcement: "/api/market" matches "/api/market" and "/api/market/quotes"
// but not "/api/marketfoo".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
