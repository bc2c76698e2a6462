package breaker

import (
	"github.com/argie33/algo-sub012/internal/metrics"
)

// InflightGate caps the number of concurrent in-flight calls to an upstream.
// It complements the circuit breaker: the breaker reacts to failures after
// the fact, while the gate stops a slow upstream from accumulating enough
// stuck requests to exhaust gateway resources in the first place.
type InflightGate struct {
	sem      chan struct{}
	upstream string
}

// NewInflightGate creates a gate allowing at most maxInflight concurrent
// calls. Returns nil when maxInflight <= 0 (disabled); TryAcquire and
// Release on a nil gate are no-ops that always admit.
func NewInflightGate(upstream string, maxInflight int) *InflightGate {
	if maxInflight <= 0 {
		return nil
	}
	return &InflightGate{
		sem:      make(chan struct{}, maxInflight),
		upstream: upstream,
	}
}

// TryAcquire claims a slot without blocking. When it returns true the caller
// must call Release exactly once after the call completes.
func (g *InflightGate) TryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		metrics.InflightRejections.WithLabelValues(g.upstream).Inc()
		return false
	}
}

// Release frees a slot claimed by TryAcquire.
func (g *InflightGate) Release() {
	if g == nil {
		return
	}
	<-g.sem
}
