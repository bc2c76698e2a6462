// Package breaker implements the consecutive-failure circuit breaker that
// guards every outbound call tickergate makes to a trading backend. After a
// configured number of consecutive retryable failures the breaker opens and
// rejects calls without network I/O; after a cooldown it admits a single
// probe call to test recovery.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/argie33/algo-sub012/internal/metrics"
)

// State represents the breaker admission state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Cooling down finished; a single probe is in flight.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailureClass tells the breaker whether a failed call says anything about
// upstream health. The proxy classifies each outcome exactly once, at the
// HTTP boundary; the breaker itself never inspects errors or status codes.
type FailureClass int

const (
	// Retryable marks network errors, timeouts, and 5xx responses.
	// Only these move the consecutive-failure counter.
	Retryable FailureClass = iota

	// NonRetryable marks 4xx and application-level errors. The upstream
	// answered, so the failure is the caller's problem, not the upstream's:
	// it must never push the breaker toward open.
	NonRetryable
)

// Rejection errors returned by Allow. Callers translate these into 503
// responses (or a cached fallback); they must never be fed back into
// OnFailure — a rejected call made no network attempt.
var (
	ErrOpen    = errors.New("circuit breaker open")
	ErrProbing = errors.New("recovery probe in flight")
)

// Config holds the tunable breaker parameters. Both are deployment
// configuration, not constants: operators adjust sensitivity per upstream.
type Config struct {
	// FailureThreshold is the count of consecutive retryable failures that
	// opens the breaker.
	FailureThreshold int

	// Cooldown is the minimum time the breaker stays open before admitting
	// a recovery probe.
	Cooldown time.Duration
}

// DefaultConfig returns the breaker defaults used when an upstream does not
// override them.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a read-only copy of the breaker state for the admin API and
// debug display.
type Snapshot struct {
	Upstream            string    `json:"upstream"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// Breaker is a goroutine-safe circuit breaker for a single upstream. One
// instance per upstream is owned by the Registry and shared by reference —
// deliberately not a package-level global, so upstreams fail independently
// and tests can construct isolated instances.
type Breaker struct {
	mu          sync.Mutex
	state       State
	consecutive int
	lastFailure time.Time

	upstream string
	cfg      Config
	logger   *slog.Logger

	// now is swapped out by tests to drive the cooldown clock.
	now func() time.Time
}

// New creates a closed Breaker for the named upstream.
func New(upstream string, cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		state:    StateClosed,
		upstream: upstream,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. It returns nil when the call is
// admitted, ErrOpen while the breaker is open inside its cooldown, and
// ErrProbing while a recovery probe is already in flight.
//
// When the cooldown has elapsed, the first Allow transitions the breaker to
// half-open and admits that caller as the single probe; every concurrent
// caller is rejected with ErrProbing until the probe reports its outcome.
// Because admission and the state change happen atomically under the mutex,
// no separate probe-in-flight flag is needed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		metrics.BreakerRejections.WithLabelValues(b.upstream, "open").Inc()
		return ErrOpen
	case StateHalfOpen:
		metrics.BreakerRejections.WithLabelValues(b.upstream, "probing").Inc()
		return ErrProbing
	default:
		return nil
	}
}

// OnSuccess records a successful call. The consecutive-failure counter is
// zeroed unconditionally and the breaker closes from any state — a genuine
// success is always proof of recovery, whether it was the half-open probe or
// a straggler admitted before the breaker opened.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	metrics.BreakerConsecutiveFailures.WithLabelValues(b.upstream).Set(0)
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// OnFailure records a failed call. Only Retryable failures move the counter
// and the cooldown clock; a NonRetryable failure proves the upstream answered,
// so in half-open it closes the breaker (the probe reached the service) and
// in closed it changes nothing.
func (b *Breaker) OnFailure(class FailureClass) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if class == NonRetryable {
		if b.state == StateHalfOpen {
			b.consecutive = 0
			metrics.BreakerConsecutiveFailures.WithLabelValues(b.upstream).Set(0)
			b.transitionTo(StateClosed)
		}
		return
	}

	b.consecutive++
	b.lastFailure = b.now()
	metrics.BreakerConsecutiveFailures.WithLabelValues(b.upstream).Set(float64(b.consecutive))

	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately, regardless of the counter.
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.consecutive >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	}
}

// Reset forces the breaker closed, zeroes the counter, and clears the last
// failure timestamp. This is the operator escape hatch for a stuck or
// misconfigured breaker; it is idempotent.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.lastFailure = time.Time{}
	metrics.BreakerConsecutiveFailures.WithLabelValues(b.upstream).Set(0)
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// State returns the current admission state. Note: in the open state this
// does not check the cooldown; use Allow for admission decisions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a read-only copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Upstream:            b.upstream,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutive,
		LastFailure:         b.lastFailure,
	}
}

// SetConfig updates threshold and cooldown at runtime (config hot-reload).
// The state machine is otherwise untouched: a new, lower threshold takes
// effect on the next failure.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// transitionTo changes state, emitting metrics and a log line.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.upstream, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.upstream).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"upstream", b.upstream,
		"from", from.String(),
		"to", newState.String(),
		"consecutive_failures", b.consecutive,
	)
}
