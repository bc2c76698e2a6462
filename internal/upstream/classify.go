package upstream

import "net/http"

// Outcome is the breaker-relevant classification of a completed upstream
// call. Classification happens exactly once, here at the HTTP boundary;
// everything downstream (breaker accounting, metrics, logging) consumes the
// Outcome tag instead of re-inspecting errors or status codes.
type Outcome int

const (
	// OutcomeSuccess covers 2xx and 3xx responses.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryable covers failures that plausibly heal on their own:
	// connection errors, timeouts, and transient 5xx responses. Only these
	// advance the breaker's consecutive-failure count.
	OutcomeRetryable

	// OutcomeNonRetryable covers responses that prove the upstream is
	// reachable and answering deliberately: all 4xx (including 429), and
	// 501. Retrying the same request would produce the same answer.
	OutcomeNonRetryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps a final HTTP status code to an Outcome.
//
// Network-level failures never reach this function with their original error:
// the proxy's ErrorHandler converts them to 502 (connection errors) or 504
// (deadline exceeded) first, so both land in the retryable bucket here.
//
// 501 Not Implemented is the one 5xx treated as non-retryable: the upstream
// answered and will keep answering the same way. 429 is deliberate backpressure
// from a healthy upstream, not an outage, so it must not push the breaker open.
func ClassifyStatus(status int) Outcome {
	switch {
	case status < 400:
		return OutcomeSuccess
	case status == http.StatusNotImplemented:
		return OutcomeNonRetryable
	case status >= 500:
		return OutcomeRetryable
	default:
		return OutcomeNonRetryable
	}
}

// retryableStatus reports whether a buffered attempt is worth retrying
// in-request. Narrower than OutcomeRetryable on purpose: a 500 usually
// means the upstream executed the request and blew up, and replaying a
// possibly non-idempotent request against it is worse than failing fast.
func retryableStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}
