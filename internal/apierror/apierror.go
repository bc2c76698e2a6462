// Package apierror provides the standardized JSON error format used by every
// tickergate component. Error codes are a public contract for the trading
// frontend: clients branch on them to decide between retrying, showing an
// error, and falling back to cached data.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Code is a machine-readable error classification string.
type Code string

// Stable error codes. Do not rename or remove existing codes — the web and
// mobile clients program against them.
const (
	EndpointNotFound   Code = "EDGE_ENDPOINT_NOT_FOUND"
	MethodNotAllowed   Code = "EDGE_METHOD_NOT_ALLOWED"
	UpstreamUnavailable Code = "EDGE_UPSTREAM_UNAVAILABLE"
	CircuitOpen        Code = "EDGE_CIRCUIT_OPEN"
	ProbeInFlight      Code = "EDGE_PROBE_IN_FLIGHT"
	ConcurrencyLimit   Code = "EDGE_CONCURRENCY_LIMIT"
	DeadlineExceeded   Code = "EDGE_DEADLINE_EXCEEDED"
	AuthMissingToken   Code = "EDGE_AUTH_MISSING_TOKEN"
	AuthInvalidToken   Code = "EDGE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope Code = "EDGE_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded  Code = "EDGE_RATE_LIMIT_EXCEEDED"
	BodyTooLarge       Code = "EDGE_BODY_TOO_LARGE"
	InternalError      Code = "EDGE_INTERNAL_ERROR"
)

// Response is the standardized error body.
type Response struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hot-path rejections. Circuit-open responses
// in particular can arrive in bursts while an upstream is down, so they must
// not allocate a json.Encoder each time. Bodies with a request_id are always
// encoded fresh.
var (
	preCircuitOpen   = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preProbeInFlight = mustMarshal(http.StatusServiceUnavailable, ProbeInFlight, "recovery probe in flight")
	preNotFound      = mustMarshal(http.StatusNotFound, EndpointNotFound, "no matching endpoint")
	preUnavailable   = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable")
	preRateLimited   = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code Code, message string) []byte {
	b, _ := json.Marshal(Response{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. Common code/message
// combinations use pre-serialized bodies. When the request carries an
// X-Request-ID it is echoed into the body; r may be nil when no request is
// available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(Response{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code Code, message string) []byte {
	switch {
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == ProbeInFlight && status == http.StatusServiceUnavailable && message == "recovery probe in flight":
		return preProbeInFlight
	case code == EndpointNotFound && status == http.StatusNotFound && message == "no matching endpoint":
		return preNotFound
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream service unavailable":
		return preUnavailable
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimited
	}
	return nil
}
