package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Logging logs one structured line per request: method, path, status,
// latency, client address, upstream, and request ID. Bodies are never
// logged; they carry order details and account balances. upstreamFor maps a
// path to the upstream name for the log label; pass nil to omit the label.
func Logging(logger *slog.Logger, upstreamFor func(string) string) func(http.Handler) http.Handler {
	if upstreamFor == nil {
		upstreamFor = func(string) string { return "" }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if upstream := upstreamFor(r.URL.Path); upstream != "" {
				attrs = append(attrs, "upstream", upstream)
			}

			level := slog.LevelInfo
			if recorder.statusCode >= 500 {
				level = slog.LevelError
			} else if recorder.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}
