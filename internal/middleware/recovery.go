package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/argie33/algo-sub012/internal/apierror"
)

// Recovery recovers from handler panics, logs the stack trace, and answers
// with a 500. A panic in one request must never take the process (and every
// open order stream with it) down.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
