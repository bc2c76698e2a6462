package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/argie33/algo-sub012/internal/apierror"
)

// Deadline applies a hard wall-clock limit to the whole middleware chain,
// covering retries and backoff sleeps that per-attempt upstream timeouts
// cannot see. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				// Only write the 504 if the handler has not started
				// streaming a response.
				if dw.tryClaimWrite() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				// Wait for the handler goroutine so nothing writes to a
				// recycled ResponseWriter.
				<-done
			}
		})
	}
}

// deadlineWriter tracks whether the wrapped writer has been committed, so
// the deadline path never appends a 504 to a response that already started.
type deadlineWriter struct {
	http.ResponseWriter
	claimed bool
}

func (dw *deadlineWriter) tryClaimWrite() bool {
	if dw.claimed {
		return false
	}
	dw.claimed = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.claimed = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.claimed = true
	return dw.ResponseWriter.Write(b)
}
