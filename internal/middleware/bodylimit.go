package middleware

import (
	"net/http"

	"github.com/argie33/algo-sub012/internal/apierror"
)

// BodyLimit rejects request bodies larger than maxBytes with a 413. The
// Content-Length check catches well-behaved clients early; MaxBytesReader
// backstops chunked and streaming uploads.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
