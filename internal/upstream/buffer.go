package upstream

import (
	"bytes"
	"net/http"
)

// responseBuffer captures a full upstream response (status, headers, body) in
// memory. Buffering lets the router classify the outcome, feed the breaker,
// and cache successful GETs before a single byte reaches the client, and lets
// failed attempts be discarded and retried without the client noticing.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

// replayTo copies the buffered response to the real writer. Headers must be
// added before WriteHeader commits them.
func (b *responseBuffer) replayTo(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.statusCode)
	w.Write(b.body.Bytes()) //nolint:errcheck
}
