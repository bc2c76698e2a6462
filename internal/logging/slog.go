package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/argie33/algo-sub012/internal/config"
)

// nopCloser wraps stdout/stderr so Setup always returns something closable.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Setup builds the process-wide JSON logger from the logging configuration.
// Output is stdout, stderr, or a rotating file; the returned closer flushes
// and closes the file on shutdown.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var out io.WriteCloser
	switch cfg.Output {
	case "", "stdout":
		out = nopCloser{os.Stdout}
	case "stderr":
		out = nopCloser{os.Stderr}
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, fmt.Errorf("log output %q: %w", cfg.Output, err)
		}
		out = rw
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	return slog.New(handler), out, nil
}

// ParseLevel converts a config level string to a slog.Level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
