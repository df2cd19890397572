// Package observability provides structured logging and Prometheus metrics
// for the memory service.
//
// Loggers carry the turn trace ID when one is on the context, so every line
// emitted while recording a turn can be correlated.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/clog"

	"github.com/bdobrica/kioku/common/trace"
)

// ParseLevel converts a level name to a slog.Level. Unknown names map to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w. format is "console" (coloured,
// human-oriented), "json" or "text". A nil w writes to stderr.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := ParseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		handler = clog.New(
			clog.WithWriter(w),
			clog.WithLevel(lvl),
			clog.WithTimeFmt("15:04:05.000"),
			clog.WithSource(false),
		)
	}
	return slog.New(handler)
}

// Setup builds a logger with NewLogger, installs it as the slog default and
// returns it.
func Setup(level, format string, w io.Writer) *slog.Logger {
	logger := NewLogger(level, format, w)
	slog.SetDefault(logger)
	return logger
}

// WithTrace returns a child of logger that always includes the trace_id
// from ctx. A nil logger means slog.Default().
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return logger
	}
	return logger.With("trace_id", traceID)
}
