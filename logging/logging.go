// Package logging configures the engine's structured logger. Every
// component accepts a *slog.Logger (defaulting to slog.Default()) and logs
// with structured attributes (session_id, iteration, action_id) rather than
// interpolated strings, so log lines can be correlated with event-stream
// sequence numbers during debugging.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// enginePackagePrefix marks log records emitted from our own source tree so
// the filtering handler can tell them apart from imported-library chatter.
const enginePackagePrefix = "github.com/Trafexofive/Cortex-MK1-sub002"

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to info rather than erroring, since log level is rarely fatal.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// filteringHandler suppresses third-party library logs below debug level,
// so a session running at "info" only sees engine-authored log lines plus
// warnings/errors from anywhere.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return true
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel > slog.LevelDebug && record.Level < slog.LevelWarn && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if !strings.HasPrefix(frame.Function, enginePackagePrefix) {
			return nil
		}
	}
	return h.handler.Handle(ctx, record)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// Options configures New.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New builds a *slog.Logger per Options. Format "json" is intended for
// production deployments where logs are shipped to an aggregator; "text" is
// the default for local/dev runs, matching the teacher's simple/verbose
// modes.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		base = slog.NewJSONHandler(out, handlerOpts)
	} else {
		base = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(&filteringHandler{handler: base, minLevel: level})
}

// WithSession returns a logger child scoped to a session id, the common
// correlation key across every engine component's log lines.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("session_id", sessionID))
}
