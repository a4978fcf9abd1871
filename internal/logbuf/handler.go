package logbuf

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
)

// Handler is a slog.Handler that tees every record into a Buffer while
// delegating formatting to the wrapped handler.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	logger string
}

func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf, logger: "app"}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	module, line := callerInfo(r.PC)
	logger := h.logger
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "logger" {
			logger = a.Value.String()
			return false
		}
		return true
	})

	h.buf.Append(Entry{
		Timestamp: r.Time,
		Level:     levelString(r.Level),
		Logger:    logger,
		Message:   r.Message,
		Module:    module,
		Line:      line,
	})
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "logger" {
			clone.logger = a.Value.String()
		}
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	return &clone
}

// callerInfo resolves the emitter's package name and line from the record PC.
func callerInfo(pc uintptr) (string, int) {
	if pc == 0 {
		return "", 0
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	fn := frame.Function
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		fn = fn[:i]
	}
	return fn, frame.Line
}

func levelString(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
