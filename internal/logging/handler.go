package logging

import (
	"context"
	"log/slog"
)

// TeeHandler wraps a base slog.Handler and additionally publishes every
// record it handles to a Broadcaster, so Connected Clients can subscribe to
// the same stream the process logs to stderr/file.
type TeeHandler struct {
	base   slog.Handler
	b      *Broadcaster
	name   string
	groups []string
}

// NewTeeHandler returns a handler that forwards every record to base and to
// b, tagged with loggerName.
func NewTeeHandler(base slog.Handler, b *Broadcaster, loggerName string) *TeeHandler {
	return &TeeHandler{base: base, b: b, name: loggerName}
}

// Enabled delegates to the base handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record to the base handler and publishes a Record to
// the broadcaster.
func (h *TeeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var errText, stackText string
	rec.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "error":
			errText = a.Value.String()
		case "stack":
			stackText = a.Value.String()
		}
		return true
	})

	h.b.Publish(Record{
		LoggerName: h.name,
		Level:      rec.Level.String(),
		Time:       rec.Time,
		Message:    rec.Message,
		Err:        errText,
		Stack:      stackText,
	})

	return h.base.Handle(ctx, rec)
}

// WithAttrs delegates attribute binding to the base handler.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{base: h.base.WithAttrs(attrs), b: h.b, name: h.name, groups: h.groups}
}

// WithGroup delegates group nesting to the base handler.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{base: h.base.WithGroup(name), b: h.b, name: h.name, groups: append(h.groups, name)}
}
