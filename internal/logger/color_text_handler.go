package logger

import (
	"context"
	"io"
	"log/slog"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler is a slog.TextHandler that prefixes each message with
// its level in an ANSI color. Handlers derived with WithAttrs or WithGroup
// keep the coloring.
type ColorTextHandler struct {
	slog.Handler
	color bool
}

// NewColorTextHandler creates a new ColorTextHandler; color=false behaves
// like a plain text handler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	return &ColorTextHandler{Handler: slog.NewTextHandler(w, opts), color: color}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.color {
		code, ok := levelColors[r.Level]
		if !ok {
			code = "\033[0m"
		}
		r.Message = code + r.Level.String() + "\033[0m  " + r.Message
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), color: h.color}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), color: h.color}
}
