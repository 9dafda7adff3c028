package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

// colorWriter prefixes each record, written by the text handler in a single
// Write, with the painted level of the record being handled.
type colorWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (cw *colorWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(cw.w, cw.prefix); err != nil {
		return 0, err
	}
	return cw.w.Write(p)
}

// ColorTextHandler is a slog.TextHandler whose lines start with an ANSI
// colored level instead of a level=... field.
type ColorTextHandler struct {
	slog.Handler
	out *colorWriter
}

// NewColorTextHandler builds a ColorTextHandler. With showTime false the
// time field is dropped, for consoles that stamp lines themselves.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (a.Key == slog.TimeKey && !showTime)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	out := &colorWriter{w: w}
	return &ColorTextHandler{Handler: slog.NewTextHandler(out, &o), out: out}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + r.Level.String() + ansiReset + " "
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}
