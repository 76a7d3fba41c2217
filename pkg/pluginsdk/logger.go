package pluginsdk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Logger returns a slog.Logger whose records are forwarded to the host as
// $log messages. Attributes are appended to the message as key=value.
func (b *Backend) Logger() *slog.Logger {
	return slog.New(&hostHandler{b: b, level: slog.LevelDebug})
}

type hostHandler struct {
	b     *Backend
	level slog.Level
	attrs []slog.Attr
	group string
}

func (h *hostHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *hostHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	write := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&sb, " %s=%v", key, a.Value.Resolve())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	return h.b.Log(r.Level, sb.String())
}

func (h *hostHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

func (h *hostHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		name = c.group + "." + name
	}
	c.group = name
	return &c
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
