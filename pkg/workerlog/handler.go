package workerlog

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum level handled (slog.LevelInfo if nil).
	Level slog.Leveler

	// Namespace is used for records without a "namespace" attribute.
	Namespace string
}

// Handler is a slog.Handler for child processes. It writes every record
// through an Emitter, so a child only has to install it on stderr to be
// decoded as structured by its parent.
//
// Attributes become extra keys; groups are flattened with dots. A
// "namespace" attribute at the top level sets the record's namespace.
type Handler struct {
	em     *Emitter
	opts   HandlerOptions
	attrs  map[string]any
	prefix string
}

// NewHandler creates a handler writing to w.
func NewHandler(w io.Writer, opts *HandlerOptions) *Handler {
	h := &Handler{em: NewEmitter(w), attrs: map[string]any{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return l >= minLevel
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	extra := maps.Clone(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		flatten(extra, h.prefix, a)
		return true
	})

	namespace := h.opts.Namespace
	if ns, ok := extra["namespace"].(string); ok {
		namespace = ns
		delete(extra, "namespace")
	}
	return h.em.Emit(protocolLevel(r.Level), r.Message, namespace, extra)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		flatten(c.attrs, c.prefix, a)
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *Handler) clone() *Handler {
	return &Handler{em: h.em, opts: h.opts, attrs: maps.Clone(h.attrs), prefix: h.prefix}
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = attrValue(v)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}

// protocolLevel maps a slog level onto the protocol's severity names.
func protocolLevel(l slog.Level) core.Level {
	switch {
	case l < slog.LevelDebug:
		return core.LevelTrace
	case l < slog.LevelInfo:
		return core.LevelDebug
	case l < slog.LevelWarn:
		return core.LevelInfo
	case l < slog.LevelError:
		return core.LevelWarn
	case l < slog.LevelError+4:
		return core.LevelError
	default:
		return core.LevelCritical
	}
}
