package sink

import (
	"context"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/modoterra/nodelog/pkg/core"
)

// Severities without a slog counterpart.
const (
	LevelTrace    = slog.Level(-8)
	LevelCritical = slog.Level(12)
)

// SlogLevel maps a protocol severity onto a slog level.
func SlogLevel(l core.Level) slog.Level {
	switch l {
	case core.LevelTrace:
		return LevelTrace
	case core.LevelDebug:
		return slog.LevelDebug
	case core.LevelWarn:
		return slog.LevelWarn
	case core.LevelError:
		return slog.LevelError
	case core.LevelCritical:
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// ReplaceLevelNames is a slog.HandlerOptions.ReplaceAttr that prints
// LevelTrace and LevelCritical by name.
func ReplaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case lvl <= LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case lvl >= LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// Slog writes worker events to a slog.Logger. The worker label, pid and
// namespace become attributes, as does every extra key with its raw JSON
// value.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a sink logging through logger.
func NewSlog(logger *slog.Logger) *Slog {
	return &Slog{logger: logger}
}

func (s *Slog) Emit(e core.Emission) {
	ctx := context.Background()
	lvl := SlogLevel(e.Level)
	if !s.logger.Enabled(ctx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, 3+len(e.Extra))
	attrs = append(attrs, slog.String("system", e.System), slog.Int("pid", e.PID))
	if e.Namespace != "" {
		attrs = append(attrs, slog.String("namespace", e.Namespace))
	}
	keys := lo.Keys(e.Extra)
	slices.Sort(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, string(e.Extra[k])))
	}
	s.logger.LogAttrs(ctx, lvl, e.Text, attrs...)
}
