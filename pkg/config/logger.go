package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/sink"
)

// NewLogger builds the daemon logger described by l.
func NewLogger(w io.Writer, l Log) (*slog.Logger, error) {
	level := slog.LevelInfo
	if l.Level != "" {
		pl, err := core.ParseLevel(l.Level)
		if err != nil {
			return nil, err
		}
		level = sink.SlogLevel(pl)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: sink.ReplaceLevelNames}
	switch l.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}
