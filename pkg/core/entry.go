package core

import (
	"encoding/json"
	"fmt"
)

// Level is a severity name of the structured logging protocol.
type Level string

const (
	LevelTrace    Level = "trace"
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists every known severity, lowest first.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical}

// ParseLevel resolves a severity name. Names are matched exactly.
func ParseLevel(name string) (Level, error) {
	for _, l := range Levels {
		if string(l) == name {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown log level %q", name)
}

// EntryKind discriminates the variants of LogEntry.
type EntryKind string

const (
	EntryOpaque EntryKind = "opaque" // raw channel, quoted verbatim
	EntryLine   EntryKind = "line"   // plain text line
	EntryEvent  EntryKind = "event"  // structured record
)

// LogEntry is one decoded item of a worker's log history.
type LogEntry struct {
	Kind      EntryKind                  `json:"kind"`
	Channel   int                        `json:"channel"`
	TsUnixMs  int64                      `json:"ts_unix_ms"`
	Level     Level                      `json:"level,omitempty"`
	Text      string                     `json:"text"`
	Namespace string                     `json:"namespace,omitempty"`
	Extra     map[string]json.RawMessage `json:"extra,omitempty"`
}
