package workerlog

import (
	"fmt"

	"github.com/modoterra/nodelog/pkg/core"
)

// opaqueEntry wraps a raw-channel chunk without decoding it.
func opaqueEntry(channel int, data []byte) core.LogEntry {
	return core.LogEntry{
		Kind:      core.EntryOpaque,
		Channel:   channel,
		Level:     core.LevelInfo,
		Text:      quoteOpaque(data),
		Namespace: fmt.Sprintf("fd%d", channel),
	}
}
