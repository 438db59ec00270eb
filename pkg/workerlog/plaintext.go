package workerlog

import (
	"strings"

	"github.com/samber/lo"

	"github.com/modoterra/nodelog/pkg/core"
)

// splitLines breaks text into trimmed, non-empty lines. Trimming removes the
// carriage return of CRLF terminators.
func splitLines(text string) []string {
	return lo.FilterMap(strings.Split(text, "\n"), func(row string, _ int) (string, bool) {
		row = strings.TrimSpace(row)
		return row, row != ""
	})
}

func lineEntry(channel int, text string) core.LogEntry {
	return core.LogEntry{
		Kind:    core.EntryLine,
		Channel: channel,
		Level:   core.LevelInfo,
		Text:    text,
	}
}
