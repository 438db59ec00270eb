// Package sink holds the destinations worker log events are emitted to:
// the daemon's own slog logger, the systemd journal, and combinations of
// them.
package sink
