package sink

import (
	"errors"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/modoterra/nodelog/pkg/core"
)

// ErrJournalUnavailable is returned when the journald socket cannot be reached.
var ErrJournalUnavailable = errors.New("journald is not available")

// Journal sends worker events to the systemd journal as native entries.
type Journal struct {
	identifier string
	send       func(message string, priority journal.Priority, vars map[string]string) error
}

// NewJournal connects to journald. identifier becomes SYSLOG_IDENTIFIER.
func NewJournal(identifier string) (*Journal, error) {
	if !journal.Enabled() {
		return nil, ErrJournalUnavailable
	}
	return &Journal{identifier: identifier, send: journal.Send}, nil
}

// Emit sends one entry. Delivery failures are dropped; journald being gone
// must not stall a worker.
func (j *Journal) Emit(e core.Emission) {
	_ = j.send(e.Text, priority(e.Level), j.fields(e))
}

func (j *Journal) fields(e core.Emission) map[string]string {
	vars := map[string]string{
		"SYSLOG_IDENTIFIER": j.identifier,
		"WORKER_SYSTEM":     e.System,
		"WORKER_PID":        strconv.Itoa(e.PID),
		"WORKER_LEVEL":      string(e.Level),
	}
	if e.Namespace != "" {
		vars["WORKER_NAMESPACE"] = e.Namespace
	}
	for k, v := range e.Extra {
		if name := journalFieldName(k); name != "" {
			vars["EXTRA_"+name] = string(v)
		}
	}
	return vars
}

func priority(l core.Level) journal.Priority {
	switch l {
	case core.LevelTrace, core.LevelDebug:
		return journal.PriDebug
	case core.LevelWarn:
		return journal.PriWarning
	case core.LevelError:
		return journal.PriErr
	case core.LevelCritical:
		return journal.PriCrit
	default:
		return journal.PriInfo
	}
}

// journalFieldName converts an arbitrary key into a journald field name:
// upper-case letters, digits and underscores, not starting with an underscore.
func journalFieldName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "_")
}
