package workerlog

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/modoterra/nodelog/pkg/core"
)

// Emitter is the child-side half of the structured protocol. It writes the
// marker before the first record and terminates every record with
// RecordSeparator. It is safe for concurrent use.
type Emitter struct {
	mu        sync.Mutex
	w         io.Writer
	announced bool
}

// NewEmitter creates an emitter writing to w, usually os.Stderr.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Announce writes the marker if it has not been written yet.
func (e *Emitter) Announce() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.announce()
}

func (e *Emitter) announce() error {
	if e.announced {
		return nil
	}
	if _, err := io.WriteString(e.w, Marker); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	e.announced = true
	return nil
}

// Emit writes one record. Keys in extra named text, level or namespace are
// overridden by the corresponding arguments.
func (e *Emitter) Emit(level core.Level, text, namespace string, extra map[string]any) error {
	fields := make(map[string]any, len(extra)+3)
	maps.Copy(fields, extra)
	fields["text"] = text
	fields["level"] = level
	if namespace != "" {
		fields["namespace"] = namespace
	} else {
		delete(fields, "namespace")
	}

	rec, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	rec = append(rec, RecordSeparator)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.announce(); err != nil {
		return err
	}
	if _, err := e.w.Write(rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
