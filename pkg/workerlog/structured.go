package workerlog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modoterra/nodelog/pkg/core"
)

// invalidPrefix starts the text of an event synthesized from a malformed record.
const invalidPrefix = "INVALID JSON: "

// structuredDecoder frames structured records out of the byte stream.
type structuredDecoder struct {
	buf []byte
}

func (d *structuredDecoder) write(data []byte) {
	d.buf = append(d.buf, data...)
}

// next splits off the next complete record, if there is one.
func (d *structuredDecoder) next() ([]byte, bool) {
	i := bytes.IndexByte(d.buf, RecordSeparator)
	if i < 0 {
		return nil, false
	}
	rec := bytes.Clone(d.buf[:i])
	d.buf = d.buf[i+1:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return rec, true
}

// take returns the undelimited remainder and empties the buffer.
func (d *structuredDecoder) take() []byte {
	rest := d.buf
	d.buf = nil
	return rest
}

func (d *structuredDecoder) pending() int {
	return len(d.buf)
}

// parseRecord decodes one structured record into an event entry.
//
// A record that is not a JSON object with string "text" and "level" fields
// (and, if present, a string "namespace") is degraded into a warning whose
// text carries the sanitized raw record; this never fails. A well-formed
// record with a level name outside core.Levels is an error.
func parseRecord(raw []byte) (core.LogEntry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return degraded(raw), nil
	}

	text, ok := stringField(fields, "text")
	if !ok {
		return degraded(raw), nil
	}
	levelName, ok := stringField(fields, "level")
	if !ok {
		return degraded(raw), nil
	}
	var namespace string
	if _, present := fields["namespace"]; present {
		if namespace, ok = stringField(fields, "namespace"); !ok && !isNull(fields["namespace"]) {
			return degraded(raw), nil
		}
	}
	delete(fields, "text")
	delete(fields, "level")
	delete(fields, "namespace")

	level, err := core.ParseLevel(levelName)
	if err != nil {
		return core.LogEntry{}, fmt.Errorf("%w %q", ErrUnknownLevel, levelName)
	}

	entry := core.LogEntry{
		Kind:      core.EntryEvent,
		Level:     level,
		Text:      text,
		Namespace: namespace,
	}
	if len(fields) > 0 {
		entry.Extra = fields
	}
	return entry, nil
}

func degraded(raw []byte) core.LogEntry {
	return core.LogEntry{
		Kind:  core.EntryEvent,
		Level: core.LevelWarn,
		Text:  invalidPrefix + sanitize(decodeText(raw)),
	}
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
