package sink

import (
	"sync"

	"github.com/modoterra/nodelog/pkg/core"
)

// Multi fans every emission out to several sinks, in order.
type Multi []core.Sink

// NewMulti combines sinks, skipping nil ones.
func NewMulti(sinks ...core.Sink) Multi {
	var m Multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) Emit(e core.Emission) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Memory keeps every emission in memory.
type Memory struct {
	mu    sync.Mutex
	items []core.Emission
}

func (m *Memory) Emit(e core.Emission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, e)
}

// Emissions returns a copy of everything emitted so far.
func (m *Memory) Emissions() []core.Emission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Emission(nil), m.items...)
}

// Reset discards stored emissions.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
}
