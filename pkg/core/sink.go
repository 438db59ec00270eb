package core

import "encoding/json"

// Emission is a leveled, labeled event handed to a Sink.
type Emission struct {
	Level     Level
	Text      string
	System    string // fixed-width worker label and pid
	PID       int
	Namespace string
	Extra     map[string]json.RawMessage
}

// Sink accepts log events emitted on behalf of workers.
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(e Emission)
}

// Publisher is a fire-and-forget pub/sub capability.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(topic, payload string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Emission)

func (f SinkFunc) Emit(e Emission) { f(e) }

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(topic, payload string)

func (f PublisherFunc) Publish(topic, payload string) { f(topic, payload) }
