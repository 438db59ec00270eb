package main

import (
	"slices"
	"sync"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

// follower queues the payloads published on one topic. The client's event
// goroutine fills it and the command drains it, so output has one writer.
type follower struct {
	topic  string
	mu     sync.Mutex
	queue  []string
	notify chan struct{}
}

func newFollower(topic string) *follower {
	return &follower{topic: topic, notify: make(chan struct{}, 1)}
}

// handle is a uds.EventHandler. It never blocks the client's read loop.
func (f *follower) handle(m uds.Message) {
	var evt uds.TopicEvent
	if m.Method != uds.EventTopicPublish || m.UnmarshalData(&evt) != nil || evt.Topic != f.topic {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, evt.Payload)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// take returns and clears the queued payloads.
func (f *follower) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue
	f.queue = nil
	return q
}

// dropSeen removes the leading payloads of pending that the history
// already holds. Those were published between subscribing and reading the
// history, so they match its newest published entries in order.
func dropSeen(history []core.LogEntry, pending []string) []string {
	var published []string
	for _, e := range history {
		if e.Kind != core.EntryOpaque {
			published = append(published, e.Text)
		}
	}
	for m := min(len(pending), len(published)); m > 0; m-- {
		if slices.Equal(pending[:m], published[len(published)-m:]) {
			return pending[m:]
		}
	}
	return pending
}
