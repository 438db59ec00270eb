package workerlog

import (
	"time"

	"github.com/modoterra/nodelog/pkg/core"
)

// Lifecycle tracks a worker's status. Transitions only move forward.
// ready is closed on reaching started; done is closed by finish, after the
// exit-time drain. It is not safe for concurrent use; Worker serializes access.
type Lifecycle struct {
	status    core.Status
	created   time.Time
	connected *time.Time
	started   *time.Time
	exitErr   error
	ready     chan struct{}
	done      chan struct{}
}

func newLifecycle(now time.Time) *Lifecycle {
	return &Lifecycle{
		status:  core.StatusStarting,
		created: now,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// advance moves to s if s lies ahead of the current status.
// It reports whether the status changed.
func (l *Lifecycle) advance(s core.Status, now time.Time) bool {
	if s.Rank() <= l.status.Rank() {
		return false
	}
	l.status = s

	switch s {
	case core.StatusConnected:
		l.connected = &now
	case core.StatusStarted:
		l.started = &now
		close(l.ready)
	}
	return true
}

func (l *Lifecycle) finish(err error) {
	l.exitErr = err
	close(l.done)
}

func (l *Lifecycle) exited() bool {
	return l.status == core.StatusExited
}
