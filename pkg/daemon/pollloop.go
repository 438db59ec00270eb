package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

// PollLoop samples all workers every interval and emits delta events.
type PollLoop struct {
	daemon   *Daemon
	interval time.Duration
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	return &PollLoop{daemon: d, interval: interval, logger: logger}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick()
		}
	}
}

func (pl *PollLoop) tick() {
	newWorkers := make(map[string]core.WorkerInfo)
	for _, info := range pl.daemon.Snapshot() {
		newWorkers[info.ID] = info
	}

	pl.daemon.mu.Lock()
	oldWorkers := pl.daemon.workers
	pl.daemon.workers = newWorkers
	pl.daemon.mu.Unlock()

	delta := computeDelta(oldWorkers, newWorkers)
	if !delta.HasChanges() {
		return
	}
	evt, err := uds.NewEvent(uds.EventWorkersDelta, delta.WorkersDelta)
	if err != nil {
		pl.logger.Error("delta event", "err", err)
		return
	}
	pl.daemon.Server().Broadcast(evt)
}

// Delta represents changes between poll cycles.
type Delta struct {
	uds.WorkersDelta
}

// HasChanges returns true if the delta contains any changes.
func (d Delta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}

func computeDelta(old, new map[string]core.WorkerInfo) Delta {
	var d Delta

	for id, info := range new {
		prev, existed := old[id]
		if !existed {
			d.Added = append(d.Added, info)
		} else if workerChanged(prev, info) {
			d.Updated = append(d.Updated, info)
		}
	}

	for id := range old {
		if _, exists := new[id]; !exists {
			d.Removed = append(d.Removed, id)
		}
	}

	return d
}

// workerChanged ignores uptime, which moves on every poll.
func workerChanged(a, b core.WorkerInfo) bool {
	return a.Status != b.Status ||
		a.PID != b.PID ||
		a.Restarts != b.Restarts ||
		a.CPUPct != b.CPUPct ||
		a.MemBytes != b.MemBytes
}
