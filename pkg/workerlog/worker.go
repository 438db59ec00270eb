package workerlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
)

// Config describes a worker instance.
type Config struct {
	ID   string
	Who  string // who triggered creation of the worker
	Kind core.Kind

	// History is the number of entries kept for GetLog (DefaultHistory if zero).
	History int

	// Topic receives the text of every decoded entry. Empty disables publishing.
	Topic string

	// Channel identifiers; zero selects ChannelRaw and ChannelCooperative.
	RawChannel         int
	CooperativeChannel int

	// StripANSI removes terminal escape sequences from plain-text output
	// before it is sanitized.
	StripANSI bool

	Sink      core.Sink
	Publisher core.Publisher

	// Now is the clock used for timestamps (time.Now if nil).
	Now func() time.Time
}

// Worker is the run-time log and lifecycle state of one worker process.
// All methods are safe for concurrent use. Chunks are processed in the order
// Log is called.
type Worker struct {
	id        string
	who       string
	kind      core.Kind
	topic     string
	rawCh     int
	coopCh    int
	stripANSI bool
	sink      core.Sink
	publisher core.Publisher
	now       func() time.Time

	history *Ring[core.LogEntry]

	mu         sync.Mutex
	pid        int
	life       *Lifecycle
	mode       Mode
	structured structuredDecoder
}

// New creates a worker in the starting state.
func New(cfg Config) *Worker {
	w := &Worker{
		id:        cfg.ID,
		who:       cfg.Who,
		kind:      cfg.Kind,
		topic:     cfg.Topic,
		rawCh:     cfg.RawChannel,
		coopCh:    cfg.CooperativeChannel,
		stripANSI: cfg.StripANSI,
		sink:      cfg.Sink,
		publisher: cfg.Publisher,
		now:       cfg.Now,
		history:   NewRing[core.LogEntry](cfg.History),
	}
	if w.kind == "" {
		w.kind = core.KindWorker
	}
	if w.rawCh == 0 {
		w.rawCh = ChannelRaw
	}
	if w.coopCh == 0 {
		w.coopCh = ChannelCooperative
	}
	if w.sink == nil {
		w.sink = core.SinkFunc(func(core.Emission) {})
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.life = newLifecycle(w.now())
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Topic returns the notification topic, or "" if publishing is disabled.
func (w *Worker) Topic() string { return w.topic }

// Log handles one chunk of output received on channel. Chunks on the raw
// channel are stored verbatim; chunks on the cooperative channel are decoded.
//
// The only decode error is a structured record whose level name is unknown:
// processing of the chunk stops at that record and the error wraps
// ErrUnknownLevel. Malformed records are degraded to warnings instead.
// After exit, Log discards its input and returns nil.
func (w *Worker) Log(channel int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.life.exited() || len(data) == 0 {
		return nil
	}

	switch channel {
	case w.rawCh:
		w.record(opaqueEntry(channel, data), false)
		return nil
	case w.coopCh:
	default:
		return fmt.Errorf("worker %s: %w %d", w.id, ErrUnknownChannel, channel)
	}

	if w.mode == ModeUnknown {
		data = w.decide(data)
	}

	switch w.mode {
	case ModeStructured:
		if err := w.logStructured(data); err != nil {
			return fmt.Errorf("worker %s: %w", w.id, err)
		}
	default:
		w.logPlain(data)
	}
	return nil
}

// decide fixes the decoding mode from the first cooperative chunk.
// It is the only place the mode changes.
func (w *Worker) decide(first []byte) []byte {
	mode, rest := detect(first)
	w.mode = mode
	return rest
}

func (w *Worker) logStructured(data []byte) error {
	w.structured.write(data)
	for {
		raw, ok := w.structured.next()
		if !ok {
			return nil
		}
		entry, err := parseRecord(raw)
		if err != nil {
			return err
		}
		entry.Channel = w.coopCh
		w.record(entry, true)
	}
}

func (w *Worker) logPlain(data []byte) {
	for _, row := range splitLines(decodePlain(data, w.stripANSI)) {
		w.record(lineEntry(w.coopCh, row), true)
	}
}

// record stores, emits and optionally publishes one entry.
func (w *Worker) record(entry core.LogEntry, publish bool) {
	entry.TsUnixMs = w.now().UnixMilli()
	w.history.Append(entry)

	w.sink.Emit(core.Emission{
		Level:     entry.Level,
		Text:      entry.Text,
		System:    w.system(),
		PID:       w.pid,
		Namespace: entry.Namespace,
		Extra:     entry.Extra,
	})

	if publish && w.topic != "" && w.publisher != nil {
		w.publisher.Publish(w.topic, entry.Text)
	}
}

// system is the fixed-width label attached to every emission.
func (w *Worker) system() string {
	return fmt.Sprintf("%-10s %6d", w.kind.Label(), w.pid)
}

// GetLog returns the recent history, oldest first.
func (w *Worker) GetLog() []core.LogEntry {
	return w.history.Snapshot()
}

// SetPID records the process id. It may be set once; setting the same value
// again is allowed.
func (w *Worker) SetPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("worker %s: invalid pid %d", w.id, pid)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pid != 0 && w.pid != pid {
		return fmt.Errorf("worker %s: %w (%d)", w.id, ErrPIDAlreadySet, w.pid)
	}
	w.pid = pid
	return nil
}

// PID returns the process id, or 0 if it is not known yet.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// Status returns the current lifecycle status.
func (w *Worker) Status() core.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.life.status
}

// Mode returns how the cooperative channel is being decoded.
func (w *Worker) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Transition moves the worker forward to s. Moving backwards, staying put or
// leaving exited are no-ops. Transitioning to exited is the same as Exit(nil).
// It reports whether the status changed.
func (w *Worker) Transition(s core.Status) bool {
	if s == core.StatusExited {
		return w.Exit(nil)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.life.advance(s, w.now())
}

// Exit marks the process as terminated and flushes any pending structured
// fragment to the sink. Only the first call has an effect; it reports
// whether this call performed the exit.
func (w *Worker) Exit(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.life.advance(core.StatusExited, w.now()) {
		return false
	}
	w.drain()
	w.life.finish(err)
	return true
}

// drain emits the undelimited structured remainder as warnings, one per
// newline-delimited segment including blank ones. The remainder is
// incomplete, so it is neither parsed, stored nor published.
func (w *Worker) drain() {
	if w.mode != ModeStructured || w.structured.pending() == 0 {
		return
	}
	rest := sanitize(decodeText(w.structured.take()))

	system := w.system()
	w.sink.Emit(core.Emission{
		Level:  core.LevelWarn,
		Text:   fmt.Sprintf("remaining log buffer after exit for pid %d:", w.pid),
		System: system,
		PID:    w.pid,
	})
	for _, seg := range strings.Split(rest, "\n") {
		seg = strings.TrimRight(seg, "\r")
		w.sink.Emit(core.Emission{
			Level:  core.LevelWarn,
			Text:   seg,
			System: system,
			PID:    w.pid,
		})
	}
}

// Done is closed once the worker has exited and its buffer has been drained.
func (w *Worker) Done() <-chan struct{} {
	return w.life.done
}

// Ready is closed when the worker reaches started. It stays open if the
// worker exits without starting.
func (w *Worker) Ready() <-chan struct{} {
	return w.life.ready
}

// ExitErr returns the error the worker exited with.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.life.exitErr
}

// Info returns a snapshot of the worker's externally visible state.
func (w *Worker) Info() core.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return core.WorkerInfo{
		ID:        w.id,
		Who:       w.who,
		Kind:      w.kind,
		Status:    w.life.status,
		PID:       w.pid,
		Created:   w.life.created,
		Connected: w.life.connected,
		Started:   w.life.started,
		Topic:     w.topic,
	}
}
