package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/sink"
	"github.com/modoterra/nodelog/pkg/workerlog"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		got := backoff(tt.failures)
		if got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

type publishRecorder struct {
	mu       sync.Mutex
	payloads map[string][]string
}

func (r *publishRecorder) Publish(topic, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[string][]string)
	}
	r.payloads[topic] = append(r.payloads[topic], payload)
}

func (r *publishRecorder) get(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads[topic]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSupervisor(t *testing.T) (*Supervisor, *sink.Memory, *publishRecorder) {
	t.Helper()
	mem := &sink.Memory{}
	pub := &publishRecorder{}
	s := NewSupervisor(context.Background(), SupervisorOptions{Node: "n1", Sink: mem, Publisher: pub}, testLogger())
	s.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	t.Cleanup(s.StopAll)
	return s, mem, pub
}

func shell(script string) config.WorkerSpec {
	return config.WorkerSpec{Command: "sh", Args: []string{"-c", script}, Restart: "never"}
}

// runToExit starts name and waits for its first spawn to exit.
func runToExit(t *testing.T, s *Supervisor, name string) *workerlog.Worker {
	t.Helper()
	if err := s.Start(name); err != nil {
		t.Fatalf("start: %v", err)
	}
	w, ok := s.Worker(name)
	if !ok {
		t.Fatal("no worker after start")
	}
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func texts(entries []core.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func TestSupervisorStructuredWorker(t *testing.T) {
	s, mem, pub := newTestSupervisor(t)
	script := `printf '` + workerlog.Marker + `{"text":"hello","level":"warn","namespace":"boot"}\036{"text":"bye","level":"info"}\036'`
	if err := s.Register("w1", "test", shell(script)); err != nil {
		t.Fatal(err)
	}

	w := runToExit(t, s, "w1")

	if w.Mode() != workerlog.ModeStructured {
		t.Errorf("mode: got %v", w.Mode())
	}
	got := texts(w.GetLog())
	if strings.Join(got, ",") != "hello,bye" {
		t.Errorf("log: got %v", got)
	}
	if w.GetLog()[0].Namespace != "boot" || w.GetLog()[0].Level != core.LevelWarn {
		t.Errorf("first entry: %+v", w.GetLog()[0])
	}
	if p := pub.get(core.LogTopic("n1", "w1")); strings.Join(p, ",") != "hello,bye" {
		t.Errorf("published: got %v", p)
	}
	em := mem.Emissions()
	if len(em) != 2 || em[0].PID != w.PID() || !strings.HasPrefix(em[0].System, "Worker") {
		t.Errorf("emissions: %+v", em)
	}
	if w.Status() != core.StatusExited {
		t.Errorf("status: got %s", w.Status())
	}
}

func TestSupervisorPlainAndRaw(t *testing.T) {
	s, _, pub := newTestSupervisor(t)
	if err := s.Register("w1", "test", shell(`echo out; echo "  err line  " >&2`)); err != nil {
		t.Fatal(err)
	}

	w := runToExit(t, s, "w1")

	var opaque, lines []string
	for _, e := range w.GetLog() {
		switch e.Kind {
		case core.EntryOpaque:
			opaque = append(opaque, e.Text)
		case core.EntryLine:
			lines = append(lines, e.Text)
		}
	}
	if strings.Join(opaque, "") != `"out\n"` {
		t.Errorf("opaque: got %v", opaque)
	}
	if len(lines) != 1 || lines[0] != "err line" {
		t.Errorf("lines: got %v", lines)
	}
	if p := pub.get(core.LogTopic("n1", "w1")); len(p) != 1 || p[0] != "err line" {
		t.Errorf("published: got %v", p)
	}
}

func TestSupervisorSwappedChannels(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	spec := shell(`echo on-stdout; echo on-stderr >&2`)
	spec.RawChannel, spec.CooperativeChannel = 2, 1
	if err := s.Register("w1", "test", spec); err != nil {
		t.Fatal(err)
	}

	w := runToExit(t, s, "w1")
	for _, e := range w.GetLog() {
		if e.Kind == core.EntryLine && e.Text != "on-stdout" {
			t.Errorf("unexpected line %q", e.Text)
		}
		if e.Kind == core.EntryOpaque && e.Namespace != "fd2" {
			t.Errorf("opaque entry from %s", e.Namespace)
		}
	}
}

func TestSupervisorDrainsPartialRecordAtExit(t *testing.T) {
	s, mem, pub := newTestSupervisor(t)
	script := `printf '` + workerlog.Marker + `{"text":"cut off'`
	if err := s.Register("w1", "test", shell(script)); err != nil {
		t.Fatal(err)
	}

	w := runToExit(t, s, "w1")

	if len(w.GetLog()) != 0 {
		t.Errorf("partial record stored: %v", w.GetLog())
	}
	if len(pub.get(core.LogTopic("n1", "w1"))) != 0 {
		t.Error("partial record published")
	}
	em := mem.Emissions()
	if len(em) != 2 {
		t.Fatalf("emissions: got %+v", em)
	}
	if em[0].Level != core.LevelWarn || !strings.Contains(em[0].Text, "remaining log buffer") {
		t.Errorf("header: %+v", em[0])
	}
	if em[1].Text != `{"text":"cut off` {
		t.Errorf("fragment: %q", em[1].Text)
	}
}

func TestSupervisorNoPublish(t *testing.T) {
	s, _, pub := newTestSupervisor(t)
	spec := shell(`echo quiet >&2`)
	off := false
	spec.PublishLog = &off
	if err := s.Register("w1", "test", spec); err != nil {
		t.Fatal(err)
	}

	w := runToExit(t, s, "w1")
	if w.Topic() != "" || len(w.GetLog()) != 1 {
		t.Errorf("topic %q, log %v", w.Topic(), w.GetLog())
	}
	if len(pub.get(core.LogTopic("n1", "w1"))) != 0 {
		t.Error("published with publish_log disabled")
	}
}

func TestSupervisorRestartOnFailure(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	spec := shell(`exit 3`)
	spec.Restart = "on-failure"
	if err := s.Register("w1", "test", spec); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("w1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "two restarts", func() bool {
		info, _ := s.Info("w1")
		return info.Restarts >= 2
	})
	if err := s.Stop("w1"); err != nil {
		t.Fatal(err)
	}
}

func TestSupervisorNoRestartOnSuccess(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	spec := shell(`exit 0`)
	spec.Restart = "on-failure"
	if err := s.Register("w1", "test", spec); err != nil {
		t.Fatal(err)
	}
	runToExit(t, s, "w1")

	time.Sleep(100 * time.Millisecond)
	info, _ := s.Info("w1")
	if info.Restarts != 0 || info.Status != core.StatusExited {
		t.Errorf("info: %+v", info)
	}
}

func TestSupervisorStopAndReady(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	spec := shell(`exec sleep 30`)
	spec.ReadyAfter = 50 * time.Millisecond
	spec.Kind = "router"
	if err := s.Register("w1", "test", spec); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("w1"); err != nil {
		t.Fatal(err)
	}
	w, _ := s.Worker("w1")
	if st := w.Status(); st != core.StatusConnected {
		t.Errorf("status right after start: %s", st)
	}
	if w.PID() == 0 {
		t.Error("pid not set")
	}

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never became ready")
	}
	info, _ := s.Info("w1")
	if info.Kind != core.KindRouter || info.Started == nil || info.Connected == nil {
		t.Errorf("info: %+v", info)
	}

	start := time.Now()
	if err := s.Stop("w1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("stop waited for the kill timeout")
	}
	if w.Status() != core.StatusExited {
		t.Errorf("status after stop: %s", w.Status())
	}

	// Restart spawns a fresh worker.
	if err := s.Restart("w1"); err != nil {
		t.Fatal(err)
	}
	w2, _ := s.Worker("w1")
	if w2 == w {
		t.Error("restart reused the previous worker")
	}
}

func TestSupervisorRegistry(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	if err := s.Register("w1", "test", shell("true")); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("w1", "test", shell("true")); !errors.Is(err, ErrWorkerExists) {
		t.Errorf("duplicate register: %v", err)
	}
	if err := s.Register("bad.name", "test", shell("true")); err == nil {
		t.Error("expected error for dotted name")
	}
	if err := s.Register("empty", "test", config.WorkerSpec{}); err == nil {
		t.Error("expected error for missing command")
	}
	if err := s.Start("nope"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("start unknown: %v", err)
	}
	if _, ok := s.Worker("w1"); ok {
		t.Error("worker exists before first start")
	}

	info, err := s.Info("w1")
	if err != nil || info.Status != "" || info.Topic != "node.n1.worker.w1.on_log" || info.Who != "test" {
		t.Errorf("info before start: %+v, %v", info, err)
	}

	if err := s.Unregister("w1"); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Errorf("list after unregister: %v", s.List())
	}
}

func TestSupervisorApply(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	c := &config.Config{Version: 1, Node: "n1", Workers: map[string]config.WorkerSpec{
		"a": shell("true"),
		"b": shell("true"),
	}}

	if changed := s.Apply(c); strings.Join(changed, ",") != "a,b" {
		t.Errorf("first apply: %v", changed)
	}
	if changed := s.Apply(c); len(changed) != 0 {
		t.Errorf("second apply: %v", changed)
	}

	c.Workers["b"] = shell("false")
	if changed := s.Apply(c); strings.Join(changed, ",") != "b" {
		t.Errorf("apply after change: %v", changed)
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("workers: %d", got)
	}
}
