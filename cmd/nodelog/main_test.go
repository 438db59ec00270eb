package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/daemon"
	"github.com/modoterra/nodelog/pkg/sink"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestConfigValidateCommand(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "nodelog.yaml")
	content := []byte(`version: 1
node: edge-1
workers:
  api:
    command: /usr/bin/api
    restart: always
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "validate", tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "valid (node edge-1, 1 workers)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigValidateInvalid(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "bad.yaml")
	content := []byte(`version: 1
node: edge-1
workers:
  bad:
    restart: sometimes
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "validate", tmp)
	if err == nil {
		t.Fatal("expected an error for an invalid config")
	}
	if !strings.Contains(out, "Command is required") {
		t.Errorf("missing command error not reported: %s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "nodelog dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	if _, err := execute(t, "run", "w1"); err == nil {
		t.Error("expected error without --")
	}
}

func TestFormatEntry(t *testing.T) {
	got := formatEntry(core.LogEntry{Kind: core.EntryEvent, Level: core.LevelWarn, Namespace: "db", Text: "slow query"})
	if !strings.Contains(got, "WARN") || !strings.HasSuffix(got, "[db] slow query") {
		t.Errorf("formatEntry() = %q", got)
	}

	got = formatEntry(core.LogEntry{Kind: core.EntryOpaque, Text: `"\x00"`})
	if !strings.Contains(got, "RAW") {
		t.Errorf("formatEntry() = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderWorkers(t *testing.T) {
	buf := &bytes.Buffer{}
	renderWorkers(buf, []core.WorkerInfo{
		{ID: "api", Kind: core.KindWorker, Status: core.StatusStarted, PID: 42},
		{ID: "idle", Kind: core.KindGuest},
	})
	out := buf.String()
	for _, want := range []string{"ID", "api", "started", "42", "idle", "registered"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestDropSeen(t *testing.T) {
	history := []core.LogEntry{
		{Kind: core.EntryLine, Text: "a"},
		{Kind: core.EntryLine, Text: "b"},
		{Kind: core.EntryOpaque, Text: `"raw"`},
		{Kind: core.EntryEvent, Text: "c"},
	}
	tests := []struct {
		name    string
		pending []string
		want    []string
	}{
		{"nothing pending", nil, nil},
		{"all new", []string{"d", "e"}, []string{"d", "e"}},
		{"overlap", []string{"b", "c", "d"}, []string{"d"}},
		{"all seen", []string{"c"}, []string{}},
		{"opaque skipped", []string{"a", "b", "c"}, []string{}},
		{"not a tail", []string{"a", "d"}, []string{"a", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dropSeen(history, tt.pending)
			if len(got) != len(tt.want) {
				t.Fatalf("dropSeen() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("dropSeen() = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestFollowerQueuesTopicEvents(t *testing.T) {
	f := newFollower("node.n1.worker.w1.on_log")
	for _, topic := range []string{"node.n1.worker.w1.on_log", "node.n1.worker.w2.on_log", "node.n1.worker.w1.on_log"} {
		evt, err := uds.NewEvent(uds.EventTopicPublish, uds.TopicEvent{Topic: topic, Payload: topic[len(topic)-9:]})
		if err != nil {
			t.Fatal(err)
		}
		f.handle(evt)
	}
	delta, _ := uds.NewEvent(uds.EventWorkersDelta, uds.WorkersDelta{})
	f.handle(delta)

	select {
	case <-f.notify:
	default:
		t.Fatal("no notification")
	}
	got := f.take()
	if len(got) != 2 || got[0] != "w1.on_log" || got[1] != "w1.on_log" {
		t.Errorf("take() = %q", got)
	}
	if rest := f.take(); len(rest) != 0 {
		t.Errorf("queue not cleared: %q", rest)
	}
}

func TestCommandsAgainstDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nodelog.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := daemon.New(sock, logger)
	sup := daemon.NewSupervisor(ctx, daemon.SupervisorOptions{Node: "n1", Sink: &sink.Memory{}, Publisher: d.Server()}, logger)
	d.SetSupervisor(sup)
	defer sup.StopAll()
	go d.Run(ctx)
	defer d.Shutdown()
	<-d.Server().Ready()

	out, err := execute(t, "--socket", sock, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "node n1") {
		t.Errorf("ping output = %q", out)
	}

	out, err = execute(t, "--socket", sock, "run", "hello", "--", "sh", "-c", "echo hi >&2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "started hello") || !strings.Contains(out, "node.n1.worker.hello.on_log") {
		t.Errorf("run output = %q", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err = execute(t, "--socket", sock, "logs", "hello")
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(out, " hi") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never showed the output: %q", out)
		}
		time.Sleep(20 * time.Millisecond)
	}

	out, err = execute(t, "--socket", sock, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("status output = %q", out)
	}

	if _, err := execute(t, "--socket", sock, "remove", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--socket", sock, "logs", "hello"); err == nil {
		t.Error("expected error for removed worker")
	}
}
