package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/nodelog/pkg/core"
)

func TestParseValidConfig(t *testing.T) {
	t.Setenv("NODELOG_TEST_HOME", "/srv/app")
	yaml := `
version: 1
node: edge1
log:
  level: debug
  format: json
workers:
  router:
    kind: router
    command: "${NODELOG_TEST_HOME}/bin/router"
    args: ["--node", "${node}"]
    dir: "${NODELOG_TEST_HOME}"
    restart: always
    ready_after: 2s
  shell:
    command: sh
    args: ["-c", "echo hi"]
    keeplog: 50
    publish_log: false
    strip_ansi: true
    env:
      NODE: "${node}"
`
	c, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if c.Node != "edge1" {
		t.Errorf("node: got %q", c.Node)
	}
	if len(c.Workers) != 2 {
		t.Fatalf("workers count: got %d, want 2", len(c.Workers))
	}

	router := c.Workers["router"]
	if router.Command != "/srv/app/bin/router" {
		t.Errorf("command interpolation: got %q", router.Command)
	}
	if router.Args[1] != "edge1" {
		t.Errorf("args interpolation: got %v", router.Args)
	}
	if router.Dir != "/srv/app" {
		t.Errorf("dir interpolation: got %q", router.Dir)
	}
	if router.ReadyAfter != 2*time.Second {
		t.Errorf("ready_after: got %v", router.ReadyAfter)
	}
	if router.WorkerKind() != core.KindRouter || router.RestartPolicy() != core.RestartAlways {
		t.Errorf("kind/restart: got %q/%q", router.WorkerKind(), router.RestartPolicy())
	}
	if !router.Publishes() {
		t.Error("router should publish by default")
	}

	shell := c.Workers["shell"]
	if shell.Env["NODE"] != "edge1" {
		t.Errorf("env interpolation: got %q", shell.Env["NODE"])
	}
	if shell.Publishes() || !shell.StripANSI || shell.KeepLog != 50 {
		t.Errorf("shell options: %+v", shell)
	}
	if shell.WorkerKind() != core.KindWorker || shell.RestartPolicy() != core.RestartOnFailure {
		t.Errorf("defaults: got %q/%q", shell.WorkerKind(), shell.RestartPolicy())
	}

	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\nnode: a\nitems: {}\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseEmptyUsesHostname(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Node == "" {
		t.Error("node should default to the host name")
	}
}

func TestLoadAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodelog.yaml")
	in := &Config{
		Version: 1,
		Node:    "n1",
		Workers: map[string]WorkerSpec{"w": {Command: "true", ReadyAfter: time.Second}},
	}
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Node != "n1" || out.Workers["w"].Command != "true" || out.Workers["w"].ReadyAfter != time.Second {
		t.Errorf("round trip: got %+v", out)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestValidateVersionMustBe1(t *testing.T) {
	c := &Config{Version: 2, Node: "n"}
	assertHasError(t, Validate(c), "Version must be 1")
}

func TestValidateNodeRequired(t *testing.T) {
	c := &Config{Version: 1}
	assertHasError(t, Validate(c), "Node is required")
}

func TestValidateWorkerRequiresCommand(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"serve": {}}}
	assertHasError(t, Validate(c), "Workers[serve].Command is required")
}

func TestValidateBadRestart(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"serve": {Command: "x", Restart: "bogus"}}}
	assertHasError(t, Validate(c), "Restart must be one of")
}

func TestValidateValidRestartPolicies(t *testing.T) {
	for _, policy := range []string{"always", "on-failure", "never", ""} {
		c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"s": {Command: "foo", Restart: policy}}}
		if errs := Validate(c); len(errs) != 0 {
			t.Errorf("restart=%q: unexpected errors: %v", policy, errs)
		}
	}
}

func TestValidateUnknownKind(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"x": {Kind: "foobar", Command: "x"}}}
	assertHasError(t, Validate(c), `got "foobar"`)
}

func TestValidateNegativeKeepLog(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"x": {Command: "x", KeepLog: -1}}}
	assertHasError(t, Validate(c), "KeepLog must not be negative")
}

func TestValidateWorkerName(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"a.b": {Command: "x"}}}
	assertHasError(t, Validate(c), "must not contain dots")
}

func TestValidateSameChannels(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"x": {Command: "x", RawChannel: 2}}}
	assertHasError(t, Validate(c), "both 2")
}

func TestValidateChannelRange(t *testing.T) {
	c := &Config{Version: 1, Node: "n", Workers: map[string]WorkerSpec{"x": {Command: "x", RawChannel: 3}}}
	assertHasError(t, Validate(c), "RawChannel must be one of")

	c.Workers["x"] = WorkerSpec{Command: "x", RawChannel: 2, CooperativeChannel: 1}
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("swapped channels: unexpected errors: %v", errs)
	}
}

func TestValidateSpec(t *testing.T) {
	errs := ValidateSpec("adhoc", WorkerSpec{Kind: "router"})
	assertHasError(t, errs, `worker "adhoc": Command is required`)

	if errs := ValidateSpec("adhoc", WorkerSpec{Command: "sleep"}); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("NODELOG_SOCKET", "/run/n.sock")
	t.Setenv("NODELOG_LOG_LEVEL", "trace")
	t.Setenv("NODELOG_POLL_INTERVAL", "500ms")

	e, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if e.Socket != "/run/n.sock" || e.PollInterval != 500*time.Millisecond {
		t.Errorf("env: got %+v", e)
	}
	if e.Config != DefaultPath {
		t.Errorf("config default: got %q", e.Config)
	}

	c := &Config{Log: Log{Level: "info", Format: "json"}}
	e.Apply(c)
	if c.Log.Level != "trace" || c.Log.Format != "json" {
		t.Errorf("apply: got %+v", c.Log)
	}
}

func TestLoadEnvBadDuration(t *testing.T) {
	t.Setenv("NODELOG_POLL_INTERVAL", "soon")
	if _, err := LoadEnv(); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, Log{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Errorf("output: %s", buf.String())
	}

	if _, err := NewLogger(&buf, Log{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewLogger(&buf, Log{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got: %v", substr, errs)
}
