package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/sink"
)

func testEnv() config.Env {
	return config.Env{Socket: config.DefaultSocket, Config: config.DefaultPath, PollInterval: 2 * time.Second}
}

func TestParseFlagsDefaultsFromEnv(t *testing.T) {
	env := testEnv()
	env.LogLevel = "debug"

	o, err := parseFlags(nil, env)
	require.NoError(t, err)
	require.Equal(t, config.DefaultSocket, o.socket)
	require.Equal(t, "debug", o.logLevel)
	require.Equal(t, 2*time.Second, o.pollInterval)
}

func TestParseFlagsOverrideEnv(t *testing.T) {
	o, err := parseFlags([]string{"--socket", "/run/n.sock", "--poll-interval", "500ms", "--journald"}, testEnv())
	require.NoError(t, err)
	require.Equal(t, "/run/n.sock", o.socket)
	require.Equal(t, 500*time.Millisecond, o.pollInterval)
	require.True(t, o.journald)
}

func TestParseFlagsVersion(t *testing.T) {
	o, err := parseFlags([]string{"version"}, testEnv())
	require.NoError(t, err)
	require.True(t, o.version)
}

func TestParseFlagsRejectsZeroInterval(t *testing.T) {
	_, err := parseFlags([]string{"--poll-interval", "0s"}, testEnv())
	require.Error(t, err)
}

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Chdir(t.TempDir())
	o, err := parseFlags(nil, testEnv())
	require.NoError(t, err)

	c, err := loadConfig(o)
	require.NoError(t, err)
	host, _ := os.Hostname()
	require.Equal(t, host, c.Node)
	require.Empty(t, c.Workers)
}

func TestLoadConfigMissingExplicit(t *testing.T) {
	o, err := parseFlags([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, testEnv())
	require.NoError(t, err)
	_, err = loadConfig(o)
	require.Error(t, err)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nnode: n1\nlog:\n  level: info\n"), 0o644))

	o, err := parseFlags([]string{"--config", path, "--log-level", "trace", "--log-format", "json"}, testEnv())
	require.NoError(t, err)
	c, err := loadConfig(o)
	require.NoError(t, err)
	require.Equal(t, "trace", c.Log.Level)
	require.Equal(t, "json", c.Log.Format)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nnode: n1\n"), 0o644))

	o, err := parseFlags([]string{"--config", path, "--log-level", "loud"}, testEnv())
	require.NoError(t, err)
	_, err = loadConfig(o)
	require.ErrorContains(t, err, "Log.Level")
}

func TestWorkerSinkWithoutJournal(t *testing.T) {
	logger, err := config.NewLogger(os.Stderr, config.Log{Level: "error"})
	require.NoError(t, err)

	s := workerSink(&config.Config{}, logger)
	multi, ok := s.(sink.Multi)
	require.True(t, ok)
	require.Len(t, multi, 1)
}
