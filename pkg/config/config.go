// Package config loads the node configuration file (nodelog.yaml) and the
// NODELOG_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/workerlog"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "nodelog.yaml"

// Config represents a nodelog.yaml file.
type Config struct {
	Version int                   `yaml:"version" json:"version" validate:"eq=1"`
	Node    string                `yaml:"node"    json:"node"    validate:"required,excludesall=/"`
	Log     Log                   `yaml:"log"     json:"log"`
	Workers map[string]WorkerSpec `yaml:"workers" json:"workers" validate:"dive"`
}

// Log configures the daemon's own logging.
type Log struct {
	Level    string `yaml:"level,omitempty"    json:"level,omitempty"    validate:"omitempty,oneof=trace debug info warn error critical"`
	Format   string `yaml:"format,omitempty"   json:"format,omitempty"   validate:"omitempty,oneof=text json"`
	Journald bool   `yaml:"journald,omitempty" json:"journald,omitempty"`
}

// WorkerSpec describes a worker process the daemon supervises.
// RawChannel and CooperativeChannel name the child descriptors (1 stdout,
// 2 stderr) carrying raw and cooperative output.
type WorkerSpec struct {
	Kind               string            `yaml:"kind,omitempty"                json:"kind,omitempty"                validate:"omitempty,oneof=worker native router container guest"`
	Command            string            `yaml:"command"                       json:"command"                       validate:"required"`
	Args               []string          `yaml:"args,omitempty"                json:"args,omitempty"`
	Dir                string            `yaml:"dir,omitempty"                 json:"dir,omitempty"`
	Env                map[string]string `yaml:"env,omitempty"                 json:"env,omitempty"`
	Restart            string            `yaml:"restart,omitempty"             json:"restart,omitempty"             validate:"omitempty,oneof=always on-failure never"`
	KeepLog            int               `yaml:"keeplog,omitempty"             json:"keeplog,omitempty"             validate:"gte=0"`
	PublishLog         *bool             `yaml:"publish_log,omitempty"         json:"publish_log,omitempty"`
	StripANSI          bool              `yaml:"strip_ansi,omitempty"          json:"strip_ansi,omitempty"`
	ReadyAfter         time.Duration     `yaml:"ready_after,omitempty"         json:"ready_after,omitempty"         validate:"gte=0"`
	RawChannel         int               `yaml:"raw_channel,omitempty"         json:"raw_channel,omitempty"         validate:"omitempty,oneof=1 2"`
	CooperativeChannel int               `yaml:"cooperative_channel,omitempty" json:"cooperative_channel,omitempty" validate:"omitempty,oneof=1 2"`
}

// WorkerKind returns the kind, defaulting to core.KindWorker.
func (w WorkerSpec) WorkerKind() core.Kind {
	if w.Kind == "" {
		return core.KindWorker
	}
	return core.Kind(w.Kind)
}

// RestartPolicy returns the restart policy, defaulting to on-failure.
func (w WorkerSpec) RestartPolicy() core.RestartPolicy {
	if w.Restart == "" {
		return core.RestartOnFailure
	}
	return core.RestartPolicy(w.Restart)
}

// Publishes reports whether the worker's log is published to its topic.
func (w WorkerSpec) Publishes() bool {
	return w.PublishLog == nil || *w.PublishLog
}

// Channels returns the effective raw and cooperative channel identifiers.
func (w WorkerSpec) Channels() (raw, cooperative int) {
	raw, cooperative = w.RawChannel, w.CooperativeChannel
	if raw == 0 {
		raw = workerlog.ChannelRaw
	}
	if cooperative == 0 {
		cooperative = workerlog.ChannelCooperative
	}
	return raw, cooperative
}

// Parse decodes a configuration and expands ${node} and environment
// variables in worker commands, arguments, directories and env values.
// An empty node name falls back to the host name.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Node == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node name: %w", err)
		}
		c.Node = host
	}
	c.expand()
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Save writes c to path as YAML.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) expand() {
	mapping := func(name string) string {
		if name == "node" {
			return c.Node
		}
		return os.Getenv(name)
	}
	for name, w := range c.Workers {
		w.Command = os.Expand(w.Command, mapping)
		w.Dir = os.Expand(w.Dir, mapping)
		for i, a := range w.Args {
			w.Args[i] = os.Expand(a, mapping)
		}
		for k, v := range w.Env {
			w.Env[k] = os.Expand(v, mapping)
		}
		c.Workers[name] = w
	}
}
