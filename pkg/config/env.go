package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultSocket is the control socket path used when nothing overrides it.
const DefaultSocket = "/tmp/nodelog.sock"

// Env holds the NODELOG_* environment overrides.
type Env struct {
	Socket       string        `envconfig:"SOCKET" default:"/tmp/nodelog.sock"`
	Config       string        `envconfig:"CONFIG" default:"nodelog.yaml"`
	LogLevel     string        `envconfig:"LOG_LEVEL"`
	LogFormat    string        `envconfig:"LOG_FORMAT"`
	Journald     bool          `envconfig:"JOURNALD"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
}

// LoadEnv reads the NODELOG_* variables.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("nodelog", &e); err != nil {
		return Env{}, fmt.Errorf("environment: %w", err)
	}
	return e, nil
}

// Apply overrides the log settings of c with non-empty environment values.
func (e Env) Apply(c *Config) {
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		c.Log.Format = e.LogFormat
	}
	if e.Journald {
		c.Log.Journald = true
	}
}
