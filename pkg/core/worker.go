package core

import (
	"fmt"
	"strings"
	"time"
)

// Kind represents the type of worker process.
type Kind string

const (
	KindWorker    Kind = "worker"
	KindNative    Kind = "native"
	KindRouter    Kind = "router"
	KindContainer Kind = "container"
	KindGuest     Kind = "guest"
)

// Label returns the name used to tag log output of this kind of worker.
func (k Kind) Label() string {
	switch k {
	case KindNative:
		return "Native"
	case KindRouter:
		return "Router"
	case KindContainer:
		return "Container"
	case KindGuest:
		return "Guest"
	default:
		return "Worker"
	}
}

// Status is the lifecycle state of a worker process.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusConnected Status = "connected"
	StatusStarted   Status = "started"
	StatusExited    Status = "exited"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank below starting.
func (s Status) Rank() int {
	switch s {
	case StatusStarting:
		return 1
	case StatusConnected:
		return 2
	case StatusStarted:
		return 3
	case StatusExited:
		return 4
	default:
		return 0
	}
}

// RestartPolicy defines how a supervised worker should be restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// WorkerInfo is the externally visible state of a worker.
type WorkerInfo struct {
	ID        string     `json:"id"`
	Who       string     `json:"who,omitempty"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Created   time.Time  `json:"created"`
	Connected *time.Time `json:"connected,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Topic     string     `json:"topic,omitempty"`
	Restarts  int        `json:"restarts,omitempty"`
	CPUPct    float64    `json:"cpu_pct"`
	MemBytes  uint64     `json:"mem_bytes"`
	UptimeSec uint64     `json:"uptime_sec"`
}

// LogTopic constructs the notification topic for a worker's log events.
// Format: node.<node_id>.worker.<worker_id>.on_log
func LogTopic(nodeID, workerID string) string {
	return fmt.Sprintf("node.%s.worker.%s.on_log", nodeID, workerID)
}

// ParseLogTopic splits a log topic into its node and worker identifiers.
func ParseLogTopic(topic string) (nodeID, workerID string, err error) {
	rest, ok := strings.CutPrefix(topic, "node.")
	if !ok {
		return "", "", fmt.Errorf("invalid log topic %q: expected node.<node>.worker.<worker>.on_log", topic)
	}
	rest, ok = strings.CutSuffix(rest, ".on_log")
	if !ok {
		return "", "", fmt.Errorf("invalid log topic %q: expected node.<node>.worker.<worker>.on_log", topic)
	}
	nodeID, workerID, ok = strings.Cut(rest, ".worker.")
	if !ok || nodeID == "" || workerID == "" {
		return "", "", fmt.Errorf("invalid log topic %q: expected node.<node>.worker.<worker>.on_log", topic)
	}
	return nodeID, workerID, nil
}
