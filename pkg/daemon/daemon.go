package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/modoterra/nodelog/internal/buildinfo"
	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/procstat"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

// Daemon is the main nodelogd process: it owns the control socket, the
// worker supervisor and the latest worker snapshot.
type Daemon struct {
	server     *uds.Server
	supervisor *Supervisor
	stats      *procstat.Reader
	config     *config.Config
	workers    map[string]core.WorkerInfo
	mu         sync.RWMutex
	logger     *slog.Logger
}

// New creates a new daemon instance.
func New(socketPath string, logger *slog.Logger) *Daemon {
	srv := uds.NewServer(socketPath, logger)
	d := &Daemon{
		server:  srv,
		stats:   procstat.New(),
		workers: make(map[string]core.WorkerInfo),
		logger:  logger,
	}
	d.registerHandlers()
	return d
}

// SetSupervisor registers the worker supervisor with the daemon.
func (d *Daemon) SetSupervisor(s *Supervisor) {
	d.supervisor = s
}

// Config returns the currently loaded configuration (may be nil).
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// ApplyConfig registers the workers of c and starts the new ones.
func (d *Daemon) ApplyConfig(c *config.Config) []string {
	if d.supervisor.Node() != c.Node {
		d.logger.Warn("node id cannot change at run time", "running", d.supervisor.Node(), "config", c.Node)
	}
	changed := d.supervisor.Apply(c)
	for _, name := range changed {
		if err := d.supervisor.Start(name); err != nil {
			d.logger.Error("start worker", "name", name, "err", err)
		}
	}

	d.mu.Lock()
	d.config = c
	d.mu.Unlock()
	return changed
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// Snapshot lists every worker with fresh process stats.
func (d *Daemon) Snapshot() []core.WorkerInfo {
	infos := d.supervisor.List()
	live := make([]int, 0, len(infos))
	for i := range infos {
		d.stats.Fill(&infos[i])
		if infos[i].PID > 0 && infos[i].Status != core.StatusExited {
			live = append(live, infos[i].PID)
		}
	}
	d.stats.Retain(live)
	return infos
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodListWorkers, d.handleListWorkers)
	d.server.Handle(uds.MethodGetWorker, d.handleGetWorker)
	d.server.Handle(uds.MethodGetWorkerLog, d.handleGetWorkerLog)
	d.server.Handle(uds.MethodStartWorker, d.handleStartWorker)
	d.server.Handle(uds.MethodStopWorker, d.handleStopWorker)
	d.server.Handle(uds.MethodAction, d.handleAction)
	d.server.Handle(uds.MethodLoadConfig, d.handleLoadConfig)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Node: d.supervisor.Node(), Version: buildinfo.Version}, nil
}

func (d *Daemon) handleListWorkers(_ context.Context, _ uds.Message) (any, error) {
	return uds.ListWorkersResponse{Workers: d.Snapshot()}, nil
}

func (d *Daemon) handleGetWorker(_ context.Context, msg uds.Message) (any, error) {
	var req uds.WorkerRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	info, err := d.supervisor.Info(req.ID)
	if err != nil {
		return nil, err
	}
	d.stats.Fill(&info)
	return info, nil
}

func (d *Daemon) handleGetWorkerLog(_ context.Context, msg uds.Message) (any, error) {
	var req uds.WorkerRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := d.supervisor.Info(req.ID); err != nil {
		return nil, err
	}
	resp := uds.WorkerLogResponse{ID: req.ID, Entries: []core.LogEntry{}}
	if w, ok := d.supervisor.Worker(req.ID); ok {
		resp.Entries = w.GetLog()
	}
	return resp, nil
}

func (d *Daemon) handleStartWorker(_ context.Context, msg uds.Message) (any, error) {
	var req uds.StartWorkerRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.ID == "" {
		req.ID = "w-" + uuid.NewString()[:8]
	}

	if err := d.supervisor.Register(req.ID, "client", req.Worker); err != nil {
		return nil, err
	}
	if err := d.supervisor.Start(req.ID); err != nil {
		_ = d.supervisor.Unregister(req.ID)
		return nil, err
	}

	d.logger.Info("worker added", "name", req.ID, "command", req.Worker.Command)
	return d.supervisor.Info(req.ID)
}

func (d *Daemon) handleStopWorker(_ context.Context, msg uds.Message) (any, error) {
	var req uds.WorkerRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := d.supervisor.Unregister(req.ID); err != nil {
		return nil, err
	}
	d.logger.Info("worker removed", "name", req.ID)
	return map[string]bool{"ok": true}, nil
}

func (d *Daemon) handleAction(_ context.Context, msg uds.Message) (any, error) {
	var req uds.ActionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var err error
	switch req.Action {
	case "start":
		err = d.supervisor.Start(req.WorkerID)
	case "stop":
		err = d.supervisor.Stop(req.WorkerID)
	case "restart":
		err = d.supervisor.Restart(req.WorkerID)
	default:
		return nil, fmt.Errorf("unsupported action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (d *Daemon) handleLoadConfig(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LoadConfigRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	c, err := config.Load(req.Path)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(c); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	changed := d.ApplyConfig(c)
	d.logger.Info("config loaded", "path", req.Path, "workers", len(c.Workers), "changed", len(changed))
	return uds.LoadConfigResponse{Node: c.Node, Workers: changed}, nil
}
