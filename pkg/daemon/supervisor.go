package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"reflect"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/workerlog"
)

// stopTimeout is how long a worker gets between SIGTERM and SIGKILL.
const stopTimeout = 10 * time.Second

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerExists   = errors.New("worker already registered")
)

// supervised is a registered worker and its current process, if any.
type supervised struct {
	name     string
	who      string
	spec     config.WorkerSpec
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	worker   *workerlog.Worker // log and lifecycle of the latest spawn
	running  bool
	stopping bool
	failures int
	restarts int
	mu       sync.Mutex
}

// SupervisorOptions configures where worker output goes.
type SupervisorOptions struct {
	Node      string         // node id used in log topics
	Sink      core.Sink      // receives every decoded entry
	Publisher core.Publisher // receives entry text on the worker's topic
}

// Supervisor manages the lifecycle of worker processes.
type Supervisor struct {
	processes map[string]*supervised
	mu        sync.RWMutex
	opts      SupervisorOptions
	backoff   func(failures int) time.Duration
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(ctx context.Context, opts SupervisorOptions, logger *slog.Logger) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		processes: make(map[string]*supervised),
		opts:      opts,
		backoff:   backoff,
		logger:    logger,
		ctx:       sctx,
		cancel:    cancel,
	}
}

// Node returns the node id workers are published under.
func (s *Supervisor) Node() string {
	return s.opts.Node
}

// Register adds a worker to be supervised but doesn't start it yet.
// who records what asked for the worker (config, a client).
func (s *Supervisor) Register(name, who string, spec config.WorkerSpec) error {
	if errs := config.ValidateSpec(name, spec); len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[name]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, name)
	}
	s.processes[name] = &supervised{name: name, who: who, spec: spec}
	return nil
}

// Unregister stops a worker and forgets it.
func (s *Supervisor) Unregister(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.stopProcess(p)
	s.mu.Lock()
	delete(s.processes, name)
	s.mu.Unlock()
	return nil
}

// Apply registers the workers of c. A worker whose definition changed is
// replaced; identical ones are left running. It returns the names of the
// workers registered or replaced.
func (s *Supervisor) Apply(c *config.Config) []string {
	var changed []string
	names := lo.Keys(c.Workers)
	slices.Sort(names)
	for _, name := range names {
		spec := c.Workers[name]
		if p, err := s.lookup(name); err == nil {
			p.mu.Lock()
			same := reflect.DeepEqual(p.spec, spec)
			p.mu.Unlock()
			if same {
				continue
			}
			s.logger.Info("worker definition changed", "name", name)
			_ = s.Unregister(name)
		}
		if err := s.Register(name, "config", spec); err != nil {
			s.logger.Error("register worker", "name", name, "err", err)
			continue
		}
		changed = append(changed, name)
	}
	return changed
}

// Start starts a registered worker.
func (s *Supervisor) Start(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.stopping = false
	p.mu.Unlock()
	return s.spawn(p)
}

// Stop stops a running worker. It does not restart afterwards.
func (s *Supervisor) Stop(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.stopProcess(p)
	return nil
}

// Restart stops and restarts a worker.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(name)
}

// StartAll starts all registered workers.
func (s *Supervisor) StartAll() {
	for _, name := range s.names() {
		if err := s.Start(name); err != nil {
			s.logger.Error("start worker", "name", name, "err", err)
		}
	}
}

// StopAll terminates all workers and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.cancel()
	s.mu.RLock()
	procs := lo.Values(s.processes)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stopProcess(p)
		}()
	}
	wg.Wait()
}

// Worker returns the log and lifecycle of the latest spawn of name.
// It is false if the worker is unknown or has never been started.
func (s *Supervisor) Worker(name string) (*workerlog.Worker, bool) {
	p, err := s.lookup(name)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker, p.worker != nil
}

// Info describes one worker.
func (s *Supervisor) Info(name string) (core.WorkerInfo, error) {
	p, err := s.lookup(name)
	if err != nil {
		return core.WorkerInfo{}, err
	}
	return s.info(p), nil
}

// List describes every registered worker, sorted by id.
func (s *Supervisor) List() []core.WorkerInfo {
	names := s.names()
	infos := make([]core.WorkerInfo, 0, len(names))
	for _, name := range names {
		if info, err := s.Info(name); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

func (s *Supervisor) info(p *supervised) core.WorkerInfo {
	p.mu.Lock()
	w, restarts := p.worker, p.restarts
	spec, who := p.spec, p.who
	p.mu.Unlock()

	if w == nil {
		return core.WorkerInfo{ID: p.name, Who: who, Kind: spec.WorkerKind(), Topic: s.topic(p.name, spec)}
	}
	info := w.Info()
	info.Restarts = restarts
	return info
}

func (s *Supervisor) topic(name string, spec config.WorkerSpec) string {
	if !spec.Publishes() {
		return ""
	}
	return core.LogTopic(s.opts.Node, name)
}

func (s *Supervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.processes)
	slices.Sort(names)
	return names
}

func (s *Supervisor) lookup(name string) (*supervised, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	return p, nil
}

func (s *Supervisor) spawn(p *supervised) error {
	p.mu.Lock()
	spec, who := p.spec, p.who
	p.mu.Unlock()

	argv := append(strings.Fields(spec.Command), spec.Args...)
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Terminate the whole process group, not just the leader.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	rawCh, coopCh := spec.Channels()
	w := workerlog.New(workerlog.Config{
		ID:                 p.name,
		Who:                who,
		Kind:               spec.WorkerKind(),
		History:            spec.KeepLog,
		Topic:              s.topic(p.name, spec),
		RawChannel:         rawCh,
		CooperativeChannel: coopCh,
		StripANSI:          spec.StripANSI,
		Sink:               s.opts.Sink,
		Publisher:          s.opts.Publisher,
	})

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %q: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid
	if err := w.SetPID(pid); err != nil {
		s.logger.Warn("set pid", "name", p.name, "err", err)
	}
	w.Transition(core.StatusConnected)

	p.mu.Lock()
	p.cmd = cmd
	p.cancel = cancel
	p.worker = w
	p.running = true
	p.mu.Unlock()

	s.logger.Info("worker started", "name", p.name, "pid", pid, "command", spec.Command)

	go s.markReady(w, spec.ReadyAfter)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(&readers, p.name, w, stdoutPipe, 1)
	go s.pump(&readers, p.name, w, stderrPipe, 2)

	go s.waitAndRestart(p, cmd, w, &readers, cancel)
	return nil
}

// markReady moves w to started after delay unless it exits first.
func (s *Supervisor) markReady(w *workerlog.Worker, delay time.Duration) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-w.Done():
			return
		}
	}
	w.Transition(core.StatusStarted)
}

// pump hands every chunk read from fd to the worker.
func (s *Supervisor) pump(wg *sync.WaitGroup, name string, w *workerlog.Worker, r io.Reader, fd int) {
	defer wg.Done()
	err := readChunks(r, func(chunk []byte) {
		if err := w.Log(fd, chunk); err != nil {
			s.logger.Warn("worker output", "name", name, "fd", fd, "err", err)
		}
	})
	if err != nil {
		s.logger.Debug("read worker output", "name", name, "fd", fd, "err", err)
	}
}

func (s *Supervisor) waitAndRestart(p *supervised, cmd *exec.Cmd, w *workerlog.Worker, readers *sync.WaitGroup, cancel context.CancelFunc) {
	// Both pipes must be drained before Wait closes them.
	readers.Wait()
	err := cmd.Wait()
	cancel()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	if p.cmd == cmd {
		p.running = false
	}
	stopping := p.stopping
	p.failures++
	failures := p.failures
	restart := p.spec.RestartPolicy()
	p.mu.Unlock()

	// Exit releases anyone waiting in stopProcess, so bookkeeping comes first.
	w.Exit(err)

	s.logger.Info("worker exited", "name", p.name, "exit_code", exitCode, "err", err)

	if stopping || s.ctx.Err() != nil {
		return
	}

	shouldRestart := false
	switch restart {
	case core.RestartAlways:
		shouldRestart = true
	case core.RestartOnFailure:
		shouldRestart = exitCode != 0
	case core.RestartNever:
		shouldRestart = false
	}
	if !shouldRestart {
		return
	}

	delay := s.backoff(failures)
	s.logger.Info("restarting worker", "name", p.name, "delay", delay, "attempt", failures)

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		return
	}

	p.mu.Lock()
	if p.stopping || p.running {
		p.mu.Unlock()
		return
	}
	p.restarts++
	p.mu.Unlock()

	if err := s.spawn(p); err != nil {
		s.logger.Error("restart failed", "name", p.name, "err", err)
	}
}

// stopProcess terminates the process group of p and waits until the worker
// has exited, escalating to SIGKILL after stopTimeout.
func (s *Supervisor) stopProcess(p *supervised) {
	p.mu.Lock()
	p.stopping = true
	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return
	}
	pid := p.cmd.Process.Pid
	cancel := p.cancel
	w := p.worker
	p.mu.Unlock()

	// cmd.Cancel sends SIGTERM to the group.
	cancel()

	select {
	case <-w.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("worker did not stop, killing", "name", p.name, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-w.Done()
	}
}

// backoff returns exponential backoff delay: 1s, 2s, 4s, 8s, 16s, 30s max.
func backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 6 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(failures-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
