package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"github.com/modoterra/nodelog/internal/buildinfo"
	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/daemon"
	"github.com/modoterra/nodelog/pkg/sink"
)

type options struct {
	socket       string
	config       string
	logLevel     string
	logFormat    string
	journald     bool
	pollInterval time.Duration
	version      bool
}

func parseFlags(args []string, env config.Env) (options, error) {
	var o options
	fs := pflag.NewFlagSet("nodelogd", pflag.ContinueOnError)
	fs.StringVar(&o.socket, "socket", env.Socket, "control socket path (NODELOG_SOCKET)")
	fs.StringVar(&o.config, "config", env.Config, "node config file (NODELOG_CONFIG)")
	fs.StringVar(&o.logLevel, "log-level", env.LogLevel, "daemon log level (NODELOG_LOG_LEVEL)")
	fs.StringVar(&o.logFormat, "log-format", env.LogFormat, "daemon log format: text or json (NODELOG_LOG_FORMAT)")
	fs.BoolVar(&o.journald, "journald", env.Journald, "also send worker logs to the systemd journal (NODELOG_JOURNALD)")
	fs.DurationVar(&o.pollInterval, "poll-interval", env.PollInterval, "worker stats interval (NODELOG_POLL_INTERVAL)")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if len(fs.Args()) == 1 && fs.Arg(0) == "version" {
		o.version = true
	}
	if o.pollInterval <= 0 {
		return options{}, fmt.Errorf("--poll-interval must be positive, got %s", o.pollInterval)
	}
	return o, nil
}

// loadConfig reads the node config. A missing file at the default path
// yields an empty config for this host.
func loadConfig(o options) (*config.Config, error) {
	c, err := config.Load(o.config)
	if errors.Is(err, os.ErrNotExist) && o.config == config.DefaultPath {
		c, err = config.Parse(nil)
		if err == nil {
			c.Version = 1
		}
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		c.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		c.Log.Format = o.logFormat
	}
	if o.journald {
		c.Log.Journald = true
	}
	if errs := config.Validate(c); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// workerSink forwards worker entries to the daemon log and, when enabled,
// to the journal.
func workerSink(c *config.Config, logger *slog.Logger) core.Sink {
	sinks := []core.Sink{sink.NewSlog(logger.With("source", "worker"))}
	if c.Log.Journald {
		j, err := sink.NewJournal("nodelogd")
		if err != nil {
			logger.Warn("journald sink disabled", "err", err)
		} else {
			sinks = append(sinks, j)
		}
	}
	return sink.NewMulti(sinks...)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "nodelogd:", err)
		return 2
	}
	o, err := parseFlags(args, env)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "nodelogd:", err)
		return 2
	}
	if o.version {
		fmt.Printf("nodelogd %s\n", buildinfo.String())
		return 0
	}

	c, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodelogd: config %s: %v\n", o.config, err)
		return 1
	}
	logger, err := config.NewLogger(os.Stderr, c.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nodelogd:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := daemon.New(o.socket, logger)
	defer d.Shutdown()

	supervisor := daemon.NewSupervisor(ctx, daemon.SupervisorOptions{
		Node:      c.Node,
		Sink:      workerSink(c, logger),
		Publisher: d.Server(),
	}, logger)
	d.SetSupervisor(supervisor)
	defer supervisor.StopAll()

	d.ApplyConfig(c)

	pollLoop := daemon.NewPollLoop(d, o.pollInterval, logger)
	go pollLoop.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reload(d, o, logger)
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
			cancel()
			return
		}
	}()

	go func() {
		select {
		case <-d.Server().Ready():
			if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
				logger.Warn("sd_notify", "err", err)
			} else if ok {
				logger.Debug("notified systemd")
			}
		case <-ctx.Done():
		}
	}()

	logger.Info("starting nodelogd", "version", buildinfo.Version, "node", c.Node, "socket", o.socket, "workers", len(c.Workers))
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon error", "err", err)
		return 1
	}
	return 0
}

func reload(d *daemon.Daemon, o options, logger *slog.Logger) {
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyReloading)
	defer func() { _, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyReady) }()

	c, err := loadConfig(o)
	if err != nil {
		logger.Error("reload config", "path", o.config, "err", err)
		return
	}
	changed := d.ApplyConfig(c)
	logger.Info("config reloaded", "path", o.config, "changed", len(changed))
}
