package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/nodelog/internal/buildinfo"
	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/daemon/service"
	"github.com/modoterra/nodelog/pkg/transport/uds"
	tuimodel "github.com/modoterra/nodelog/pkg/tui/model"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodelog",
	Short: "Worker supervisor and log collector for a node",
	Long:  "nodelog talks to nodelogd, which runs the node's workers, decodes their output and publishes it per worker topic.",
	RunE:  runTUI,
}

func init() {
	defaultSocket := config.DefaultSocket
	if env, err := config.LoadEnv(); err == nil {
		defaultSocket = env.Socket
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "daemon socket path (NODELOG_SOCKET)")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	cmd := exec.Command("nodelogd", "--socket", socketPath)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not start nodelogd:", err)
		return
	}
	_ = cmd.Process.Release()
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: could not start daemon, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// call dials the daemon, performs one request and closes the connection.
func call(timeout time.Duration, method string, data, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, method, data, out)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(2*time.Second, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ node %s, nodelogd %s\n", pong.Node, pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nodelog %s\n", buildinfo.String())
	},
}

// --- Daemon ---

var daemonConfig string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		args := []string{"--socket", socketPath}
		if daemonConfig != "" {
			args = append(args, "--config", daemonConfig)
		}
		cmd := exec.Command("nodelogd", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonConfig, "config", "", "path to nodelog.yaml")
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp uds.ListWorkersResponse
		if err := call(2*time.Second, uds.MethodListWorkers, nil, &resp); err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Workers)
		}
		if len(resp.Workers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no workers")
			return nil
		}
		renderWorkers(cmd.OutOrStdout(), resp.Workers)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// --- Logs ---

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <worker>",
	Short: "Print a worker's stored log, optionally following its topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		id := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var info core.WorkerInfo
		if err := client.Call(ctx, uds.MethodGetWorker, uds.WorkerRequest{ID: id}, &info); err != nil {
			return err
		}

		// Subscribe before reading the history so nothing falls in between.
		// Events are held back until the history has been printed.
		var f *follower
		if logsFollow {
			if info.Topic == "" {
				return fmt.Errorf("worker %s does not publish its log", id)
			}
			f = newFollower(info.Topic)
			client.OnEvent(f.handle)
			if err := client.Subscribe(ctx, info.Topic); err != nil {
				return err
			}
		}

		var resp uds.WorkerLogResponse
		if err := client.Call(ctx, uds.MethodGetWorkerLog, uds.WorkerRequest{ID: id}, &resp); err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Fprintln(out, formatEntry(e))
		}
		if f == nil {
			return nil
		}
		for _, p := range dropSeen(resp.Entries, f.take()) {
			fmt.Fprintln(out, p)
		}

		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			select {
			case <-f.notify:
				for _, p := range f.take() {
					fmt.Fprintln(out, p)
				}
			case <-sigCtx.Done():
				return nil
			case <-client.Done():
				for _, p := range f.take() {
					fmt.Fprintln(out, p)
				}
				return errors.New("daemon closed the connection")
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new log text")
}

// --- Start / Stop / Restart ---

func actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <worker>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doAction(cmd, action, args)
		},
	}
}

var (
	startCmd   = actionCmd("start", "Start workers")
	stopCmd    = actionCmd("stop", "Stop workers")
	restartCmd = actionCmd("restart", "Restart workers")
)

func doAction(cmd *cobra.Command, action string, ids []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	var errs []error
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err := client.Request(ctx, uds.MethodAction, uds.ActionRequest{WorkerID: id, Action: action})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s → %s ✓\n", action, id)
	}
	return errors.Join(errs...)
}

// --- Run ---

var runSpec config.WorkerSpec

var runCmd = &cobra.Command{
	Use:   "run [id] -- <command> [args...]",
	Short: "Start an ad-hoc worker",
	Long:  "Registers and starts a worker that is not part of the config file. Without an id the daemon picks one.",
	Args: func(cmd *cobra.Command, args []string) error {
		if cmd.ArgsLenAtDash() < 0 || len(args) == cmd.ArgsLenAtDash() {
			return errors.New("missing command after --")
		}
		if cmd.ArgsLenAtDash() > 1 {
			return errors.New("at most one worker id before --")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dash := cmd.ArgsLenAtDash()
		req := uds.StartWorkerRequest{Worker: runSpec}
		if dash == 1 {
			req.ID = args[0]
		}
		req.Worker.Command = args[dash]
		req.Worker.Args = args[dash+1:]
		if req.Worker.Dir == "" {
			req.Worker.Dir, _ = os.Getwd()
		}

		var info core.WorkerInfo
		if err := call(5*time.Second, uds.MethodStartWorker, req, &info); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started %s (pid %d)\n", info.ID, info.PID)
		if info.Topic != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "log topic: %s\n", info.Topic)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runSpec.Kind, "kind", "worker", "worker kind (worker, native, router, container, guest)")
	f.StringVar(&runSpec.Restart, "restart", "never", "restart policy (always, on-failure, never)")
	f.StringVar(&runSpec.Dir, "dir", "", "working directory (default: current directory)")
	f.IntVar(&runSpec.KeepLog, "keep-log", 0, "log history length (default 10)")
	f.BoolVar(&runSpec.StripANSI, "strip-ansi", false, "strip escape sequences from plain text output")
	f.StringToStringVar(&runSpec.Env, "env", nil, "extra environment (KEY=VALUE,...)")
}

// --- Remove ---

var removeCmd = &cobra.Command{
	Use:   "remove <worker>",
	Short: "Stop a worker and forget it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(15*time.Second, uds.MethodStopWorker, uds.WorkerRequest{ID: args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s ✓\n", args[0])
		return nil
	},
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with nodelog.yaml",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a nodelog.yaml config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath
		if len(args) > 0 {
			path = args[0]
		}

		c, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(c)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (node %s, %d workers)\n", path, c.Node, len(c.Workers))
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

var configLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Make the daemon load a config and start its changed workers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath
		if len(args) > 0 {
			path = args[0]
		}
		abs, err := absPath(path)
		if err != nil {
			return err
		}

		var resp uds.LoadConfigResponse
		if err := call(30*time.Second, uds.MethodLoadConfig, uds.LoadConfigRequest{Path: abs}, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %s for node %s, %d worker(s) changed\n", abs, resp.Node, len(resp.Workers))
		for _, name := range resp.Workers {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configLoadCmd)
}

// --- Service ---

var serviceConfig string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the nodelogd systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install, enable and start the nodelogd user unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(cmd.Context(), serviceConfig); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "nodelogd.service installed ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop, disable and remove the nodelogd user unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "nodelogd.service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and unit state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(cmd.Context(), socketPath))
	},
}

func init() {
	serviceInstallCmd.Flags().StringVar(&serviceConfig, "config", "", "config file passed to nodelogd")
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}
