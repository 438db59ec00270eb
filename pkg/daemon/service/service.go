// Package service manages the nodelogd systemd user service unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

const unitName = "nodelogd.service"

// UnitContents returns the systemd unit file contents for the given binary
// path. nodelogd signals readiness with sd_notify, so the unit uses
// Type=notify.
func UnitContents(binaryPath, configPath string) string {
	execStart := binaryPath
	if configPath != "" {
		execStart += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=nodelog daemon, supervises workers and collects their logs
Documentation=https://github.com/modoterra/nodelog

[Service]
Type=notify
ExecStart=%s
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, execStart)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// manager is the subset of the systemd D-Bus API used here.
type manager interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]any, error)
	Close()
}

var connect = func(ctx context.Context) (manager, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	return conn, nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(ctx context.Context, configPath string) error {
	binaryPath, err := exec.LookPath("nodelogd")
	if err != nil {
		return fmt.Errorf("nodelogd not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve nodelogd path: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("cannot resolve config path: %w", err)
		}
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	return install(ctx, unitPath, UnitContents(binaryPath, configPath))
}

func install(ctx context.Context, unitPath, contents string) error {
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitPath}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unitName, err)
	}
	return runJob(ctx, "start", conn.StartUnitContext)
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall(ctx context.Context) error {
	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	return uninstall(ctx, unitPath)
}

func uninstall(ctx context.Context, unitPath string) error {
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Not running or not enabled is fine here.
	_ = runJob(ctx, "stop", conn.StopUnitContext)
	_, _ = conn.DisableUnitFilesContext(ctx, []string{unitName}, false)

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func runJob(ctx context.Context, action string, job jobFunc) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, unitName, "replace", ch); err != nil {
		return fmt.Errorf("systemd %s %s: %w", action, unitName, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd %s %s: job result %q", action, unitName, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a human-readable status string.
func Status(ctx context.Context, socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			lines = append(lines, "systemd user service: "+activeState(ctx))
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func activeState(ctx context.Context) string {
	conn, err := connect(ctx)
	if err != nil {
		return "unknown"
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		return "unknown"
	}
	state, _ := props["ActiveState"].(string)
	if sub, ok := props["SubState"].(string); ok && sub != "" && state != "" {
		return state + " (" + sub + ")"
	}
	if state == "" {
		return "unknown"
	}
	return state
}
