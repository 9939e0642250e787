// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var _ Manager = (*Systemd)(nil)

// CommandRunner runs an external command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, connecting their output to
// Stdout and Stderr (os.Stdout and os.Stderr when nil).
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes name with args and waits for it.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = r.Stdout
	if command.Stdout == nil {
		command.Stdout = os.Stdout
	}
	command.Stderr = r.Stderr
	if command.Stderr == nil {
		command.Stderr = os.Stderr
	}
	if err := command.Run(); err != nil {
		return fmt.Errorf("running %s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Systemd manages the relay as a systemd user unit. The unit file lives
// in StateDirectory and is linked into the user's unit search path, so
// removing the state directory leaves nothing behind.
type Systemd struct {
	// Name is the unit name without the ".service" suffix.
	Name string

	// Description is the unit's Description line.
	Description string

	// StateDirectory holds the unit file.
	StateDirectory string

	// Runner executes systemctl and journalctl. If nil, ExecRunner{}
	// is used.
	Runner CommandRunner

	// Notify wires process signals for Run. If nil, SignalNotify is
	// used.
	Notify NotifyFunc

	// Logger receives structured log output. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

func (s *Systemd) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Systemd) runner() CommandRunner {
	if s.Runner != nil {
		return s.Runner
	}
	return ExecRunner{}
}

// UnitName returns the unit's full name, e.g. "tunnel-relay.service".
func (s *Systemd) UnitName() string {
	return s.Name + ".service"
}

// UnitPath returns where Register writes the unit file.
func (s *Systemd) UnitPath() string {
	return filepath.Join(s.StateDirectory, s.UnitName())
}

// Register writes the unit file, links it and starts the unit.
func (s *Systemd) Register(ctx context.Context, exe string, args []string) error {
	if s.Name == "" || s.StateDirectory == "" {
		return errors.New("lifecycle: Name and StateDirectory are required")
	}
	if err := os.MkdirAll(s.StateDirectory, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", s.StateDirectory, err)
	}
	unit := RenderUnit(s.Description, exe, args)
	if err := os.WriteFile(s.UnitPath(), []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	runner := s.runner()
	if err := runner.Run(ctx, "systemctl", "--user", "link", s.UnitPath()); err != nil {
		return fmt.Errorf("registering service: %w", err)
	}
	if err := runner.Run(ctx, "systemctl", "--user", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading units: %w", err)
	}
	s.logger().Info("registered service", "unit", s.UnitName(), "path", s.UnitPath())

	if err := runner.Run(ctx, "systemctl", "--user", "start", s.UnitName()); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	s.logger().Info("service started", "unit", s.UnitName())
	return nil
}

// Unregister stops and disables the unit, then removes its file.
func (s *Systemd) Unregister(ctx context.Context) error {
	runner := s.runner()
	if err := runner.Run(ctx, "systemctl", "--user", "stop", s.UnitName()); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}
	s.logger().Info("service stopped", "unit", s.UnitName())

	if err := runner.Run(ctx, "systemctl", "--user", "disable", s.UnitName()); err != nil {
		return fmt.Errorf("unregistering service: %w", err)
	}
	if err := os.Remove(s.UnitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	s.logger().Info("service uninstalled", "unit", s.UnitName())
	return nil
}

// Run runs handler in the foreground with signal-driven shutdown.
// Under systemd, "systemctl stop" arrives as ShutdownTerminate.
func (s *Systemd) Run(ctx context.Context, handler Handler) error {
	return RunHandler(ctx, s.Notify, handler)
}

// ShowLogs prints the unit's status header, then follows its journal
// until ctx is cancelled.
func (s *Systemd) ShowLogs(ctx context.Context) error {
	runner := s.runner()
	// systemctl status exits non-zero for inactive units; the header
	// is still worth printing.
	var exitErr *exec.ExitError
	if err := runner.Run(ctx, "systemctl", "--user", "status", "-n", "0", s.UnitName()); err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("showing service status: %w", err)
	}
	if err := runner.Run(ctx, "journalctl", "--user", "-f", "-u", s.UnitName()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("following service logs: %w", err)
	}
	return nil
}

// RenderUnit returns the unit file that runs exe with args, restarting
// it ten seconds after any exit.
func RenderUnit(description, exe string, args []string) string {
	var builder strings.Builder
	builder.WriteString("[Unit]\n")
	fmt.Fprintf(&builder, "Description=%s\n", description)
	builder.WriteString("After=network.target\n")
	builder.WriteString("StartLimitIntervalSec=0\n")
	builder.WriteString("\n[Service]\n")
	builder.WriteString("Type=simple\n")
	builder.WriteString("Restart=always\n")
	builder.WriteString("RestartSec=10\n")
	builder.WriteString("ExecStart=")
	builder.WriteString(quoteExecArgument(exe))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(quoteExecArgument(arg))
	}
	builder.WriteString("\n\n[Install]\n")
	builder.WriteString("WantedBy=default.target\n")
	return builder.String()
}

// quoteExecArgument double-quotes s for an ExecStart line, escaping
// backslashes, quotes, and "%" and "$" specifiers.
func quoteExecArgument(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "%", "%%", "$", "$$", "\n", `\n`)
	return `"` + replacer.Replace(s) + `"`
}
