// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/tunnelrelay/lib/testutil"
)

const testTimeout = 5 * time.Second

// recordingRunner records every command and returns the error keyed by
// the command's first argument after "--user", if any.
type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	failures map[string]error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
	if len(args) > 1 {
		if err, ok := r.failures[args[1]]; ok {
			return err
		}
	}
	return nil
}

func (r *recordingRunner) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func newSystemd(t *testing.T, runner CommandRunner) *Systemd {
	t.Helper()
	return &Systemd{
		Name:           "tunnel-relay",
		Description:    "Tunnel relay",
		StateDirectory: filepath.Join(t.TempDir(), "state"),
		Runner:         runner,
	}
}

func equalCommands(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("commands = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRenderUnit(t *testing.T) {
	unit := RenderUnit("Tunnel relay", "/usr/bin/tunnel-relay", []string{"service", "run", "--config", "/etc/relay dir/relay.yaml", `50%"off"`})

	for _, want := range []string{
		"[Unit]\nDescription=Tunnel relay\nAfter=network.target\n",
		"Restart=always\nRestartSec=10\n",
		`ExecStart="/usr/bin/tunnel-relay" "service" "run" "--config" "/etc/relay dir/relay.yaml" "50%%\"off\""` + "\n",
		"[Install]\nWantedBy=default.target\n",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestSystemdRegister(t *testing.T) {
	runner := &recordingRunner{}
	manager := newSystemd(t, runner)

	if err := manager.Register(context.Background(), "/usr/bin/tunnel-relay", []string{"service", "run"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data, err := os.ReadFile(manager.UnitPath())
	if err != nil {
		t.Fatalf("reading unit file: %v", err)
	}
	if !strings.Contains(string(data), `ExecStart="/usr/bin/tunnel-relay" "service" "run"`) {
		t.Errorf("unit file:\n%s", data)
	}
	equalCommands(t, runner.recorded(), []string{
		"systemctl --user link " + manager.UnitPath(),
		"systemctl --user daemon-reload",
		"systemctl --user start tunnel-relay.service",
	})
}

func TestSystemdRegisterStopsOnFailure(t *testing.T) {
	runner := &recordingRunner{failures: map[string]error{"link": errors.New("no session bus")}}
	manager := newSystemd(t, runner)

	err := manager.Register(context.Background(), "/usr/bin/tunnel-relay", nil)
	if err == nil || !strings.Contains(err.Error(), "no session bus") {
		t.Fatalf("Register error = %v", err)
	}
	if got := runner.recorded(); len(got) != 1 {
		t.Errorf("commands after failed link = %q", got)
	}
}

func TestSystemdRegisterValidation(t *testing.T) {
	manager := &Systemd{Runner: &recordingRunner{}}
	if err := manager.Register(context.Background(), "/bin/true", nil); err == nil {
		t.Error("Register succeeded without Name and StateDirectory")
	}
}

func TestSystemdUnregister(t *testing.T) {
	runner := &recordingRunner{}
	manager := newSystemd(t, runner)
	if err := manager.Register(context.Background(), "/usr/bin/tunnel-relay", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := manager.Unregister(context.Background()); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := os.Stat(manager.UnitPath()); !os.IsNotExist(err) {
		t.Errorf("unit file still present: %v", err)
	}
	commands := runner.recorded()
	equalCommands(t, commands[len(commands)-2:], []string{
		"systemctl --user stop tunnel-relay.service",
		"systemctl --user disable tunnel-relay.service",
	})

	// A second Unregister with the file already gone still succeeds.
	if err := manager.Unregister(context.Background()); err != nil {
		t.Errorf("second Unregister: %v", err)
	}
}

func TestSystemdShowLogs(t *testing.T) {
	// An inactive unit makes systemctl status exit non-zero.
	exitErr := exec.Command("false").Run()
	runner := &recordingRunner{failures: map[string]error{"status": exitErr}}
	manager := newSystemd(t, runner)

	if err := manager.ShowLogs(context.Background()); err != nil {
		t.Fatalf("ShowLogs: %v", err)
	}
	equalCommands(t, runner.recorded(), []string{
		"systemctl --user status -n 0 tunnel-relay.service",
		"journalctl --user -f -u tunnel-relay.service",
	})
}

func TestExecRunner(t *testing.T) {
	var output strings.Builder
	runner := ExecRunner{Stdout: &output}
	if err := runner.Run(context.Background(), "echo", "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if output.String() != "hello\n" {
		t.Errorf("output = %q", output.String())
	}

	err := runner.Run(context.Background(), "false")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("Run(false) error = %v, want *exec.ExitError", err)
	}
}

// fakeNotify captures the channel RunHandler registers so a test can
// deliver signals to it.
type fakeNotify struct {
	registered chan chan<- os.Signal
	stopped    chan struct{}
}

func newFakeNotify() *fakeNotify {
	return &fakeNotify{registered: make(chan chan<- os.Signal, 1), stopped: make(chan struct{})}
}

func (f *fakeNotify) notify(channel chan<- os.Signal, signals ...os.Signal) func() {
	f.registered <- channel
	return func() { close(f.stopped) }
}

func TestRunDeliversShutdownSignal(t *testing.T) {
	tests := []struct {
		signal os.Signal
		want   ShutdownSignal
	}{
		{unix.SIGINT, ShutdownInterrupt},
		{unix.SIGTERM, ShutdownTerminate},
	}
	for _, test := range tests {
		t.Run(test.want.String(), func(t *testing.T) {
			notify := newFakeNotify()
			manager := &Systemd{Notify: notify.notify}

			result := make(chan error, 1)
			received := make(chan ShutdownSignal, 1)
			go func() {
				result <- manager.Run(context.Background(), func(ctx context.Context, shutdown <-chan ShutdownSignal) error {
					received <- <-shutdown
					return nil
				})
			}()

			channel := testutil.RequireReceive(t, notify.registered, testTimeout, "signal registration")
			channel <- test.signal
			if got := testutil.RequireReceive(t, received, testTimeout, "shutdown signal"); got != test.want {
				t.Errorf("shutdown = %v, want %v", got, test.want)
			}
			if err := testutil.RequireReceive(t, result, testTimeout, "Run returning"); err != nil {
				t.Errorf("Run: %v", err)
			}
			testutil.RequireClosed(t, notify.stopped, testTimeout, "signal registration undone")
		})
	}
}

func TestRunReturnsHandlerError(t *testing.T) {
	notify := newFakeNotify()
	want := errors.New("relay failed")
	err := RunHandler(context.Background(), notify.notify, func(context.Context, <-chan ShutdownSignal) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("RunHandler error = %v, want %v", err, want)
	}
}

func TestShutdownContext(t *testing.T) {
	shutdown := make(chan ShutdownSignal, 1)
	ctx, cancel := ShutdownContext(context.Background(), shutdown)
	defer cancel(nil)

	shutdown <- ShutdownTerminate
	testutil.RequireClosed(t, ctx.Done(), testTimeout, "context cancelled by shutdown")
	if cause := context.Cause(ctx); cause == nil || !strings.Contains(cause.Error(), "terminate") {
		t.Errorf("cause = %v", cause)
	}
}

func TestShutdownSignalString(t *testing.T) {
	if got := ShutdownSignal(7).String(); got != "ShutdownSignal(7)" {
		t.Errorf("String() = %q", got)
	}
}
