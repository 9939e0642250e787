// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/config"
	"github.com/bureau-foundation/tunnelrelay/lib/testutil"
	"github.com/bureau-foundation/tunnelrelay/relay"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunnel-relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func parseFlags(t *testing.T, register func(*pflag.FlagSet), args ...string) {
	t.Helper()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
}

func TestServeResolveFlagsOverrideConfig(t *testing.T) {
	t.Setenv(config.EnvironmentVariable, "")
	path := writeConfig(t, `
server:
  listen: tcp://127.0.0.1:7000
  target: tcp://127.0.0.1:22
  compression: none
tunnel:
  signal_capacity: 8
`)

	var options serveOptions
	parseFlags(t, options.register,
		"--config", path,
		"--target", "unix:///run/app.sock",
		"--max-message-size", "65536",
		"--log-level", "debug",
	)
	cfg, err := options.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if cfg.Server.Listen != "tcp://127.0.0.1:7000" {
		t.Errorf("listen = %q, want the config file's value", cfg.Server.Listen)
	}
	if cfg.Server.Target != "unix:///run/app.sock" {
		t.Errorf("target = %q, want the flag's value", cfg.Server.Target)
	}
	if cfg.Server.Compression != "none" {
		t.Errorf("compression = %q, want none", cfg.Server.Compression)
	}
	if cfg.Tunnel.MaxMessageSize != 65536 {
		t.Errorf("max message size = %d, want 65536", cfg.Tunnel.MaxMessageSize)
	}
	if cfg.Tunnel.SignalCapacity != 8 {
		t.Errorf("signal capacity = %d, want 8 (unset flags keep the file's value)", cfg.Tunnel.SignalCapacity)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestServeResolveRequiresTarget(t *testing.T) {
	t.Setenv(config.EnvironmentVariable, "")

	var options serveOptions
	parseFlags(t, options.register)
	_, err := options.resolve()
	if err == nil || !strings.Contains(err.Error(), "server.target is required") {
		t.Errorf("resolve error = %v, want missing target", err)
	}
}

func TestServeResolveConfigFromEnvironment(t *testing.T) {
	path := writeConfig(t, "server:\n  target: tcp://127.0.0.1:80\n")
	t.Setenv(config.EnvironmentVariable, path)

	var options serveOptions
	parseFlags(t, options.register)
	cfg, err := options.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Server.Target != "tcp://127.0.0.1:80" {
		t.Errorf("target = %q", cfg.Server.Target)
	}
}

func TestConnectResolve(t *testing.T) {
	t.Setenv(config.EnvironmentVariable, "")

	var options connectOptions
	parseFlags(t, options.register,
		"--relay", "wss://relay.example/tunnel",
		"--via", "unix:///run/relay.sock",
		"--listen", "127.0.0.1:2222",
		"--compression", "none",
	)
	cfg, err := options.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Client.RelayURL != "wss://relay.example/tunnel" || cfg.Client.Via != "unix:///run/relay.sock" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Client.Listen != "127.0.0.1:2222" || cfg.Client.Compression != "none" {
		t.Errorf("client = %+v", cfg.Client)
	}

	var bad connectOptions
	parseFlags(t, bad.register, "--relay", "http://relay.example/tunnel")
	if _, err := bad.resolve(); err == nil || !strings.Contains(err.Error(), "ws:// or wss://") {
		t.Errorf("resolve error = %v, want relay URL scheme error", err)
	}
}

func TestServiceArgs(t *testing.T) {
	t.Parallel()

	args, err := serviceArgs("connect", "/etc/tunnel-relay.yaml")
	if err != nil {
		t.Fatalf("serviceArgs: %v", err)
	}
	want := []string{"service", "run", "connect", "--config", "/etc/tunnel-relay.yaml"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", args, want)
	}

	if _, err := serviceArgs("proxy", "/etc/tunnel-relay.yaml"); err == nil {
		t.Error("serviceArgs accepted an unknown role")
	}
	if _, err := serviceArgs("serve", "relative.yaml"); err == nil {
		t.Error("serviceArgs accepted a relative config path")
	}
}

func TestServiceRunDispatchesRoles(t *testing.T) {
	t.Parallel()

	command := serviceRunCommand()
	var names []string
	for _, sub := range command.Subcommands {
		names = append(names, sub.Name)
	}
	if strings.Join(names, ",") != "serve,connect" {
		t.Errorf("service run subcommands = %v, want serve and connect", names)
	}
}

func startHealthServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return "tcp://" + server.Listener.Addr().String()
}

func TestPrintStatusHealthy(t *testing.T) {
	t.Parallel()

	server, err := relay.NewServer(relay.Config{
		Target:  "tcp://127.0.0.1:9",
		Version: "1.2.3",
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Shutdown)
	address := startHealthServer(t, server.Handler())

	var output bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := printStatus(ctx, address, &output); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	for _, want := range []string{"status:       ok", "version:      1.2.3", "connections:  0"} {
		if !strings.Contains(output.String(), want) {
			t.Errorf("output missing %q:\n%s", want, output.String())
		}
	}
}

func TestPrintStatusUnhealthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "error status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "draining", http.StatusServiceUnavailable)
			},
			want: "unhealthy: relay returned 503",
		},
		{
			name: "degraded document",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"status":"degraded","connections":3,"uptime_seconds":61.5}`)
			},
			want: "status:       degraded",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			address := startHealthServer(t, test.handler)

			var output bytes.Buffer
			err := printStatus(context.Background(), address, &output)
			var exitErr *cli.ExitError
			if !errors.As(err, &exitErr) || exitErr.Code != 1 {
				t.Fatalf("printStatus error = %v, want exit code 1", err)
			}
			if !strings.Contains(output.String(), test.want) {
				t.Errorf("output missing %q:\n%s", test.want, output.String())
			}
		})
	}
}

func TestPrintStatusUnreachable(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := "tcp://" + listener.Addr().String()
	listener.Close()

	var output bytes.Buffer
	err = printStatus(context.Background(), address, &output)
	if err == nil {
		t.Fatal("printStatus succeeded against a closed port")
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("unreachable relay returned %v, want an ordinary error", err)
	}
	if output.Len() != 0 {
		t.Errorf("unexpected output %q", output.String())
	}
}

func TestServeRelayOverUnixSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(testutil.SocketDir(t), "relay.sock")
	cfg := config.Default()
	cfg.Server.Listen = "unix://" + socketPath
	cfg.Server.Target = "tcp://127.0.0.1:9"

	listeners, err := listenServer(cfg)
	if err != nil {
		t.Fatalf("listenServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serveRelay(ctx, cfg, slog.New(slog.DiscardHandler), listeners) }()

	// The socket is bound before serving starts, so the first request
	// waits in the accept queue rather than failing.
	var output bytes.Buffer
	requestCtx, requestCancel := context.WithTimeout(ctx, 5*time.Second)
	defer requestCancel()
	if err := printStatus(requestCtx, cfg.Server.Listen, &output); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	if !strings.Contains(output.String(), "status:       ok") {
		t.Errorf("output = %q", output.String())
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "serveRelay returning"); err != nil {
		t.Errorf("serveRelay: %v", err)
	}
}
