// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/netutil"
	"github.com/bureau-foundation/tunnelrelay/relay"
	"github.com/bureau-foundation/tunnelrelay/transport"
)

func statusCommand() *cli.Command {
	var (
		global  globalOptions
		address string
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "status",
		Summary: "Query a relay's health endpoint",
		Description: "Fetch /healthz from a running relay and print it. Exits 1 when the\n" +
			"relay does not report ok.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.StringVar(&address, "address", "", "relay listen target (default from config server.listen)")
			flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
			return flagSet
		},
		Run: func([]string) error {
			if address == "" {
				cfg, err := global.load()
				if err != nil {
					return err
				}
				address = cfg.Server.Listen
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return printStatus(ctx, address, os.Stdout)
		},
	}
}

// fetchHealth requests the health document from the relay listening on
// target, which is a tcp:// or unix:// listen target.
func fetchHealth(ctx context.Context, target string) (relay.Health, int, error) {
	dial, err := transport.TargetDialFunc(target)
	if err != nil {
		return relay.Health{}, 0, err
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx)
			},
		},
	}
	defer client.CloseIdleConnections()

	// The host is ignored by the dialer; the listen target decides where
	// the request goes.
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://relay"+relay.HealthPath, nil)
	if err != nil {
		return relay.Health{}, 0, err
	}
	response, err := client.Do(request)
	if err != nil {
		return relay.Health{}, 0, fmt.Errorf("querying %s: %w", target, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return relay.Health{}, response.StatusCode, fmt.Errorf("relay returned %s: %s",
			response.Status, netutil.ErrorBody(response.Body))
	}
	var health relay.Health
	if err := netutil.DecodeResponse(response.Body, &health); err != nil {
		return relay.Health{}, response.StatusCode, fmt.Errorf("decoding health: %w", err)
	}
	return health, response.StatusCode, nil
}

// printStatus writes the relay's health to w. An unreachable relay is
// an ordinary error; a relay that answers but is not ok exits 1.
func printStatus(ctx context.Context, target string, w io.Writer) error {
	health, code, err := fetchHealth(ctx, target)
	if err != nil {
		if code == 0 {
			return err
		}
		fmt.Fprintf(w, "unhealthy: %v\n", err)
		return &cli.ExitError{Code: 1}
	}

	fmt.Fprintf(w, "status:       %s\n", health.Status)
	if health.Version != "" {
		fmt.Fprintf(w, "version:      %s\n", health.Version)
	}
	fmt.Fprintf(w, "connections:  %d\n", health.Connections)
	fmt.Fprintf(w, "uptime:       %s\n", time.Duration(health.UptimeSeconds*float64(time.Second)).Round(time.Second))
	if health.Status != "ok" {
		return &cli.ExitError{Code: 1}
	}
	return nil
}
