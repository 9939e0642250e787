// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/version"
)

func root() *cli.Command {
	return &cli.Command{
		Name:        "tunnel-relay",
		Summary:     "Carry many connections over one tunnel",
		Description: "tunnel-relay multiplexes local connections over a single websocket\nor stream connection to a relay, which connects each one to a target.",
		Subcommands: []*cli.Command{
			serveCommand(),
			connectCommand(),
			serviceCommand(),
			statusCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Expose the local SSH daemon through a relay",
				Command:     "tunnel-relay serve --target tcp://127.0.0.1:22",
			},
			{
				Description: "Reach it from another machine on local port 2222",
				Command:     "tunnel-relay connect --relay ws://relay.example:7891/tunnel --listen 127.0.0.1:2222",
			},
		},
	}
}

func versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include Go version and platform")
			return flagSet
		},
		Run: func([]string) error {
			if full {
				fmt.Printf("tunnel-relay %s\n", version.Full())
			} else {
				fmt.Printf("tunnel-relay %s\n", version.Info())
			}
			return nil
		},
	}
}
