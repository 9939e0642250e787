// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/config"
	"github.com/bureau-foundation/tunnelrelay/lib/lifecycle"
	"github.com/bureau-foundation/tunnelrelay/relay"
)

type connectOptions struct {
	global      globalOptions
	tunnel      tunnelOptions
	relayURL    string
	via         string
	listen      string
	compression string
}

func connectCommand() *cli.Command {
	var options connectOptions
	return &cli.Command{
		Name:    "connect",
		Summary: "Connect to a relay and accept local connections",
		Description: "Open a tunnel to a relay and carry every connection accepted on\n" +
			"--listen over it as a separate bridge.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
			options.register(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Reach a relay behind a Unix socket",
				Command:     "tunnel-relay connect --relay ws://relay/tunnel --via unix:///run/relay.sock --listen 127.0.0.1:2222",
			},
		},
		Run: func([]string) error {
			cfg, err := options.resolve()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return newServiceManager(cfg, logger).Run(context.Background(), func(ctx context.Context, shutdown <-chan lifecycle.ShutdownSignal) error {
				ctx, cancel := lifecycle.ShutdownContext(ctx, shutdown)
				defer cancel(nil)
				return runClient(ctx, cfg, logger)
			})
		},
	}
}

func (o *connectOptions) register(flagSet *pflag.FlagSet) {
	o.global.register(flagSet)
	o.tunnel.register(flagSet)
	flagSet.StringVar(&o.relayURL, "relay", "", "relay tunnel URL, ws://host:port/tunnel")
	flagSet.StringVar(&o.via, "via", "", "reach the relay through tcp://host:port or unix:///path instead of the URL host")
	flagSet.StringVar(&o.listen, "listen", "", "local listen address, host:port or unix:///path")
	flagSet.StringVar(&o.compression, "compression", "", "compression to request: none or deflate")
}

func (o *connectOptions) resolve() (*config.Config, error) {
	cfg, err := o.global.load()
	if err != nil {
		return nil, err
	}
	if o.global.changed("relay") {
		cfg.Client.RelayURL = o.relayURL
	}
	if o.global.changed("via") {
		cfg.Client.Via = o.via
	}
	if o.global.changed("listen") {
		cfg.Client.Listen = o.listen
	}
	if o.global.changed("compression") {
		cfg.Client.Compression = o.compression
	}
	o.tunnel.apply(&o.global, cfg)
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runClient carries bridges until ctx is cancelled or the relay closes
// the tunnel.
func runClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mode, err := parseCompression(cfg.Client.Compression)
	if err != nil {
		return err
	}
	client, err := relay.Dial(ctx, relay.ClientConfig{
		URL:                 cfg.Client.RelayURL,
		Via:                 cfg.Client.Via,
		Listen:              cfg.Client.Listen,
		Compression:         mode,
		MaxMessageSize:      cfg.Tunnel.MaxMessageSize,
		SignalCapacity:      cfg.Tunnel.SignalCapacity,
		BridgeQueueCapacity: cfg.Tunnel.BridgeQueueCapacity,
		ChunkSize:           cfg.Tunnel.ChunkSize,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	logger.Info("accepting local connections", "listen", client.Addr())
	return client.Run(ctx)
}
