// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/config"
	"github.com/bureau-foundation/tunnelrelay/lib/lifecycle"
	"github.com/bureau-foundation/tunnelrelay/lib/version"
	"github.com/bureau-foundation/tunnelrelay/relay"
	"github.com/bureau-foundation/tunnelrelay/transport"
)

type serveOptions struct {
	global       globalOptions
	tunnel       tunnelOptions
	listen       string
	framedListen string
	target       string
	compression  string
}

func serveCommand() *cli.Command {
	var options serveOptions
	return &cli.Command{
		Name:    "serve",
		Summary: "Run the relay server",
		Description: "Serve the tunnel websocket endpoint. Every bridge a client opens is\n" +
			"connected to --target. Metrics are served on /metrics and health on\n/healthz.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			options.register(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Relay to a local web server, listening on a Unix socket",
				Command:     "tunnel-relay serve --listen unix:///run/relay.sock --target tcp://127.0.0.1:8080",
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
				return runServer(ctx, cfg, logger)
			})
		},
	}
}

func (o *serveOptions) register(flagSet *pflag.FlagSet) {
	o.global.register(flagSet)
	o.tunnel.register(flagSet)
	flagSet.StringVar(&o.listen, "listen", "", "HTTP listen target, tcp://host:port or unix:///path")
	flagSet.StringVar(&o.framedListen, "framed-listen", "", "optional listen target for length-prefixed tunnels")
	flagSet.StringVar(&o.target, "target", "", "where bridges connect, tcp://host:port or unix:///path")
	flagSet.StringVar(&o.compression, "compression", "", "default compression: none or deflate")
}

// resolve loads the config and applies the flags that were set.
func (o *serveOptions) resolve() (*config.Config, error) {
	cfg, err := o.global.load()
	if err != nil {
		return nil, err
	}
	if o.global.changed("listen") {
		cfg.Server.Listen = o.listen
	}
	if o.global.changed("framed-listen") {
		cfg.Server.FramedListen = o.framedListen
	}
	if o.global.changed("target") {
		cfg.Server.Target = o.target
	}
	if o.global.changed("compression") {
		cfg.Server.Compression = o.compression
	}
	o.tunnel.apply(&o.global, cfg)
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// relayListeners are the sockets a relay serves on.
type relayListeners struct {
	http   transport.Listener
	framed net.Listener
}

func (l *relayListeners) Close() {
	l.http.Close()
	if l.framed != nil {
		l.framed.Close()
	}
}

// listenServer binds the configured listen targets.
func listenServer(cfg *config.Config) (*relayListeners, error) {
	listener, err := transport.NewListener(cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	listeners := &relayListeners{http: listener}
	if cfg.Server.FramedListen != "" {
		listeners.framed, err = transport.ListenTarget(cfg.Server.FramedListen)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("listening on %s: %w", cfg.Server.FramedListen, err)
		}
	}
	return listeners, nil
}

// runServer serves until ctx is cancelled or a listener fails.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	listeners, err := listenServer(cfg)
	if err != nil {
		return err
	}
	return serveRelay(ctx, cfg, logger, listeners)
}

// serveRelay runs the relay on listeners and closes them when it stops.
func serveRelay(parent context.Context, cfg *config.Config, logger *slog.Logger, listeners *relayListeners) error {
	defer listeners.Close()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	mode, err := parseCompression(cfg.Server.Compression)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server, err := relay.NewServer(relay.Config{
		Target:              cfg.Server.Target,
		Compression:         mode,
		MaxMessageSize:      cfg.Tunnel.MaxMessageSize,
		SignalCapacity:      cfg.Tunnel.SignalCapacity,
		BridgeQueueCapacity: cfg.Tunnel.BridgeQueueCapacity,
		ChunkSize:           cfg.Tunnel.ChunkSize,
		Version:             version.Info(),
		Registry:            registry,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	framedDone := make(chan error, 1)
	if listeners.framed != nil {
		go func() { framedDone <- server.ServeFramed(ctx, listeners.framed) }()
	} else {
		framedDone <- nil
	}

	serveErr := server.Serve(ctx, listeners.http)
	cancel()
	if err := <-framedDone; err != nil && serveErr == nil {
		serveErr = err
	}
	if cause := context.Cause(parent); cause != nil {
		logger.Info("relay stopped", "cause", cause)
	}
	return serveErr
}
