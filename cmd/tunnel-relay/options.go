// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/config"
	"github.com/bureau-foundation/tunnelrelay/lib/lifecycle"
	"github.com/bureau-foundation/tunnelrelay/tunnel"
)

// globalOptions are the flags every long-running command accepts.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	flagSet *pflag.FlagSet
}

func (o *globalOptions) register(flagSet *pflag.FlagSet) {
	o.flagSet = flagSet
	flagSet.StringVarP(&o.configPath, "config", "c", "", "config file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&o.logFormat, "log-format", "", "log format: auto, text, json")
}

// changed reports whether name was set on the command line.
func (o *globalOptions) changed(name string) bool {
	return o.flagSet != nil && o.flagSet.Changed(name)
}

// resolvedConfigPath returns the absolute config path from --config or
// the environment, or "" when neither is set.
func (o *globalOptions) resolvedConfigPath() (string, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path == "" {
		return "", nil
	}
	return filepath.Abs(path)
}

// load reads the config file when one is named, otherwise starts from
// the defaults, then applies the logging flags.
func (o *globalOptions) load() (*config.Config, error) {
	path, err := o.resolvedConfigPath()
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return cli.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// tunnelOptions are the resource flags shared by serve and connect.
type tunnelOptions struct {
	maxMessageSize int
	signalCapacity int
}

func (t *tunnelOptions) register(flagSet *pflag.FlagSet) {
	flagSet.IntVar(&t.maxMessageSize, "max-message-size", 0, "largest frame or decompressed message in bytes (default 16 MiB)")
	flagSet.IntVar(&t.signalCapacity, "signal-capacity", 0, "outbound signal queue length (default 64)")
}

func (t *tunnelOptions) apply(global *globalOptions, cfg *config.Config) {
	if global.changed("max-message-size") {
		cfg.Tunnel.MaxMessageSize = t.maxMessageSize
	}
	if global.changed("signal-capacity") {
		cfg.Tunnel.SignalCapacity = t.signalCapacity
	}
}

func newServiceManager(cfg *config.Config, logger *slog.Logger) *lifecycle.Systemd {
	return &lifecycle.Systemd{
		Name:           cfg.Service.Name,
		Description:    cfg.Service.Description,
		StateDirectory: cfg.Paths.State,
		Logger:         logger,
	}
}

func parseCompression(value string) (tunnel.CompressionMode, error) {
	mode, err := tunnel.ParseCompressionMode(value)
	if err != nil {
		return 0, fmt.Errorf("compression: %w", err)
	}
	return mode, nil
}
