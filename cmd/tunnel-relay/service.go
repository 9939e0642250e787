// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tunnelrelay/cmd/tunnel-relay/cli"
	"github.com/bureau-foundation/tunnelrelay/lib/config"
	"github.com/bureau-foundation/tunnelrelay/lib/lifecycle"
)

func serviceCommand() *cli.Command {
	return &cli.Command{
		Name:    "service",
		Summary: "Manage the background service",
		Description: "Install tunnel-relay as a systemd user service, remove it, or follow\n" +
			"its logs. The unit file is kept in the state directory and linked\ninto systemd.",
		Subcommands: []*cli.Command{
			serviceInstallCommand(),
			serviceUninstallCommand(),
			serviceLogsCommand(),
			serviceRunCommand(),
		},
	}
}

func serviceInstallCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "install",
		Summary: "Register and start the service",
		Usage:   "tunnel-relay service install <serve|connect> --config <path>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("install", pflag.ContinueOnError)
			global.register(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Run the relay server at login",
				Command:     "tunnel-relay service install serve --config ~/.config/tunnel-relay.yaml",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("install takes one role, serve or connect")
			}
			role := args[0]
			configPath, err := global.resolvedConfigPath()
			if err != nil {
				return err
			}
			if configPath == "" {
				return fmt.Errorf("install needs --config or $%s so the service starts with the same settings", config.EnvironmentVariable)
			}
			unitArgs, err := serviceArgs(role, configPath)
			if err != nil {
				return err
			}

			cfg, err := global.load()
			if err != nil {
				return err
			}
			if role == "serve" {
				err = cfg.ValidateServer()
			} else {
				err = cfg.ValidateClient()
			}
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locating executable: %w", err)
			}
			if resolved, err := filepath.EvalSymlinks(executable); err == nil {
				executable = resolved
			}

			manager := newServiceManager(cfg, logger)
			if err := manager.Register(context.Background(), executable, unitArgs); err != nil {
				return err
			}
			fmt.Printf("installed %s (%s)\n", manager.UnitName(), manager.UnitPath())
			return nil
		},
	}
}

// serviceArgs returns the arguments the unit passes to the executable.
func serviceArgs(role, configPath string) ([]string, error) {
	switch role {
	case "serve", "connect":
	default:
		return nil, fmt.Errorf("unknown role %q (expected serve or connect)", role)
	}
	if !filepath.IsAbs(configPath) {
		return nil, fmt.Errorf("config path %q is not absolute", configPath)
	}
	return []string{"service", "run", role, "--config", configPath}, nil
}

func serviceUninstallCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "uninstall",
		Summary: "Stop and remove the service",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("uninstall", pflag.ContinueOnError)
			global.register(flagSet)
			return flagSet
		},
		Run: func([]string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			manager := newServiceManager(cfg, logger)
			if err := manager.Unregister(context.Background()); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", manager.UnitName())
			return nil
		},
	}
}

func serviceLogsCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "logs",
		Summary: "Show service status and follow its logs",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("logs", pflag.ContinueOnError)
			global.register(flagSet)
			return flagSet
		},
		Run: func([]string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			manager := newServiceManager(cfg, logger)
			// journalctl -f runs until interrupted; an interrupt is the
			// normal way out.
			return manager.Run(context.Background(), func(ctx context.Context, shutdown <-chan lifecycle.ShutdownSignal) error {
				ctx, cancel := lifecycle.ShutdownContext(ctx, shutdown)
				defer cancel(nil)
				err := manager.ShowLogs(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
}

// serviceRunCommand is what the installed unit executes.
func serviceRunCommand() *cli.Command {
	return &cli.Command{
		Name:        "run",
		Summary:     "Run a role in the foreground, as the service does",
		Subcommands: []*cli.Command{serveCommand(), connectCommand()},
	}
}
