// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "TUNNEL_RELAY_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for long-running relays.
	Production Environment = "production"
)

// Config is the tunnel relay configuration.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Server configures "tunnel-relay serve".
	Server ServerConfig `yaml:"server"`

	// Client configures "tunnel-relay connect".
	Client ClientConfig `yaml:"client"`

	// Tunnel configures every tunnel connection, in either role.
	Tunnel TunnelConfig `yaml:"tunnel"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// Service configures the background service registration.
	Service ServiceConfig `yaml:"service"`

	// Production contains overrides applied when Environment is
	// production.
	Production *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Tunnel *TunnelConfig `yaml:"tunnel,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is where the service unit file and runtime state live.
	// Default: ${HOME}/.local/state/tunnel-relay
	State string `yaml:"state"`
}

// ServerConfig configures the relay side.
type ServerConfig struct {
	// Listen is the HTTP listen target: "tcp://host:port" or
	// "unix:///path". Default: tcp://127.0.0.1:7891
	Listen string `yaml:"listen"`

	// FramedListen optionally accepts length-prefixed tunnels on a
	// second target in the same forms as Listen.
	FramedListen string `yaml:"framed_listen"`

	// Target is where bridges connect on the relay's side.
	Target string `yaml:"target"`

	// Compression is the default mode for clients that do not choose
	// one: "none" or "deflate".
	Compression string `yaml:"compression"`
}

// ClientConfig configures the connecting side.
type ClientConfig struct {
	// RelayURL is the relay's tunnel websocket, e.g.
	// ws://relay.example:7891/tunnel.
	RelayURL string `yaml:"relay_url"`

	// Via optionally reaches the relay through a stream target
	// instead of RelayURL's host.
	Via string `yaml:"via"`

	// Listen is where local clients connect. Default: 127.0.0.1:8642
	Listen string `yaml:"listen"`

	// Compression is requested from the relay: "none" or "deflate".
	Compression string `yaml:"compression"`
}

// TunnelConfig bounds a tunnel connection's resources. Zero values
// select the tunnel package defaults.
type TunnelConfig struct {
	// MaxMessageSize bounds frames and compression scratch buffers.
	MaxMessageSize int `yaml:"max_message_size"`

	// SignalCapacity is the outbound signal queue length.
	SignalCapacity int `yaml:"signal_capacity"`

	// BridgeQueueCapacity is each bridge's inbound queue length.
	BridgeQueueCapacity int `yaml:"bridge_queue_capacity"`

	// ChunkSize is the read size for local connections.
	ChunkSize int `yaml:"chunk_size"`
}

// defaultMaxMessageSize and maxChunkSize mirror the tunnel package's
// DefaultMaxMessageSize and MaxChunkSize.
const defaultMaxMessageSize = 16 << 20

func maxChunkSize(maxMessageSize int) int {
	return maxMessageSize - 128 - maxMessageSize/1024
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is one of auto, text, json. auto picks text on a
	// terminal and JSON otherwise. Default: auto
	Format string `yaml:"format"`
}

// ServiceConfig configures the systemd user unit.
type ServiceConfig struct {
	// Name is the unit name without the ".service" suffix.
	// Default: tunnel-relay
	Name string `yaml:"name"`

	// Description is the unit's Description.
	Description string `yaml:"description"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State: filepath.Join(homeDir, ".local", "state", "tunnel-relay"),
		},
		Server: ServerConfig{
			Listen:      "tcp://127.0.0.1:7891",
			Compression: "deflate",
		},
		Client: ClientConfig{
			Listen:      "127.0.0.1:8642",
			Compression: "deflate",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Service: ServiceConfig{
			Name:        "tunnel-relay",
			Description: "Tunnel relay",
		},
	}
}

// Load loads configuration from the TUNNEL_RELAY_CONFIG environment
// variable. There are no fallbacks: if it is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc may carry comments and trailing commas.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${HOME}-style path variables in Paths.State and socket targets.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the production overrides.
func (c *Config) applyEnvironmentOverrides() {
	if c.Environment != Production {
		return
	}
	overrides := c.Production
	if overrides == nil {
		// Production defaults: machine-readable logs.
		overrides = &ConfigOverrides{Log: &LogConfig{Format: "json"}}
	}

	if overrides.Tunnel != nil {
		if overrides.Tunnel.MaxMessageSize != 0 {
			c.Tunnel.MaxMessageSize = overrides.Tunnel.MaxMessageSize
		}
		if overrides.Tunnel.SignalCapacity != 0 {
			c.Tunnel.SignalCapacity = overrides.Tunnel.SignalCapacity
		}
		if overrides.Tunnel.BridgeQueueCapacity != 0 {
			c.Tunnel.BridgeQueueCapacity = overrides.Tunnel.BridgeQueueCapacity
		}
		if overrides.Tunnel.ChunkSize != 0 {
			c.Tunnel.ChunkSize = overrides.Tunnel.ChunkSize
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["TUNNEL_RELAY_STATE"] = c.Paths.State

	c.Server.Listen = expandVars(c.Server.Listen, vars)
	c.Server.FramedListen = expandVars(c.Server.FramedListen, vars)
	c.Server.Target = expandVars(c.Server.Target, vars)
	c.Client.Via = expandVars(c.Client.Via, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Role-specific fields
// (Server.Target, Client.RelayURL) are checked by ValidateServer and
// ValidateClient.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	compressionValues := []string{"", "none", "deflate"}
	if !contains(compressionValues, strings.ToLower(c.Server.Compression)) {
		errs = append(errs, fmt.Errorf("server.compression must be one of: none, deflate"))
	}
	if !contains(compressionValues, strings.ToLower(c.Client.Compression)) {
		errs = append(errs, fmt.Errorf("client.compression must be one of: none, deflate"))
	}

	if c.Tunnel.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("tunnel.max_message_size must not be negative"))
	} else if c.Tunnel.MaxMessageSize != 0 && c.Tunnel.MaxMessageSize < 4096 {
		errs = append(errs, fmt.Errorf("tunnel.max_message_size must be at least 4096"))
	}
	if c.Tunnel.SignalCapacity < 0 {
		errs = append(errs, fmt.Errorf("tunnel.signal_capacity must not be negative"))
	}
	if c.Tunnel.BridgeQueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("tunnel.bridge_queue_capacity must not be negative"))
	}
	if c.Tunnel.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("tunnel.chunk_size must not be negative"))
	} else if c.Tunnel.ChunkSize > 0 && c.Tunnel.MaxMessageSize >= 0 {
		maxMessageSize := c.Tunnel.MaxMessageSize
		if maxMessageSize == 0 {
			maxMessageSize = defaultMaxMessageSize
		}
		if limit := maxChunkSize(maxMessageSize); c.Tunnel.ChunkSize > limit {
			errs = append(errs, fmt.Errorf("tunnel.chunk_size %d does not fit in a %d-byte message with its envelope (at most %d)",
				c.Tunnel.ChunkSize, maxMessageSize, limit))
		}
	}

	if !contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}
	if !contains([]string{"auto", "text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: auto, text, json"))
	}

	if c.Service.Name == "" {
		errs = append(errs, fmt.Errorf("service.name is required"))
	} else if strings.ContainsAny(c.Service.Name, "/ ") {
		errs = append(errs, fmt.Errorf("service.name must not contain '/' or spaces"))
	}

	return errors.Join(errs...)
}

// ValidateServer checks the fields "tunnel-relay serve" needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}
	if c.Server.Target == "" {
		errs = append(errs, fmt.Errorf("server.target is required"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks the fields "tunnel-relay connect" needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.RelayURL == "" {
		errs = append(errs, fmt.Errorf("client.relay_url is required"))
	} else if parsed, err := url.Parse(c.Client.RelayURL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("client.relay_url must be a ws:// or wss:// URL"))
	}
	if c.Client.Listen == "" {
		errs = append(errs, fmt.Errorf("client.listen is required"))
	}
	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	if c.Paths.State == "" {
		return nil
	}
	if err := os.MkdirAll(c.Paths.State, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.State, err)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
