// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the tunnel relay.
//
// Configuration is loaded from a single file specified by either the
// TUNNEL_RELAY_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files are YAML; a ".json" or ".jsonc" file is first
// normalized from JSON with comments.
//
// A production environment applies the optional "production" override
// section, defaulting to JSON logs.
//
// Variable expansion is performed on path and socket fields after
// loading: ${HOME}, ${TUNNEL_RELAY_STATE}, and ${VAR:-default} patterns
// are expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Server, Client, Tunnel, Log, Service
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate], [Config.ValidateServer], [Config.ValidateClient]
//
// This package depends on no other packages of this module.
package config
