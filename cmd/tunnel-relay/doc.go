// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tunnel-relay carries many TCP or Unix socket connections over one
// websocket (or length-prefixed stream) connection.
//
// Two roles share the binary:
//
//	tunnel-relay serve    accept tunnels on /tunnel and connect each
//	                      bridge to --target
//	tunnel-relay connect  dial a relay and carry every connection
//	                      accepted on --listen as a bridge
//
// Data path for a typical deployment:
//
//	app → 127.0.0.1:2222 → tunnel-relay connect ═ ws ═ tunnel-relay serve → 127.0.0.1:22
//
// Both roles read the same YAML or JSONC config file (--config or
// $TUNNEL_RELAY_CONFIG). Command-line flags override the file. SIGINT and
// SIGTERM close open tunnels with a "shutting down" close frame.
//
// "service install <role>" writes a systemd user unit that runs
// "service run <role> --config <path>" and starts it; "service logs"
// follows the unit's journal. "status" queries a running relay's
// /healthz endpoint and exits 1 when the relay is not healthy.
package main
