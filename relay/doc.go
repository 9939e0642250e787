// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay wires tunnel connections to their transports.
//
// [Server] is the relay side. Its chi router serves the tunnel
// websocket on [TunnelPath], where the "compress" query selects the
// connection's compression mode, Prometheus metrics on [MetricsPath],
// and a JSON [Health] document on [HealthPath]. Every tunnel runs in
// the server role: a bridge id the client has not used before opens a
// new connection to the configured target. [Server.ServeFramed] accepts
// length-prefixed tunnels on a raw stream listener instead.
//
// [Client] is the connecting side: [Dial] opens the websocket, creates
// a client-role connection and binds a [bridge.Bridge] so every local
// connection becomes a bridge.
package relay
