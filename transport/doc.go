// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries tunnel traffic between a relay client and
// a relay server, and reaches the local targets behind bridges.
//
// Two interfaces describe the stream side. A [Listener] serves the
// relay's HTTP endpoints (Serve, Address, Close) and a [Dialer] opens
// outbound stream connections (DialContext). [TCPListener] and
// [UnixListener] implement Listener. [ParseTarget] turns a "tcp://" or
// "unix://" target into the matching Dialer, and [TargetDialFunc] binds
// the address as well.
//
// Two message transports carry a tunnel connection's frames:
//
//   - [WebSocket] sends each frame as one binary websocket message. The
//     server accepts it with [AcceptWebSocket]; the client dials it with
//     [DialWebSocket], optionally through any Dialer so a relay can be
//     reached over a Unix socket.
//   - [Framed] prefixes each frame with a 4-byte big-endian length on a
//     raw stream connection.
//
// Both enforce a maximum frame size in each direction and satisfy the
// message transport interface consumed by the tunnel package.
package transport
