// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge is the client end of a tunnel: it accepts local
// connections and carries each one over a tunnel connection as its own
// bridge.
//
// [Bridge] is the single type. Start binds the listener (TCP or Unix)
// and begins accepting in a background goroutine. Every accepted
// connection is passed to [Opener.OpenBridge], after which the tunnel
// owns it. A refused connection is closed at once; when the tunnel
// itself has closed the bridge stops listening. Stop closes the
// listener and Wait blocks until the accept loop has exited. Addr
// returns the bound address, which may use an ephemeral port if port 0
// was requested.
package bridge
