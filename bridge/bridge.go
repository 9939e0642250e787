// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/bureau-foundation/tunnelrelay/tunnel"
	"github.com/bureau-foundation/tunnelrelay/transport"
)

// Opener carries an accepted local connection over a tunnel.
// *tunnel.Connection implements it.
type Opener interface {
	OpenBridge(local net.Conn) (tunnel.BridgeID, error)
}

// Bridge accepts local connections and opens a tunnel bridge for each.
type Bridge struct {
	// ListenAddr is where local clients connect: "tcp://127.0.0.1:8642"
	// or "unix:///run/app.sock". A bare "host:port" is treated as TCP.
	ListenAddr string

	// Tunnel receives every accepted connection.
	Tunnel Opener

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events are logged at Debug level; errors and
	// lifecycle events at Info/Error.
	Logger *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	accepted atomic.Int64
	refused  atomic.Int64
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Start binds the listener and begins accepting in a background
// goroutine. It returns once the listener is bound, or an error if
// binding fails. The bridge runs until Stop is called or ctx is
// cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.ListenAddr == "" {
		return fmt.Errorf("bridge: ListenAddr is required")
	}
	if b.Tunnel == nil {
		return fmt.Errorf("bridge: Tunnel is required")
	}

	target := b.ListenAddr
	if _, _, err := transport.ParseTarget(target); err != nil {
		target = "tcp://" + target
	}
	listener, err := transport.ListenTarget(target)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", b.ListenAddr, err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("bridge started", "listen_addr", listener.Addr())
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil if the bridge has not been started.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Accepted reports how many local connections were handed to the
// tunnel.
func (b *Bridge) Accepted() int64 { return b.accepted.Load() }

// Refused reports how many local connections the tunnel refused.
func (b *Bridge) Refused() int64 { return b.refused.Load() }

// Stop closes the listener and waits for the accept loop to exit.
// Bridges already opened belong to the tunnel and are not affected.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the bridge has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop hands each accepted connection to the tunnel. It stops
// when ctx is cancelled, or when the tunnel connection is closed since
// no further bridge can be opened on it.
func (b *Bridge) acceptLoop(ctx context.Context) {
	for {
		connection, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		id, err := b.Tunnel.OpenBridge(connection)
		if err != nil {
			b.refused.Add(1)
			connection.Close()
			if errors.Is(err, tunnel.ErrConnectionClosed) {
				b.logger().Info("tunnel closed, bridge stopping")
				b.listener.Close()
				return
			}
			b.logger().Warn("tunnel refused connection",
				"remote_addr", connection.RemoteAddr(),
				"error", err,
			)
			continue
		}
		b.accepted.Add(1)
		b.logger().Debug("connection accepted",
			"bridge", id,
			"remote_addr", connection.RemoteAddr(),
		)
	}
}
