// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = tcpDialer{}
)

// TCPListener serves the relay's HTTP endpoints on a TCP address.
type TCPListener struct {
	listener net.Listener
	server   *http.Server
}

// NewTCPListener creates a TCP listener on the specified address (e.g.,
// ":7891" or "192.168.1.10:7891"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve starts accepting TCP connections and dispatches to handler.
// Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler http.Handler) error {
	l.server = newHTTPServer(handler)
	return serveHTTP(ctx, l.server, l.listener)
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}

// tcpDialer opens TCP connections. Connection establishment is bounded
// by the context alone.
type tcpDialer struct{}

// DialContext opens a TCP connection to the given address (host:port).
func (tcpDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", address)
}

// newHTTPServer builds the server used by every Listener. Tunnel
// websockets are hijacked out of the server, so the timeouts only bound
// the HTTP exchange that precedes the upgrade.
func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

func serveHTTP(ctx context.Context, server *http.Server, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
