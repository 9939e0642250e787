// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
)

var (
	_ Listener = (*UnixListener)(nil)
	_ Dialer   = unixDialer{}
)

// UnixListener serves the relay's HTTP endpoints on a Unix socket.
type UnixListener struct {
	path     string
	listener net.Listener
	server   *http.Server
}

// NewUnixListener listens on path, replacing a stale socket file left
// by a previous process.
func NewUnixListener(path string) (*UnixListener, error) {
	listener, err := ListenUnix(path)
	if err != nil {
		return nil, err
	}
	return &UnixListener{path: path, listener: listener}, nil
}

// ListenUnix listens on a Unix socket at path, removing a stale socket
// file first.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return listener, nil
}

// Serve starts accepting connections and dispatches to handler. Blocks
// until ctx is cancelled or Close is called.
func (l *UnixListener) Serve(ctx context.Context, handler http.Handler) error {
	l.server = newHTTPServer(handler)
	return serveHTTP(ctx, l.server, l.listener)
}

// Address returns the socket path.
func (l *UnixListener) Address() string { return l.path }

// Close shuts down the listener and removes the socket file.
func (l *UnixListener) Close() error {
	var err error
	if l.server != nil {
		err = l.server.Close()
	} else {
		err = l.listener.Close()
	}
	os.Remove(l.path)
	return err
}

// unixDialer opens Unix socket connections.
type unixDialer struct{}

// DialContext connects to the socket at address (a filesystem path).
func (unixDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}
