// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Listener accepts inbound HTTP connections for the relay's endpoints
// (the tunnel websocket upgrade, metrics, health).
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns the address clients connect to. The format is
	// transport-specific ("127.0.0.1:7891" for TCP, a socket path for
	// Unix).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens stream connections: to a relay when connecting a tunnel,
// or to a bridge's local target on the relay side.
type Dialer interface {
	// DialContext opens a network connection to address. The address
	// format matches what the corresponding Listener.Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// ParseTarget splits a target URL into a Dialer and the address to pass
// it. Supported forms are "tcp://host:port" and "unix:///path/to.sock".
func ParseTarget(target string) (Dialer, string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, "", fmt.Errorf("parsing target %q: %w", target, err)
	}
	switch parsed.Scheme {
	case "tcp":
		if parsed.Host == "" {
			return nil, "", fmt.Errorf("target %q: missing host:port", target)
		}
		return tcpDialer{}, parsed.Host, nil
	case "unix":
		if parsed.Path == "" {
			return nil, "", fmt.Errorf("target %q: missing socket path", target)
		}
		return unixDialer{}, parsed.Path, nil
	default:
		return nil, "", fmt.Errorf("target %q: unsupported scheme %q (valid: tcp, unix)", target, parsed.Scheme)
	}
}

// TargetDialFunc returns a function that dials target on every call, in
// the shape a server-role tunnel connection uses to reach the local
// service behind its bridges.
func TargetDialFunc(target string) (func(ctx context.Context) (net.Conn, error), error) {
	dialer, address, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, address)
	}, nil
}

// ListenTarget listens on a target in the forms ParseTarget accepts. A
// Unix target replaces a stale socket file.
func ListenTarget(target string) (net.Listener, error) {
	_, address, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(target, "unix:") {
		return ListenUnix(address)
	}
	return net.Listen("tcp", address)
}

// NewListener returns the HTTP Listener for a target in the forms
// ParseTarget accepts.
func NewListener(target string) (Listener, error) {
	_, address, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(target, "unix:") {
		return NewUnixListener(address)
	}
	return NewTCPListener(address)
}
