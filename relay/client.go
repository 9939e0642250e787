// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/tunnelrelay/bridge"
	"github.com/bureau-foundation/tunnelrelay/transport"
	"github.com/bureau-foundation/tunnelrelay/tunnel"
)

// ClientConfig configures Dial.
type ClientConfig struct {
	// URL is the relay's tunnel endpoint, e.g. "ws://relay:7891/tunnel".
	URL string

	// Via optionally reaches the relay through a stream target
	// ("unix:///run/relay.sock") instead of the URL's host.
	Via string

	// Listen is where local clients connect; see bridge.Bridge.ListenAddr.
	Listen string

	Compression tunnel.CompressionMode

	// Header is sent with the websocket handshake.
	Header http.Header

	// MaxMessageSize, SignalCapacity, BridgeQueueCapacity and ChunkSize
	// are passed to the tunnel connection. Zero selects the tunnel
	// defaults.
	MaxMessageSize      int
	SignalCapacity      int
	BridgeQueueCapacity int
	ChunkSize           int

	// Metrics is optional.
	Metrics *tunnel.Metrics

	// Logger receives structured log output. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Client is the connecting end of a tunnel: a client-role connection
// to a relay plus the local listener that feeds it.
type Client struct {
	connection *tunnel.Connection
	bridge     *bridge.Bridge
	logger     *slog.Logger
}

// TunnelURL returns base with the compression query set for mode.
func TunnelURL(base string, mode tunnel.CompressionMode) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay URL %q: scheme must be ws or wss", base)
	}
	query := parsed.Query()
	query.Set(CompressQuery, mode.String())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Dial connects to the relay and binds the local listener. Bridges
// start flowing once Run is called. Cancelling ctx also stops the
// local listener.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.Listen == "" {
		return nil, errors.New("relay: Listen is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMessageSize := config.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = tunnel.DefaultMaxMessageSize
	}

	tunnelURL, err := TunnelURL(config.URL, config.Compression)
	if err != nil {
		return nil, err
	}
	var via transport.Dialer
	if config.Via != "" {
		dialer, address, err := transport.ParseTarget(config.Via)
		if err != nil {
			return nil, err
		}
		via = fixedAddressDialer{dialer: dialer, address: address}
	}

	ws, err := transport.DialWebSocket(ctx, tunnelURL, config.Header, via, maxMessageSize)
	if err != nil {
		return nil, err
	}
	connection, err := tunnel.NewConnection(tunnel.Config{
		Transport:           ws,
		Compression:         config.Compression,
		Role:                tunnel.RoleClient,
		SignalCapacity:      config.SignalCapacity,
		BridgeQueueCapacity: config.BridgeQueueCapacity,
		MaxMessageSize:      maxMessageSize,
		ChunkSize:           config.ChunkSize,
		Metrics:             config.Metrics,
		Logger:              logger,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}

	local := &bridge.Bridge{ListenAddr: config.Listen, Tunnel: connection, Logger: logger}
	if err := local.Start(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	logger.Info("tunnel connected", "relay", config.URL, "compression", config.Compression)
	return &Client{connection: connection, bridge: local, logger: logger}, nil
}

// Addr returns the local listener's address.
func (c *Client) Addr() net.Addr { return c.bridge.Addr() }

// Connection returns the client's tunnel connection.
func (c *Client) Connection() *tunnel.Connection { return c.connection }

// Run carries bridges until ctx is cancelled or the relay goes away.
// The local listener is stopped before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.bridge.Stop()
	return c.connection.Run(ctx)
}

// Close asks the connection to shut down with reason.
func (c *Client) Close(reason string) error {
	return c.connection.Close(reason)
}

// fixedAddressDialer ignores the address the websocket dialer derives
// from the URL and always dials address.
type fixedAddressDialer struct {
	dialer  transport.Dialer
	address string
}

func (d fixedAddressDialer) DialContext(ctx context.Context, _ string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, d.address)
}
