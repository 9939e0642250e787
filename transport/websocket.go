// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeReasonLimit is the longest reason a websocket close frame can
// carry: 125 bytes of control payload minus the 2-byte status code.
const closeReasonLimit = 123

// closeWriteTimeout bounds how long CloseWithReason waits to send the
// close frame to a peer that stopped reading.
const closeWriteTimeout = 5 * time.Second

// WebSocket carries tunnel messages as binary websocket messages. Reads
// and writes follow gorilla/websocket's concurrency rules: one reader
// goroutine and one writer goroutine, which is exactly how a tunnel
// connection drives its transport.
type WebSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection. Inbound
// messages larger than maxMessageSize fail the read.
func NewWebSocket(conn *websocket.Conn, maxMessageSize int) *WebSocket {
	if maxMessageSize > 0 {
		conn.SetReadLimit(int64(maxMessageSize))
	}
	return &WebSocket{conn: conn}
}

// ReadMessage returns the next binary message. Text and other data
// messages are skipped.
func (w *WebSocket) ReadMessage() ([]byte, error) {
	for {
		messageType, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// WriteMessage sends payload as one binary message.
func (w *WebSocket) WriteMessage(payload []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// CloseWithReason sends a normal-closure frame carrying reason, then
// closes the underlying connection. Reasons longer than a close frame
// allows are truncated.
func (w *WebSocket) CloseWithReason(reason string) error {
	if len(reason) > closeReasonLimit {
		reason = reason[:closeReasonLimit]
	}
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	writeErr := w.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeWriteTimeout))
	closeErr := w.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("sending close frame: %w", writeErr)
	}
	return closeErr
}

// Close closes the underlying network connection without a close frame.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() { w.closeErr = w.conn.Close() })
	return w.closeErr
}

// RemoteAddr returns the peer's network address.
func (w *WebSocket) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// NewUpgrader returns an upgrader for the tunnel endpoint. Origin checks
// are left to the caller's authentication in front of the handler: tunnel
// clients are programs, not browsers.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// AcceptWebSocket upgrades an HTTP request to a tunnel websocket. On
// failure the upgrader has already written an HTTP error response.
func AcceptWebSocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, maxMessageSize int) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading tunnel websocket: %w", err)
	}
	return NewWebSocket(conn, maxMessageSize), nil
}

// DialWebSocket connects to a relay's tunnel endpoint. When dialer is
// non-nil it opens the underlying network connection, so the relay can
// be reached through any Dialer (for example a Unix socket).
func DialWebSocket(ctx context.Context, url string, header http.Header, dialer Dialer, maxMessageSize int) (*WebSocket, error) {
	websocketDialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	if dialer != nil {
		websocketDialer.NetDialContext = func(ctx context.Context, _, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, address)
		}
	}

	conn, response, err := websocketDialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %s)", url, err, response.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(conn, maxMessageSize), nil
}
