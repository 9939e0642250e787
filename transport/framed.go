// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// frameHeaderLength is the size of a frame header: a 4-byte big-endian
// payload length.
const frameHeaderLength = 4

// DefaultMaxFrameSize bounds a frame's payload when the caller does not
// choose a limit. Matches the tunnel's default maximum message size.
const DefaultMaxFrameSize = 16 << 20

// Framed carries tunnel messages over a byte stream as length-prefixed
// frames: [4 bytes payload length, big-endian uint32] [payload]. Writes
// are buffered and flushed after every frame.
type Framed struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	maxFrameSize int

	closeOnce sync.Once
	closeErr  error
}

// NewFramed wraps conn. Frames whose declared payload exceeds
// maxFrameSize are rejected in both directions; zero selects
// DefaultMaxFrameSize.
func NewFramed(conn net.Conn, maxFrameSize int) *Framed {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Framed{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 32<<10),
		writer:       bufio.NewWriterSize(conn, 32<<10),
		maxFrameSize: maxFrameSize,
	}
}

// ReadMessage reads one frame. Returns an error if the stream is
// malformed or the payload exceeds the maximum frame size.
func (f *Framed) ReadMessage() ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(f.reader, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[:])
	if uint64(payloadLength) > uint64(f.maxFrameSize) {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", payloadLength, f.maxFrameSize)
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(f.reader, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage writes payload as one frame and flushes it.
func (f *Framed) WriteMessage(payload []byte) error {
	if len(payload) > f.maxFrameSize {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(payload), f.maxFrameSize)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := f.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := f.writer.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return f.Flush()
}

// Flush writes any buffered frame bytes to the connection.
func (f *Framed) Flush() error {
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (f *Framed) Close() error {
	f.closeOnce.Do(func() { f.closeErr = f.conn.Close() })
	return f.closeErr
}

// RemoteAddr returns the peer's network address.
func (f *Framed) RemoteAddr() net.Addr { return f.conn.RemoteAddr() }
