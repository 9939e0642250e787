// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/tunnelrelay/lib/codec"
)

// BridgeID identifies a bridge within one connection. Ids are unique
// among the connection's open bridges and are not reused while a
// bridge is open.
type BridgeID uint16

// MaxEnvelopeOverhead bounds the bytes a servermsg envelope adds to its
// body, for any bridge id and any body below 4 GiB.
const MaxEnvelopeOverhead = 64

// MaxChunkSize returns the largest local read that always fits in one
// frame of maxMessageSize bytes once it is wrapped in an envelope. The
// margin beyond the envelope covers deflate's stored-block framing for
// input that does not compress. Non-positive results mean the frame
// limit is too small to carry data.
func MaxChunkSize(maxMessageSize int) int {
	return maxMessageSize - 2*MaxEnvelopeOverhead - maxMessageSize/1024
}

// Method tags for the envelopes this package produces and consumes.
const (
	// MethodServerMessage carries one chunk of bridge data.
	MethodServerMessage = "servermsg"

	// MethodServerClose reports that a bridge ended.
	MethodServerClose = "serverclose"
)

// Request is the wire envelope. ID is present for request/response
// pairs and absent for one-way events such as bridge traffic.
type Request[P any] struct {
	ID     *uint32 `cbor:"id,omitempty"`
	Method string  `cbor:"method"`
	Params P       `cbor:"params"`
}

// Envelope is the inbound view of a Request. Params stay encoded until
// the method is known.
type Envelope struct {
	ID     *uint32          `cbor:"id,omitempty"`
	Method string           `cbor:"method"`
	Params codec.RawMessage `cbor:"params"`
}

// ServerMessageParams is the payload of a MethodServerMessage envelope.
// Body is compressed when the connection negotiated compression.
type ServerMessageParams struct {
	I    BridgeID `cbor:"i"`
	Body []byte   `cbor:"body"`
}

// ServerCloseParams is the payload of a MethodServerClose envelope.
type ServerCloseParams struct {
	I BridgeID `cbor:"i"`
}

// NewEvent builds a one-way envelope.
func NewEvent[P any](method string, params P) Request[P] {
	return Request[P]{Method: method, Params: params}
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if envelope.Method == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing method")
	}
	return envelope, nil
}

// DecodeParams decodes the envelope's params into P.
func DecodeParams[P any](envelope Envelope) (P, error) {
	var params P
	if err := codec.Unmarshal(envelope.Params, &params); err != nil {
		return params, fmt.Errorf("decoding %s params: %w", envelope.Method, err)
	}
	return params, nil
}

// CompressionMode selects whether a connection compresses bridge
// traffic. It is fixed for the lifetime of the connection.
type CompressionMode uint8

const (
	CompressionNone CompressionMode = iota
	CompressionDeflate
)

func (m CompressionMode) String() string {
	switch m {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("CompressionMode(%d)", uint8(m))
	}
}

// ParseCompressionMode converts a mode name to a CompressionMode. The
// empty string selects CompressionNone.
func ParseCompressionMode(name string) (CompressionMode, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "deflate":
		return CompressionDeflate, nil
	default:
		return 0, fmt.Errorf("unknown compression mode %q (valid: none, deflate)", name)
	}
}

// MarshalText implements encoding.TextMarshaler so the mode appears by
// name in YAML config and logs.
func (m CompressionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *CompressionMode) UnmarshalText(text []byte) error {
	mode, err := ParseCompressionMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
