// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

// ClientMessageDecoder recovers bridge data from inbound message
// bodies. It is used only by a connection's reader goroutine.
type ClientMessageDecoder struct {
	decompressor *Stream
}

// NewClientMessageDecoder returns a decoder. decompressor is nil for
// uncompressed connections.
func NewClientMessageDecoder(decompressor *Stream) *ClientMessageDecoder {
	return &ClientMessageDecoder{decompressor: decompressor}
}

// Decode returns the logical bytes of raw. With compression the result
// aliases the decompressor's scratch buffer and is valid until the next
// Decode call; without compression it is raw itself.
func (d *ClientMessageDecoder) Decode(raw []byte) ([]byte, error) {
	if d.decompressor == nil {
		return raw, nil
	}
	return d.decompressor.Process(raw)
}
