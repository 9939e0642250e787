// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/tunnelrelay/lib/codec"
)

// ServerMessageSink turns outbound bridge data into Send signals. When
// the connection compresses, the sink owns the outbound Stream.
//
// ServerMessage holds the sink's lock from compression through enqueue,
// so the order in which chunks enter the compression context is the
// order in which they reach the writer. The peer's decompressor depends
// on that.
type ServerMessageSink struct {
	channel *SignalChannel
	metrics *Metrics
	maxSize int

	mu         sync.Mutex
	compressor *Stream
	// failed is set once the outbound compression context has taken
	// input the peer will never see.
	failed error
}

// NewServerMessageSink returns a sink enqueueing on channel. compressor
// is nil for uncompressed connections. maxMessageSize bounds one
// serialized envelope; zero selects DefaultMaxMessageSize. metrics may
// be nil.
func NewServerMessageSink(channel *SignalChannel, compressor *Stream, maxMessageSize int, metrics *Metrics) *ServerMessageSink {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &ServerMessageSink{channel: channel, compressor: compressor, maxSize: maxMessageSize, metrics: metrics}
}

// ServerMessage sends one chunk of bridge data. It fails with
// ErrChannelClosed once the writer has stopped, with ErrMessageTooLarge
// when the envelope would exceed the frame limit, or with a
// *TransformError from compression.
//
// On an uncompressed connection an oversized chunk affects only that
// call. On a compressed connection any failure is permanent: the
// compression context has diverged from the peer's, so every later call
// fails too.
func (s *ServerMessageSink) ServerMessage(id BridgeID, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Skip compression work for a connection that is already gone.
	select {
	case <-s.channel.Done():
		return ErrChannelClosed
	default:
	}
	if s.failed != nil {
		return fmt.Errorf("compressing message for bridge %d: %w", id, s.failed)
	}

	wireBody := body
	if s.compressor != nil {
		compressed, err := s.compressor.Process(body)
		if err != nil {
			s.failed = err
			s.metrics.transformFailed(directionOutbound)
			return fmt.Errorf("compressing message for bridge %d: %w", id, err)
		}
		wireBody = compressed
	}

	payload, err := codec.Marshal(NewEvent(MethodServerMessage, ServerMessageParams{I: id, Body: wireBody}))
	if err != nil {
		if s.compressor != nil {
			s.failed = err
		}
		return fmt.Errorf("encoding message for bridge %d: %w", id, err)
	}
	if len(payload) > s.maxSize {
		err := fmt.Errorf("message for bridge %d is %d bytes, limit %d: %w", id, len(payload), s.maxSize, ErrMessageTooLarge)
		if s.compressor != nil {
			s.failed = ErrMessageTooLarge
		}
		return err
	}
	s.metrics.observePayload(directionOutbound, len(body), len(wireBody))
	return s.channel.Send(SendSignal(payload))
}

// FromMessage serializes msg as an uncompressed envelope and wraps it
// as a Send signal. Control-plane traffic goes this way so it stays
// decodable regardless of the data-plane compression state.
func (s *ServerMessageSink) FromMessage(msg any) (Signal, error) {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return Signal{}, fmt.Errorf("encoding control message: %w", err)
	}
	return SendSignal(payload), nil
}

// SendMessage serializes msg uncompressed and enqueues it.
func (s *ServerMessageSink) SendMessage(msg any) error {
	signal, err := s.FromMessage(msg)
	if err != nil {
		return err
	}
	return s.channel.Send(signal)
}

// ClosedServerBridge reports that bridge id ended locally. The writer
// tears the bridge down and notifies the peer.
func (s *ServerMessageSink) ClosedServerBridge(id BridgeID) error {
	return s.channel.Send(CloseServerBridgeSignal(id))
}
