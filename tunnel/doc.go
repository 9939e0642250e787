// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel multiplexes many logical connections ("bridges") over
// one physical message transport.
//
// Each bridge is identified by a 16-bit [BridgeID] unique among the
// open bridges of its [Connection]. Bridge data travels in CBOR
// envelopes ([Request], [Envelope]) with method "servermsg" and params
// {i, body}; a bridge's end is announced with "serverclose" and params
// {i}.
//
// A Connection runs exactly one writer goroutine and one reader
// goroutine. Producers never touch the transport: they enqueue a
// [Signal] on the connection's [SignalChannel], a bounded FIFO that
// blocks producers while full. The writer drains it in order, so frames
// reach the transport in enqueue-completion order and never interleave.
// A [SignalCloseWith] moves the connection from [StateOpen] through
// [StateDraining] to [StateClosed]; after that every Send fails with
// [ErrChannelClosed].
//
// When a connection negotiates [CompressionDeflate], bridge bodies are
// raw deflate at a low level with one persistent context per direction.
// [ServerMessageSink] owns the outbound [Stream] and
// [ClientMessageDecoder] owns the inbound one. Every message is sync
// flushed, never finished, so the peer decodes each one as it arrives.
// Stream.Process returns a view of an internal scratch buffer that
// grows by doubling from 4 KiB up to the configured maximum message
// size; the view is valid until the next call.
//
// Inbound decompression failures are fatal to the connection: the
// reader enqueues a CloseWith naming the bridge and stops.
package tunnel
