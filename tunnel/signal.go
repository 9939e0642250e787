// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by SignalChannel.Send once the writer
// has stopped consuming. The connection is already tearing down;
// callers drop the signal and do not retry.
var ErrChannelClosed = errors.New("tunnel: signal channel closed")

// SignalKind discriminates the variants of Signal.
type SignalKind uint8

const (
	// SignalSend carries a serialized envelope ready for the transport.
	SignalSend SignalKind = iota + 1

	// SignalCloseWith asks the writer to flush what was queued before
	// it, close the transport with a reason, and stop.
	SignalCloseWith

	// SignalCloseServerBridge reports that one bridge ended locally.
	SignalCloseServerBridge
)

func (k SignalKind) String() string {
	switch k {
	case SignalSend:
		return "send"
	case SignalCloseWith:
		return "close_with"
	case SignalCloseServerBridge:
		return "close_server_bridge"
	default:
		return fmt.Sprintf("SignalKind(%d)", uint8(k))
	}
}

// Signal is one instruction for a connection's writer. The zero value
// is invalid; construct with SendSignal, CloseWithSignal, or
// CloseServerBridgeSignal.
type Signal struct {
	kind    SignalKind
	payload []byte
	reason  string
	bridge  BridgeID
}

// SendSignal wraps a serialized envelope. The writer takes ownership of
// payload; the caller must not modify it afterwards.
func SendSignal(payload []byte) Signal {
	return Signal{kind: SignalSend, payload: payload}
}

// CloseWithSignal requests orderly teardown of the connection.
func CloseWithSignal(reason string) Signal {
	return Signal{kind: SignalCloseWith, reason: reason}
}

// CloseServerBridgeSignal reports the end of bridge id.
func CloseServerBridgeSignal(id BridgeID) Signal {
	return Signal{kind: SignalCloseServerBridge, bridge: id}
}

func (s Signal) Kind() SignalKind { return s.kind }

// Payload is the envelope bytes of a SignalSend.
func (s Signal) Payload() []byte { return s.payload }

// Reason is the teardown reason of a SignalCloseWith.
func (s Signal) Reason() string { return s.reason }

// Bridge is the bridge id of a SignalCloseServerBridge.
func (s Signal) Bridge() BridgeID { return s.bridge }

// SignalChannel is a bounded FIFO of signals with many producers and
// exactly one consumer. Send blocks while the channel is full and fails
// with ErrChannelClosed once the consumer has gone.
type SignalChannel struct {
	signals   chan Signal
	done      chan struct{}
	closeOnce sync.Once
}

// NewSignalChannel returns a channel holding up to capacity pending
// signals. A capacity below one is raised to one.
func NewSignalChannel(capacity int) *SignalChannel {
	return &SignalChannel{
		signals: make(chan Signal, max(capacity, 1)),
		done:    make(chan struct{}),
	}
}

// Send enqueues signal, blocking while the channel is full.
func (c *SignalChannel) Send(signal Signal) error {
	// Checked first so a gone consumer wins over free buffer space.
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.signals <- signal:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Receive returns the next signal. It is called only by the consumer.
// The boolean is false once the consumer has been marked gone.
func (c *SignalChannel) Receive() (Signal, bool) {
	select {
	case signal := <-c.signals:
		return signal, true
	case <-c.done:
		return Signal{}, false
	}
}

// Signals exposes the receive side for consumers that select on it
// alongside other events.
func (c *SignalChannel) Signals() <-chan Signal { return c.signals }

// CloseConsumer marks the consumer gone. Pending and future Send calls
// fail with ErrChannelClosed. Safe to call more than once.
func (c *SignalChannel) CloseConsumer() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the consumer has gone.
func (c *SignalChannel) Done() <-chan struct{} { return c.done }

// Discard empties signals left in the buffer after the consumer has
// gone and returns how many were dropped.
func (c *SignalChannel) Discard() int {
	dropped := 0
	for {
		select {
		case <-c.signals:
			dropped++
		default:
			return dropped
		}
	}
}
