// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"net"
	"sync"
)

// PipeEnd is one side of a MessagePipe. It has the ReadMessage,
// WriteMessage, and Close methods of a message transport. Messages are
// delivered whole and in order; WriteMessage blocks until the peer has
// buffer space.
type PipeEnd struct {
	incoming chan []byte
	peer     *PipeEnd

	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.Mutex
	closeReason string
}

// MessagePipe returns two connected ends, each buffering up to capacity
// messages written by the other.
func MessagePipe(capacity int) (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{incoming: make(chan []byte, capacity), closed: make(chan struct{})}
	b := &PipeEnd{incoming: make(chan []byte, capacity), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// ReadMessage returns the next message written by the peer. Once either
// end is closed and the buffer is empty it returns net.ErrClosed.
func (p *PipeEnd) ReadMessage() ([]byte, error) {
	select {
	case message := <-p.incoming:
		return message, nil
	default:
	}
	select {
	case message := <-p.incoming:
		return message, nil
	case <-p.closed:
		return nil, net.ErrClosed
	case <-p.peer.closed:
		select {
		case message := <-p.incoming:
			return message, nil
		default:
			return nil, net.ErrClosed
		}
	}
}

// WriteMessage copies payload to the peer.
func (p *PipeEnd) WriteMessage(payload []byte) error {
	message := append([]byte(nil), payload...)
	select {
	case <-p.closed:
		return net.ErrClosed
	case <-p.peer.closed:
		return errors.New("testutil: pipe peer closed")
	default:
	}
	select {
	case p.peer.incoming <- message:
		return nil
	case <-p.closed:
		return net.ErrClosed
	case <-p.peer.closed:
		return errors.New("testutil: pipe peer closed")
	}
}

// Close closes this end. The peer's reads fail once its buffer drains.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// CloseWithReason records reason and closes this end.
func (p *PipeEnd) CloseWithReason(reason string) error {
	p.mu.Lock()
	p.closeReason = reason
	p.mu.Unlock()
	return p.Close()
}

// CloseReason returns the reason passed to CloseWithReason, if any.
func (p *PipeEnd) CloseReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeReason
}

// Closed is closed when this end is closed.
func (p *PipeEnd) Closed() <-chan struct{} { return p.closed }
