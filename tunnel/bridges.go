// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/tunnelrelay/lib/netutil"
)

// ErrNoBridgeIDs is returned by OpenBridge when every bridge id is in
// use on the connection.
var ErrNoBridgeIDs = errors.New("tunnel: no free bridge ids")

const maxBridges = 1 << 16

// bridge is one logical connection carried by the tunnel. Inbound data
// is queued by the reader and written to the local connection by the
// bridge's own goroutine, so a slow local peer never stalls the reader.
type bridge struct {
	id BridgeID

	// queue is written only by the reader goroutine. The reader closes
	// it when the peer ends the bridge, which lets the local writer
	// flush what was already queued before closing.
	queue chan []byte

	mu     sync.Mutex
	local  net.Conn
	closed chan struct{}
	once   sync.Once

	// ended is set when this side has reported the bridge's end.
	ended atomic.Bool
	// remoteClosed is set when the peer ended the bridge.
	remoteClosed atomic.Bool
}

func newBridge(id BridgeID, queueCapacity int) *bridge {
	return &bridge{
		id:     id,
		queue:  make(chan []byte, queueCapacity),
		closed: make(chan struct{}),
	}
}

// attach sets the local connection. It returns false if the bridge was
// closed first, in which case the caller owns local and must close it.
func (b *bridge) attach(local net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.closed:
		return false
	default:
	}
	b.local = local
	return true
}

func (b *bridge) close() {
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.closed)
		if b.local != nil {
			b.local.Close()
		}
	})
}

func (b *bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// OpenBridge carries local over the tunnel under a newly allocated id.
// The connection owns local from then on and closes it when the bridge
// ends. Bridges opened before Run start sending once the writer runs.
func (c *Connection) OpenBridge(local net.Conn) (BridgeID, error) {
	if c.State() > StateOpen {
		return 0, ErrConnectionClosed
	}

	c.bridgeMu.Lock()
	if c.bridgesDone {
		c.bridgeMu.Unlock()
		return 0, ErrConnectionClosed
	}
	if len(c.bridges) >= maxBridges {
		c.bridgeMu.Unlock()
		return 0, ErrNoBridgeIDs
	}
	id := c.nextBridgeID
	for {
		if _, taken := c.bridges[id]; !taken {
			break
		}
		id++
	}
	c.nextBridgeID = id + 1
	b := newBridge(id, c.config.BridgeQueueCapacity)
	b.local = local
	c.bridges[id] = b
	c.bridgeGroup.Add(2)
	c.bridgeMu.Unlock()

	c.metrics.bridgeOpened()
	c.logger.Debug("bridge opened", "bridge", id, "remote", local.RemoteAddr())
	go c.pumpLocal(b, local)
	go c.writeLocal(b, local)
	return id, nil
}

// OpenBridges reports how many bridges are currently open.
func (c *Connection) OpenBridges() int {
	c.bridgeMu.Lock()
	defer c.bridgeMu.Unlock()
	return len(c.bridges)
}

// deliver queues inbound data for bridge id without blocking. In the
// server role an unknown id creates the bridge and dials its target;
// chunks arriving during the dial wait in the queue.
func (c *Connection) deliver(ctx context.Context, id BridgeID, data []byte) {
	c.bridgeMu.Lock()
	b, ok := c.bridges[id]
	if !ok {
		if c.config.Role != RoleServer || c.bridgesDone {
			c.bridgeMu.Unlock()
			c.logger.Debug("dropping data for unknown bridge", "bridge", id, "length", len(data))
			return
		}
		b = newBridge(id, c.config.BridgeQueueCapacity)
		c.bridges[id] = b
		c.bridgeGroup.Add(1)
		c.bridgeMu.Unlock()

		c.metrics.bridgeOpened()
		c.logger.Debug("bridge opened by peer", "bridge", id)
		go c.dialBridge(ctx, b)
	} else {
		c.bridgeMu.Unlock()
	}

	if b.isClosed() {
		return
	}
	select {
	case b.queue <- data:
	default:
		c.logger.Warn("bridge fell behind, closing it", "bridge", id, "queued", len(b.queue))
		c.bridgeGroup.Add(1)
		go func() {
			defer c.bridgeGroup.Done()
			c.endBridge(b, errors.New("write queue full"))
		}()
	}
}

// dialBridge connects a server-role bridge to the local target, then
// starts its pumps.
func (c *Connection) dialBridge(ctx context.Context, b *bridge) {
	defer c.bridgeGroup.Done()

	local, err := c.config.Dial(ctx)
	if err != nil {
		c.logger.Warn("connecting bridge to local target", "bridge", b.id, "error", err)
		b.close()
		c.endBridge(b, err)
		return
	}
	if !b.attach(local) {
		local.Close()
		return
	}
	c.logger.Debug("bridge connected", "bridge", b.id, "target", local.RemoteAddr())

	c.bridgeGroup.Add(2)
	go c.pumpLocal(b, local)
	go c.writeLocal(b, local)
}

// pumpLocal reads from the local connection and sends each chunk to
// the peer. It is a producer on the connection's signal channel.
func (c *Connection) pumpLocal(b *bridge, local net.Conn) {
	defer c.bridgeGroup.Done()

	buffer := make([]byte, c.config.ChunkSize)
	for {
		n, readErr := local.Read(buffer)
		if b.remoteClosed.Load() {
			return
		}
		if n > 0 {
			if err := c.sink.ServerMessage(b.id, buffer[:n]); err != nil {
				if errors.Is(err, ErrChannelClosed) {
					c.logger.Debug("connection closing, stopping bridge", "bridge", b.id)
					b.close()
					return
				}
				if c.config.Compression == CompressionNone && errors.Is(err, ErrMessageTooLarge) {
					c.logger.Warn("bridge data exceeds message size, closing bridge", "bridge", b.id, "error", err)
					c.endBridge(b, err)
					return
				}
				// The outbound compression context is unusable now,
				// so every bridge on this connection is affected.
				c.logger.Error("sending bridge data", "bridge", b.id, "error", err)
				c.requestClose("compress message for bridge: " + err.Error())
				b.close()
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !b.isClosed() && !netutil.IsExpectedCloseError(readErr) {
				c.logger.Debug("reading from bridge", "bridge", b.id, "error", readErr)
			}
			c.endBridge(b, readErr)
			return
		}
	}
}

// writeLocal writes queued inbound data to the local connection. When
// the peer ends the bridge the queue is closed and drained before the
// local connection is closed.
func (c *Connection) writeLocal(b *bridge, local net.Conn) {
	defer c.bridgeGroup.Done()

	for {
		select {
		case data, ok := <-b.queue:
			if !ok {
				b.close()
				return
			}
			if _, err := local.Write(data); err != nil {
				c.endBridge(b, err)
				return
			}
		case <-b.closed:
			return
		}
	}
}

// endBridge reports a local end of the bridge, once. The bridge stays
// in the table until the writer handles the CloseServerBridge signal,
// so its id is not reallocated while the peer may still use it.
func (c *Connection) endBridge(b *bridge, cause error) {
	if b.remoteClosed.Load() || !b.ended.CompareAndSwap(false, true) {
		return
	}
	b.close()
	if err := c.sink.ClosedServerBridge(b.id); err != nil {
		c.logger.Debug("reporting bridge end", "bridge", b.id, "cause", cause, "error", err)
	}
}

// closeRemoteBridge handles the peer's serverclose. Called only by the
// reader goroutine, which is also the only sender on the queue.
func (c *Connection) closeRemoteBridge(id BridgeID) {
	b := c.removeBridge(id)
	if b == nil {
		c.logger.Debug("close for unknown bridge", "bridge", id)
		return
	}
	b.remoteClosed.Store(true)
	// A bridge still dialing drains the queue once it attaches.
	close(b.queue)
	c.logger.Debug("bridge closed by peer", "bridge", id)
}

// removeBridge deletes id from the table and returns the bridge it
// held, or nil.
func (c *Connection) removeBridge(id BridgeID) *bridge {
	c.bridgeMu.Lock()
	defer c.bridgeMu.Unlock()
	b, ok := c.bridges[id]
	if !ok {
		return nil
	}
	delete(c.bridges, id)
	c.metrics.bridgeClosed()
	return b
}

// closeAllBridges closes every bridge when the connection ends.
func (c *Connection) closeAllBridges() {
	c.bridgeMu.Lock()
	bridges := c.bridges
	c.bridges = make(map[BridgeID]*bridge)
	c.bridgesDone = true
	c.bridgeMu.Unlock()

	for _, b := range bridges {
		b.close()
		c.metrics.bridgeClosed()
	}
}
