// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/tunnelrelay/lib/codec"
	"github.com/bureau-foundation/tunnelrelay/lib/netutil"
)

// ErrConnectionClosed is returned by operations on a connection that
// has left StateOpen.
var ErrConnectionClosed = errors.New("tunnel: connection closed")

// Transport is one physical message-oriented link. ReadMessage is
// called only by the connection's reader goroutine and WriteMessage
// only by its writer goroutine; Close may be called from either.
//
// Transports may additionally implement Flush() error, called while
// draining before the final close, and CloseWithReason(string) error,
// which closes the transport and tells the peer why.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

type transportFlusher interface {
	Flush() error
}

type reasonCloser interface {
	CloseWithReason(reason string) error
}

// ConnectionState is the writer's lifecycle position. Transitions only
// move forward.
type ConnectionState int32

const (
	stateNone ConnectionState = iota

	// StateOpen: the writer is draining signals to the transport.
	StateOpen

	// StateDraining: a CloseWith was observed. The consumer is marked
	// gone, late signals are discarded, and the transport is being
	// flushed and closed.
	StateDraining

	// StateClosed: the transport is closed and the writer has exited.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case stateNone:
		return "new"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Role decides what happens when the peer sends data for a bridge id
// this side has never seen.
type Role uint8

const (
	// RoleClient opens bridges itself with OpenBridge and ignores data
	// for unknown ids.
	RoleClient Role = iota

	// RoleServer creates a bridge for every new id and connects it to
	// the configured local target.
	RoleServer
)

const (
	defaultSignalCapacity      = 64
	defaultBridgeQueueCapacity = 256
	defaultChunkSize           = 16 << 10
)

// Config describes one tunnel connection.
type Config struct {
	// Transport is the physical link. Required.
	Transport Transport

	// Compression is fixed for the connection's lifetime and must
	// match the peer's.
	Compression CompressionMode

	Role Role

	// Dial connects a new server-role bridge to its local target.
	// Required for RoleServer.
	Dial func(ctx context.Context) (net.Conn, error)

	// SignalCapacity bounds the writer's queue (default 64).
	SignalCapacity int

	// BridgeQueueCapacity bounds the inbound chunks buffered per bridge
	// (default 256). A bridge that falls this far behind is closed.
	BridgeQueueCapacity int

	// MaxMessageSize bounds a single decompressed or compressed body
	// (default DefaultMaxMessageSize).
	MaxMessageSize int

	// ChunkSize is the read size used when pumping a local connection
	// into the tunnel (default 16 KiB, or MaxChunkSize(MaxMessageSize)
	// when that is smaller). Larger values are rejected.
	ChunkSize int

	// Metrics may be nil.
	Metrics *Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connection multiplexes bridges over one Transport. Exactly one writer
// goroutine owns all transport writes; exactly one reader goroutine
// owns all transport reads and dispatches inbound data to bridges.
type Connection struct {
	config    Config
	transport Transport
	channel   *SignalChannel
	sink      *ServerMessageSink
	decoder   *ClientMessageDecoder
	metrics   *Metrics
	logger    *slog.Logger

	state    atomic.Int32
	started  atomic.Bool
	closeErr error // written by the writer
	readErr  error // written by the reader

	bridgeMu     sync.Mutex
	bridges      map[BridgeID]*bridge
	nextBridgeID BridgeID
	bridgesDone  bool
	bridgeGroup  sync.WaitGroup
}

// NewConnection validates config and builds the connection's sink,
// decoder, and signal channel. Call Run to start it.
func NewConnection(config Config) (*Connection, error) {
	if config.Transport == nil {
		return nil, errors.New("tunnel: Config.Transport is required")
	}
	if config.Role == RoleServer && config.Dial == nil {
		return nil, errors.New("tunnel: Config.Dial is required for RoleServer")
	}
	if config.SignalCapacity <= 0 {
		config.SignalCapacity = defaultSignalCapacity
	}
	if config.BridgeQueueCapacity <= 0 {
		config.BridgeQueueCapacity = defaultBridgeQueueCapacity
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	chunkLimit := MaxChunkSize(config.MaxMessageSize)
	if chunkLimit <= 0 {
		return nil, fmt.Errorf("tunnel: MaxMessageSize %d leaves no room for bridge data", config.MaxMessageSize)
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = min(defaultChunkSize, chunkLimit)
	} else if config.ChunkSize > chunkLimit {
		return nil, fmt.Errorf("tunnel: ChunkSize %d does not fit a %d-byte message (at most %d)",
			config.ChunkSize, config.MaxMessageSize, chunkLimit)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var compressor, decompressor *Stream
	switch config.Compression {
	case CompressionNone:
	case CompressionDeflate:
		var err error
		compressor, err = NewCompressor(config.MaxMessageSize - MaxEnvelopeOverhead)
		if err != nil {
			return nil, err
		}
		decompressor = NewDecompressor(config.MaxMessageSize)
	default:
		return nil, fmt.Errorf("tunnel: unsupported compression mode %s", config.Compression)
	}

	channel := NewSignalChannel(config.SignalCapacity)
	return &Connection{
		config:    config,
		transport: config.Transport,
		channel:   channel,
		sink:      NewServerMessageSink(channel, compressor, config.MaxMessageSize, config.Metrics),
		decoder:   NewClientMessageDecoder(decompressor),
		metrics:   config.Metrics,
		logger:    logger.With("compression", config.Compression.String()),
		bridges:   make(map[BridgeID]*bridge),
	}, nil
}

// Sink returns the connection's outbound message sink.
func (c *Connection) Sink() *ServerMessageSink { return c.sink }

// State returns the writer's current lifecycle position.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed once the writer has stopped consuming signals.
func (c *Connection) Done() <-chan struct{} { return c.channel.Done() }

// Close asks the writer to flush everything queued so far and close the
// transport with reason. It returns ErrChannelClosed if the connection
// is already closing.
func (c *Connection) Close(reason string) error {
	return c.channel.Send(CloseWithSignal(reason))
}

// Run starts the reader and writer goroutines and blocks until the
// writer exits and every goroutine the connection started has
// returned. Cancelling ctx is treated as Close("shutting down"). Run
// returns nil after an orderly close and the transport error
// otherwise. Run may be called once.
func (c *Connection) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("tunnel: Connection.Run called twice")
	}
	c.setState(StateOpen)
	c.logger.Info("tunnel connection open")

	bridgeContext, cancelBridges := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBridges()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(bridgeContext)
	}()

	go func() {
		select {
		case <-ctx.Done():
			if err := c.Close("shutting down"); err != nil && !errors.Is(err, ErrChannelClosed) {
				c.logger.Warn("requesting shutdown close", "error", err)
			}
		case <-c.channel.Done():
		}
	}()

	c.writeLoop()

	cancelBridges()
	c.closeAllBridges()
	<-readerDone
	c.bridgeGroup.Wait()

	err := c.closeErr
	if err == nil && c.readErr != nil && !netutil.IsExpectedCloseError(c.readErr) {
		err = fmt.Errorf("reading from transport: %w", c.readErr)
	}
	c.logger.Info("tunnel connection closed", "error", err)
	return err
}

func (c *Connection) setState(state ConnectionState) {
	previous := ConnectionState(c.state.Swap(int32(state)))
	if previous != state {
		c.metrics.stateChanged(previous, state)
	}
}

// writeLoop is the only code that writes to the transport.
func (c *Connection) writeLoop() {
	for {
		signal, ok := c.channel.Receive()
		if !ok {
			c.shutdownTransport(nil)
			return
		}
		c.metrics.signalHandled(signal.Kind())

		switch signal.Kind() {
		case SignalSend:
			if err := c.transport.WriteMessage(signal.Payload()); err != nil {
				c.shutdownTransport(fmt.Errorf("writing to transport: %w", err))
				return
			}

		case SignalCloseServerBridge:
			if err := c.closeServerBridge(signal.Bridge()); err != nil {
				c.shutdownTransport(err)
				return
			}

		case SignalCloseWith:
			c.drain(signal.Reason())
			return

		default:
			c.logger.Error("ignoring signal of unknown kind", "kind", signal.Kind())
		}
	}
}

// drain performs the StateDraining transition: every signal queued
// before the CloseWith has already been written, so anything still in
// the channel arrived after it and is discarded.
func (c *Connection) drain(reason string) {
	c.setState(StateDraining)
	c.channel.CloseConsumer()
	dropped := c.channel.Discard()
	c.metrics.signalsDropped(dropped)
	c.logger.Info("closing tunnel connection", "reason", reason, "dropped_signals", dropped)

	if flusher, ok := c.transport.(transportFlusher); ok {
		if err := flusher.Flush(); err != nil && !netutil.IsExpectedCloseError(err) {
			c.logger.Warn("flushing transport", "error", err)
		}
	}
	var err error
	if closer, ok := c.transport.(reasonCloser); ok {
		err = closer.CloseWithReason(reason)
	} else {
		err = c.transport.Close()
	}
	if err != nil && !netutil.IsExpectedCloseError(err) {
		c.logger.Debug("closing transport", "error", err)
	}
	c.setState(StateClosed)
}

// shutdownTransport moves straight to StateClosed after a transport
// failure.
func (c *Connection) shutdownTransport(cause error) {
	c.channel.CloseConsumer()
	c.metrics.signalsDropped(c.channel.Discard())
	if cause != nil {
		c.closeErr = cause
		if netutil.IsExpectedCloseError(cause) {
			c.logger.Info("tunnel transport closed", "error", cause)
		} else {
			c.logger.Warn("tunnel transport failed", "error", cause)
		}
	}
	c.transport.Close()
	c.setState(StateClosed)
}

// closeServerBridge handles a SignalCloseServerBridge: the bridge is
// torn down locally and the peer is told. Ids no longer in the table
// were already closed by the peer and need no notice.
func (c *Connection) closeServerBridge(id BridgeID) error {
	b := c.removeBridge(id)
	if b == nil {
		c.logger.Debug("bridge already closed", "bridge", id)
		return nil
	}
	b.close()

	payload, err := codec.Marshal(NewEvent(MethodServerClose, ServerCloseParams{I: id}))
	if err != nil {
		c.logger.Error("encoding bridge close notice", "bridge", id, "error", err)
		return nil
	}
	if err := c.transport.WriteMessage(payload); err != nil {
		return fmt.Errorf("writing bridge close notice: %w", err)
	}
	c.logger.Debug("bridge closed", "bridge", id)
	return nil
}

// readLoop is the only code that reads from the transport.
func (c *Connection) readLoop(ctx context.Context) {
	for {
		frame, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() == StateOpen {
				c.readErr = err
				if netutil.IsExpectedCloseError(err) {
					c.logger.Info("tunnel peer closed the connection", "error", err)
				} else {
					c.logger.Warn("reading from transport", "error", err)
				}
				c.requestClose(fmt.Sprintf("read failed: %v", err))
			}
			return
		}

		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err, "length", len(frame))
			if c.logger.Enabled(ctx, slog.LevelDebug) {
				if diagnostic, diagErr := codec.Diagnose(frame); diagErr == nil {
					c.logger.Debug("malformed envelope contents", "cbor", diagnostic)
				}
			}
			continue
		}

		switch envelope.Method {
		case MethodServerMessage:
			if !c.handleServerMessage(ctx, envelope) {
				return
			}

		case MethodServerClose:
			params, err := DecodeParams[ServerCloseParams](envelope)
			if err != nil {
				c.logger.Warn("dropping malformed bridge close", "error", err)
				continue
			}
			c.closeRemoteBridge(params.I)

		default:
			c.logger.Debug("ignoring envelope", "method", envelope.Method)
		}
	}
}

// handleServerMessage decodes one data-plane envelope and queues it for
// its bridge. It returns false when the inbound stream can no longer be
// trusted and the reader must stop.
func (c *Connection) handleServerMessage(ctx context.Context, envelope Envelope) bool {
	params, err := DecodeParams[ServerMessageParams](envelope)
	if err != nil {
		c.logger.Warn("dropping malformed bridge message", "error", err)
		return true
	}

	data, err := c.decoder.Decode(params.Body)
	if err != nil {
		c.metrics.transformFailed(directionInbound)
		if errors.Is(err, ErrUnexpectedEndOfStream) {
			c.logger.Error("peer ended its compressed stream", "bridge", params.I, "error", err)
		} else {
			c.logger.Warn("decompressing bridge message", "bridge", params.I, "error", err)
		}
		c.requestClose(fmt.Sprintf("decompress message for bridge %d: %v", params.I, err))
		return false
	}
	c.metrics.observePayload(directionInbound, len(data), len(params.Body))

	if c.decoder.decompressor != nil {
		data = bytes.Clone(data)
	}
	c.deliver(ctx, params.I, data)
	return true
}

// requestClose enqueues a CloseWith on behalf of the reader or a
// bridge. A connection that is already closing needs nothing more.
func (c *Connection) requestClose(reason string) {
	if err := c.Close(reason); err != nil && !errors.Is(err, ErrChannelClosed) {
		c.logger.Warn("requesting close", "reason", reason, "error", err)
	}
}
