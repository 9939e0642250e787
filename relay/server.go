// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/tunnelrelay/lib/netutil"
	"github.com/bureau-foundation/tunnelrelay/transport"
	"github.com/bureau-foundation/tunnelrelay/tunnel"
)

// Paths served by the relay's HTTP handler.
const (
	TunnelPath  = "/tunnel"
	MetricsPath = "/metrics"
	HealthPath  = "/healthz"
)

// CompressQuery is the query parameter a client uses on TunnelPath to
// choose the connection's compression mode.
const CompressQuery = "compress"

// Config configures a Server.
type Config struct {
	// Target is where server-role bridges connect: "tcp://host:port" or
	// "unix:///path". Required.
	Target string

	// Compression is the mode used when a client does not ask for one.
	Compression tunnel.CompressionMode

	// MaxMessageSize bounds transport frames and the compression
	// scratch buffers. Zero means tunnel.DefaultMaxMessageSize.
	MaxMessageSize int

	// SignalCapacity and BridgeQueueCapacity are passed to every
	// tunnel connection. Zero selects the tunnel defaults.
	SignalCapacity      int
	BridgeQueueCapacity int

	// ChunkSize is the read size for bridge target connections. Zero
	// selects the tunnel default.
	ChunkSize int

	// Version is reported by the health endpoint.
	Version string

	// Registry collects the relay's metrics and backs MetricsPath. If
	// nil a fresh registry is created.
	Registry *prometheus.Registry

	// Logger receives structured log output. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Health is the document served on HealthPath.
type Health struct {
	Status        string  `json:"status"`
	Version       string  `json:"version,omitempty"`
	Connections   int64   `json:"connections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Server accepts tunnel connections and runs each one in the server
// role, dialing Target for every bridge the client opens.
type Server struct {
	config   Config
	dial     func(ctx context.Context) (net.Conn, error)
	registry *prometheus.Registry
	metrics  *tunnel.Metrics
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	active atomic.Int64

	// mu orders connections.Add against Shutdown's Wait: once closing
	// is set no connection is added.
	mu          sync.Mutex
	closing     bool
	connections sync.WaitGroup
}

// NewServer validates config and builds a Server. The server's metrics
// are registered on config.Registry.
func NewServer(config Config) (*Server, error) {
	if config.Target == "" {
		return nil, errors.New("relay: Target is required")
	}
	dial, err := transport.TargetDialFunc(config.Target)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = tunnel.DefaultMaxMessageSize
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		dial:     dial,
		registry: registry,
		metrics:  tunnel.NewMetrics(tunnel.WithRegistry(registry)),
		upgrader: transport.NewUpgrader(),
		logger:   logger,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(TunnelPath, s.handleTunnel)
	router.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	router.Get(HealthPath, s.handleHealth)
	return router
}

// Serve serves the HTTP routes on listener until ctx is cancelled, then
// closes every tunnel connection and waits for them to finish.
func (s *Server) Serve(ctx context.Context, listener transport.Listener) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	s.logger.Info("relay listening", "address", listener.Address(), "target", s.config.Target)
	err := listener.Serve(ctx, s.Handler())
	s.Shutdown()
	return err
}

// ServeFramed accepts raw stream connections on listener and runs a
// length-prefixed tunnel connection on each, using the configured
// compression mode. It returns when ctx is cancelled or the listener
// fails.
func (s *Server) ServeFramed(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.cancel()
		listener.Close()
	})
	defer stop()

	s.logger.Info("relay accepting framed connections", "address", listener.Addr())
	for {
		connection, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				s.Shutdown()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.Shutdown()
				return nil
			}
			return fmt.Errorf("accepting framed connection: %w", err)
		}

		if !s.track() {
			connection.Close()
			listener.Close()
			return nil
		}
		go func() {
			defer s.connections.Done()
			framed := transport.NewFramed(connection, s.config.MaxMessageSize)
			s.runConnection(framed, s.config.Compression, connection.RemoteAddr())
		}()
	}
}

// Shutdown closes every tunnel connection with a "shutting down" reason
// and waits for them to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.cancel()
	s.mu.Unlock()
	s.connections.Wait()
}

// track registers a new tunnel connection. It returns false once
// Shutdown has begun, in which case the caller must not run it.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.ctx.Err() != nil {
		return false
	}
	s.connections.Add(1)
	return true
}

// Connections reports how many tunnel connections are running.
func (s *Server) Connections() int64 { return s.active.Load() }

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	mode := s.config.Compression
	if requested := r.URL.Query().Get(CompressQuery); requested != "" {
		parsed, err := tunnel.ParseCompressionMode(requested)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = parsed
	}
	if !s.track() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.connections.Done()

	ws, err := transport.AcceptWebSocket(s.upgrader, w, r, s.config.MaxMessageSize)
	if err != nil {
		s.logger.Warn("tunnel upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.runConnection(ws, mode, ws.RemoteAddr())
}

// runConnection runs one server-role tunnel connection to completion.
func (s *Server) runConnection(t tunnel.Transport, mode tunnel.CompressionMode, remote net.Addr) {
	logger := s.logger.With("remote_addr", remote)
	connection, err := tunnel.NewConnection(tunnel.Config{
		Transport:           t,
		Compression:         mode,
		Role:                tunnel.RoleServer,
		Dial:                s.dial,
		SignalCapacity:      s.config.SignalCapacity,
		BridgeQueueCapacity: s.config.BridgeQueueCapacity,
		MaxMessageSize:      s.config.MaxMessageSize,
		ChunkSize:           s.config.ChunkSize,
		Metrics:             s.metrics,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("creating tunnel connection", "error", err)
		t.Close()
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	logger.Info("tunnel connected")
	err = connection.Run(s.ctx)
	if err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Warn("tunnel connection failed", "error", err)
		return
	}
	logger.Info("tunnel disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Health{
		Status:        "ok",
		Version:       s.config.Version,
		Connections:   s.Connections(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}
