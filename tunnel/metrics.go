// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

// Metrics holds the Prometheus collectors shared by every connection
// of a process. A nil *Metrics records nothing.
type Metrics struct {
	signals            *prometheus.CounterVec
	droppedSignals     prometheus.Counter
	rawBytes           *prometheus.CounterVec
	wireBytes          *prometheus.CounterVec
	transformFailures  *prometheus.CounterVec
	openBridges        prometheus.Gauge
	connectionsByState *prometheus.GaugeVec
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace sets the metrics namespace (default "tunnel_relay").
func WithNamespace(namespace string) MetricsOption {
	return func(c *metricsConfig) { c.namespace = namespace }
}

// WithRegistry sets the registerer (default prometheus.DefaultRegisterer).
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *metricsConfig) { c.registry = registry }
}

// NewMetrics creates and registers the tunnel collectors. Registering
// twice against the same registry panics, as with promauto.
func NewMetrics(options ...MetricsOption) *Metrics {
	config := metricsConfig{
		namespace: "tunnel_relay",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, option := range options {
		option(&config)
	}
	factory := promauto.With(config.registry)

	return &Metrics{
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.namespace,
			Name:      "signals_total",
			Help:      "Signals handled by connection writers, by kind.",
		}, []string{"kind"}),

		droppedSignals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.namespace,
			Name:      "dropped_signals_total",
			Help:      "Signals discarded because they were queued after a close.",
		}),

		rawBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.namespace,
			Name:      "bridge_raw_bytes_total",
			Help:      "Bridge payload bytes before compression, by direction.",
		}, []string{"direction"}),

		wireBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.namespace,
			Name:      "bridge_wire_bytes_total",
			Help:      "Bridge payload bytes as carried on the wire, by direction.",
		}, []string{"direction"}),

		transformFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.namespace,
			Name:      "transform_failures_total",
			Help:      "Compression or decompression failures, by direction.",
		}, []string{"direction"}),

		openBridges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.namespace,
			Name:      "open_bridges",
			Help:      "Bridges currently open across all connections.",
		}),

		connectionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.namespace,
			Name:      "connections",
			Help:      "Connections by state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) signalHandled(kind SignalKind) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) signalsDropped(count int) {
	if m == nil || count == 0 {
		return
	}
	m.droppedSignals.Add(float64(count))
}

func (m *Metrics) observePayload(direction string, raw, wire int) {
	if m == nil {
		return
	}
	m.rawBytes.WithLabelValues(direction).Add(float64(raw))
	m.wireBytes.WithLabelValues(direction).Add(float64(wire))
}

func (m *Metrics) transformFailed(direction string) {
	if m == nil {
		return
	}
	m.transformFailures.WithLabelValues(direction).Inc()
}

func (m *Metrics) bridgeOpened() {
	if m == nil {
		return
	}
	m.openBridges.Inc()
}

func (m *Metrics) bridgeClosed() {
	if m == nil {
		return
	}
	m.openBridges.Dec()
}

func (m *Metrics) stateChanged(from, to ConnectionState) {
	if m == nil {
		return
	}
	if from != stateNone {
		m.connectionsByState.WithLabelValues(from.String()).Dec()
	}
	m.connectionsByState.WithLabelValues(to.String()).Inc()
}
