// Package metrics exposes Prometheus collectors for the cluster frame-sync
// protocol and a small HTTP router serving them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Swap kinds recorded by SwapPerformed.
const (
	SwapGated    = "gated"    // SwapNow received from the coordinator
	SwapFallback = "fallback" // no live peer, swapped locally
	SwapTimeout  = "timeout"  // SwapNow did not arrive within the swap timeout
)

// Connection events recorded by ConnectionEvent.
const (
	ConnAccepted   = "accepted"
	ConnSuperseded = "superseded"
	ConnClosed     = "closed"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "clustersync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for swap barrier waits.
	Buckets []float64

	// Registry is where collectors are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics, typically the node name.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "clustersync",
		// Frame-scale buckets: 1ms up to ~4s.
		Buckets:  prometheus.ExponentialBuckets(0.001, 2, 13),
		Registry: prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can take it as an optional dependency.
type Metrics struct {
	datagrams          *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	swaps              *prometheus.CounterVec
	connections        *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	adminCommands      *prometheus.CounterVec
	readyNotices       prometheus.Counter
	peerConnected      prometheus.Gauge
	barrierWait        prometheus.Histogram
}

// New creates and registers the collectors. It panics if registration fails,
// as promauto does; use a fresh registry per instance in tests.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "datagrams_received_total",
			Help:        "Datagrams dispatched, by message type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_errors_total",
			Help:        "Datagrams dropped because they failed to decode",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		swaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "swaps_total",
			Help:        "Buffer swaps performed, by how they were triggered",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_events_total",
			Help:        "Peer connection lifecycle events",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		protocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "protocol_violations_total",
			Help:        "Well-formed datagrams received out of protocol order",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		adminCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "admin_commands_total",
			Help:        "Administrative commands received, by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		readyNotices: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "ready_notices_total",
			Help:        "Server ready notices accepted by the daemon",
			ConstLabels: config.ConstLabels,
		}),

		peerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "peer_connected",
			Help:        "1 while a coordinator connection is active",
			ConstLabels: config.ConstLabels,
		}),

		barrierWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "swap_barrier_wait_seconds",
			Help:        "Time between sending SwapReady and swapping",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// DatagramReceived counts a decoded datagram by message type.
func (m *Metrics) DatagramReceived(msgType string) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(msgType).Inc()
}

// DecodeError counts a dropped datagram by decode failure reason.
func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

// SwapPerformed counts a buffer swap by kind (SwapGated, SwapFallback or
// SwapTimeout).
func (m *Metrics) SwapPerformed(kind string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(kind).Inc()
}

// ConnectionEvent records a lifecycle event and keeps the peer_connected gauge
// in step with it.
func (m *Metrics) ConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(event).Inc()

	switch event {
	case ConnAccepted:
		m.peerConnected.Set(1)
	case ConnClosed:
		m.peerConnected.Set(0)
	}
}

// ProtocolViolation counts an out-of-order or unexpected message.
func (m *Metrics) ProtocolViolation(msgType string) {
	if m == nil {
		return
	}
	m.protocolViolations.WithLabelValues(msgType).Inc()
}

// AdminCommand counts an admin command by result.
func (m *Metrics) AdminCommand(result string) {
	if m == nil {
		return
	}
	m.adminCommands.WithLabelValues(result).Inc()
}

// ReadyNotice counts a ready notice accepted by the daemon.
func (m *Metrics) ReadyNotice() {
	if m == nil {
		return
	}
	m.readyNotices.Inc()
}

// BarrierWait observes how long a swap barrier took to release.
func (m *Metrics) BarrierWait(d time.Duration) {
	if m == nil {
		return
	}
	m.barrierWait.Observe(d.Seconds())
}
