package metrics

import "github.com/prometheus/client_golang/prometheus"

// Connection outcome labels for ConnectionsTotal.
const (
	ResultAccepted      = "accepted"
	ResultUpgradeFailed = "upgrade_failed"
	ResultDuplicateID   = "duplicate_id"
)

// Delivery outcome labels for Deliveries.
const (
	DeliveryOK     = "delivered"
	DeliveryFailed = "failed"
)

// WebSocketMetrics holds Prometheus metrics for WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram
	MessagesRouted      *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	SlowConsumers       prometheus.Counter
	PingFailures        prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of registered WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "WebSocket connection attempts by listener and result.",
		}, []string{"listener", "result"}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_rejected_total",
			Help:      "WebSocket connections rejected before upgrade, by reason.",
		}, []string{"reason"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of registered WebSocket connections.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_routed_total",
			Help:      "Inbound messages by classification.",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast deliveries to peer connections by result.",
		}, []string{"result"}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_consumers_total",
			Help:      "Messages dropped because a connection's send buffer was full.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Keepalive pings that could not be written.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.ConnectionsRejected,
		m.ConnectionDuration,
		m.MessagesRouted,
		m.Deliveries,
		m.SlowConsumers,
		m.PingFailures,
	)
	return m
}
