package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the gateway.
// Scraped via /metrics (promhttp handler mounted by the server).
var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Total connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	ConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// Presence metrics
	UsersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_users_online",
		Help: "Current number of logical users with at least one registered connection",
	})

	// Message metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Total number of messages pushed to clients",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_dropped_total",
		Help: "Total messages dropped because a client send buffer was full",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_messages_total",
		Help: "Total inbound messages rejected by the per-connection rate ceiling",
	})

	// Delivery acknowledgment metrics
	AcksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_acks_pending",
		Help: "Current number of messages awaiting client acknowledgment",
	})

	AcksResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_acks_resolved_total",
		Help: "Total acknowledgments received and resolved",
	})

	AckRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ack_retries_total",
		Help: "Total re-delivery attempts for unacknowledged messages",
	})

	DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_deliveries_failed_total",
		Help: "Total messages that exhausted their retries without acknowledgment",
	})

	// Fanout bus metrics
	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fanout_published_total",
		Help: "Total messages published to the cluster bus",
	})

	FanoutReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fanout_received_total",
		Help: "Total messages received from the cluster bus",
	})

	FanoutErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fanout_errors_total",
		Help: "Total cluster bus publish/subscribe errors",
	})

	FanoutConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_fanout_connected",
		Help: "Whether the cluster bus connection is up (1) or degraded to local-only (0)",
	})
)
