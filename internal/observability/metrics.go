package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
		[]string{"namespace"},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of server events written to WebSocket connections",
		},
		[]string{"namespace", "event"},
	)

	WebSocketSendDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_send_dropped_total",
			Help: "Outbound events dropped because a connection's queue was full",
		},
		[]string{"namespace"},
	)

	// Session metrics
	SessionStoreOperations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_store_operation_duration_seconds",
			Help:    "Session store round-trip latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"operation", "result"},
	)

	SessionStoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_store_degraded",
			Help: "1 while the session store is unreachable and requests are served as anonymous",
		},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Sessions created, by kind",
		},
		[]string{"kind"},
	)

	SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_destroyed_total",
			Help: "Sessions destroyed, by reason",
		},
		[]string{"reason"},
	)

	CSRFFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_failures_total",
			Help: "Rejected CSRF tokens by reason",
		},
		[]string{"reason"},
	)

	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events logged, by event name",
		},
		[]string{"event"},
	)

	// Notification metrics
	NotificationsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_routed_total",
			Help: "Notifications routed, by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Delivery attempts by priority and result",
		},
		[]string{"priority", "result"},
	)

	AckRoundTrip = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_ack_round_trip_seconds",
			Help:    "Time from send to client acknowledgment",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"priority"},
	)

	DeliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Retries scheduled after an acknowledgment timeout",
		},
		[]string{"priority"},
	)

	DeliveryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_exhausted_total",
			Help: "Connections whose retry budget ran out",
		},
		[]string{"priority"},
	)

	FallbackDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_fallback_dispatches_total",
			Help: "Out-of-band fallback sends, by result",
		},
		[]string{"priority", "result"},
	)

	OfflineEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_notifications_enqueued_total",
			Help: "Notifications persisted for offline users",
		},
		[]string{"priority"},
	)

	OfflineFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_notifications_flushed_total",
			Help: "Offline notifications delivered on reconnect",
		},
	)

	OfflineSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_notifications_swept_total",
			Help: "Offline notifications removed by the retention sweep",
		},
	)

	// Database metrics
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)
)
