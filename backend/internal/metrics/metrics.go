package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_http_requests_total",
			Help: "HTTP requests processed, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// OperationsSubmitted counts submit outcomes: applied, rejected, error.
	OperationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_operations_submitted_total",
			Help: "Operations submitted, by outcome.",
		},
		[]string{"outcome"},
	)

	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collab_submit_duration_seconds",
			Help:    "Time from receiving an operation to its durable append.",
			Buckets: prometheus.DefBuckets,
		},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_conflicts_total",
			Help: "Transform conflicts, by type and resolution.",
		},
		[]string{"type", "resolution"},
	)

	LockRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_lock_requests_total",
			Help: "Lock acquisitions, by lock type and result.",
		},
		[]string{"lock_type", "result"},
	)

	LocksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_locks_expired_total",
			Help: "Locks released by the expiry sweep.",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_presence_transitions_total",
			Help: "Presence status transitions made by joins, leaves and sweeps.",
		},
		[]string{"to"},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_websocket_connections",
			Help: "Open websocket connections on this instance.",
		},
	)

	BroadcastPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_broadcast_published_total",
			Help: "Envelopes published to the pub/sub fabric, by topic and result.",
		},
		[]string{"topic", "result"},
	)

	KafkaEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_kafka_events_total",
			Help: "Graph events handed to Kafka, by result (sent, dropped).",
		},
		[]string{"result"},
	)
)

// GinMiddleware records request count and latency per matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
