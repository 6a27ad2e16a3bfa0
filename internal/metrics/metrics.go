package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway and real-time transport.
var (
	// HTTP gateway metrics
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_requests_total",
		Help: "Total gateway requests by service and outcome status code",
	}, []string{"service", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gw_request_duration_seconds",
		Help:    "Gateway request duration including the downstream call",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"service"})

	RateLimitedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_rate_limited_requests_total",
		Help: "Requests rejected by the fixed-window rate limiter",
	}, []string{"service"})

	// Circuit breaker metrics
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gw_breaker_state",
		Help: "Circuit state per downstream service (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_breaker_trips_total",
		Help: "Times a service circuit transitioned from closed to open",
	}, []string{"service"})

	BreakerShortCircuits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_breaker_short_circuits_total",
		Help: "Requests failed fast because the circuit was open",
	}, []string{"service"})

	// Real-time connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_connections_total",
		Help: "Total WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_connections_failed_total",
		Help: "Total failed connection attempts (auth, throttle, overload)",
	})

	// Frame metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_messages_sent_total",
		Help: "Total frames sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_messages_received_total",
		Help: "Total frames received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_decode_errors_total",
		Help: "Inbound frames dropped because decrypt/decompress/parse failed",
	})

	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_heartbeat_timeouts_total",
		Help: "Connections force-closed after heartbeat staleness",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_rate_limited_messages_total",
		Help: "Inbound socket messages dropped by the per-client throttle",
	})

	DroppedBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ws_dropped_broadcasts_total",
		Help: "Broadcast frames dropped because a client send buffer was full",
	})

	// Event feed metrics
	FeedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_feed_messages_total",
		Help: "Event feed messages consumed by subject outcome",
	}, []string{"outcome"})

	FeedConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_feed_connected",
		Help: "Whether the event feed connection is up (1) or down (0)",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RateLimitedRequests,
		BreakerState,
		BreakerTrips,
		BreakerShortCircuits,
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		DecodeErrors,
		HeartbeatTimeouts,
		RateLimitedMessages,
		DroppedBroadcasts,
		FeedMessages,
		FeedConnected,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
