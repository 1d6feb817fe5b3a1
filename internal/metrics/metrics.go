package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feed_data"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Realtime holds metrics for the hub, the WebSocket connections and the
// database notification listener.
type Realtime struct {
	HubSubscribers      prometheus.Gauge
	HubPublished        prometheus.Counter
	HubOverflowDrops    prometheus.Counter
	ActiveConnections   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	FramesRejected      *prometheus.CounterVec
	FramesRepublished   prometheus.Counter
	Notifications       prometheus.Counter
	ListenerReconnects  prometheus.Counter
}

// NewRealtime creates and registers realtime metrics on the given registry.
func NewRealtime(reg prometheus.Registerer) *Realtime {
	m := &Realtime{
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of active hub subscriptions.",
		}),
		HubPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Total number of messages published to the hub.",
		}),
		HubOverflowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "overflow_drops_total",
			Help:      "Messages evicted from a full subscriber buffer (slow consumer).",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_rejected_total",
			Help:      "Upgrade requests refused because the connection limit was reached.",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames not re-broadcast, by reason.",
		}, []string{"reason"}),
		FramesRepublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_republished_total",
			Help:      "Inbound frames from trusted producers published to the hub.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "notifications_total",
			Help:      "Database notifications forwarded to the hub.",
		}),
		ListenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Notification session failures followed by a reconnect attempt.",
		}),
	}

	reg.MustRegister(
		m.HubSubscribers, m.HubPublished, m.HubOverflowDrops,
		m.ActiveConnections, m.ConnectionsTotal, m.ConnectionsRejected,
		m.FramesRejected, m.FramesRepublished,
		m.Notifications, m.ListenerReconnects,
	)
	return m
}

// NewNopRealtime returns realtime metrics registered on a throwaway registry.
func NewNopRealtime() *Realtime {
	return NewRealtime(prometheus.NewRegistry())
}

// HTTP holds Prometheus metrics for query API request tracking.
type HTTP struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
	// StoreBreaker is 0 closed, 1 half-open, 2 open.
	StoreBreaker prometheus.Gauge
}

// NewHTTP creates and registers HTTP metrics on the given registry.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
		StoreBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "breaker_state",
			Help:      "Instrument store circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge, m.StoreBreaker)
	return m
}

// Middleware returns a Gin middleware that records HTTP metrics.
// It skips /metrics and /health.
func (m *HTTP) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		route := ctx.FullPath()
		if route == "/metrics" || route == "/health" {
			ctx.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		m.InFlightGauge.Inc()
		defer m.InFlightGauge.Dec()

		start := time.Now()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		m.RequestDuration.WithLabelValues(ctx.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(ctx.Request.Method, route, status).Inc()
	}
}
