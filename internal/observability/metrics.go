package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the gateway-level Prometheus metrics and the
// shared registry. Component metrics (coordinator, queue) register their
// own collectors on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// WebSocket gateway metrics.
	WSConnections prometheus.Gauge
	WSEventsTotal *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monios",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "monios",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "monios",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently connected WebSocket clients.",
		}),

		WSEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monios",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Events pushed to WebSocket clients.",
		}, []string{"type"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "monios",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WSConnections,
		m.WSEventsTotal,
		m.ActiveRequests,
	)

	return m
}
