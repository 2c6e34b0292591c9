package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the queue manager.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
}

// NewMetrics registers queue metrics on the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monios",
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Queue outcomes: queued, completed, cancelled, flushed, dropped, error, cancel_requested.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monios",
			Subsystem: "queue",
			Name:      "turn_duration_seconds",
			Help:      "Agent turn duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
	}
	reg.MustRegister(m.MessagesTotal, m.TurnDuration)
	return m
}
