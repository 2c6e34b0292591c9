package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the coordinator.
type Metrics struct {
	Outcomes          *prometheus.CounterVec
	BootstrapDuration prometheus.Histogram
}

// NewMetrics registers coordinator metrics on the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monios",
			Subsystem: "sandbox",
			Name:      "coordinator_outcomes_total",
			Help:      "Coordinator outcomes: created, claim_won, claim_lost, publish_lost, stale_reclaimed, create_failed, bootstrap_failed, terminated.",
		}, []string{"outcome"}),
		BootstrapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monios",
			Subsystem: "sandbox",
			Name:      "bootstrap_duration_seconds",
			Help:      "Time from sandbox create to healthy agent.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}
	reg.MustRegister(m.Outcomes, m.BootstrapDuration)
	return m
}
