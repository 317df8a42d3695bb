package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention sweeper.
type Metrics struct {
	SweepsTotal   prometheus.Counter
	SweepFailures prometheus.Counter
	RowsPruned    prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Total retention sweeps completed.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "retention",
			Name:      "sweep_failures_total",
			Help:      "Total retention sweeps that failed.",
		}),
		RowsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "retention",
			Name:      "log_rows_pruned_total",
			Help:      "Total execution log rows removed by retention sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each retention sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepFailures,
		m.RowsPruned,
		m.SweepDuration,
	)

	return m
}
