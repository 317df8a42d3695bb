package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kestrel.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Action execution metrics.
	ActionExecutionsTotal   *prometheus.CounterVec
	ActionExecutionDuration *prometheus.HistogramVec

	// Sandbox network policy metrics.
	FetchRequestsTotal *prometheus.CounterVec

	// Authorization metrics.
	AuthChecksTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "action",
			Name:      "executions_total",
			Help:      "Total action executions.",
		}, []string{"trigger", "result"}),

		ActionExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "action",
			Name:      "execution_duration_seconds",
			Help:      "Action execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 10},
		}, []string{"trigger"}),

		FetchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sandbox",
			Name:      "fetch_requests_total",
			Help:      "Total fetch calls issued by scripts.",
		}, []string{"result"}),

		AuthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "auth",
			Name:      "checks_total",
			Help:      "Total authorization checks performed.",
		}, []string{"right", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ActionExecutionsTotal,
		m.ActionExecutionDuration,
		m.FetchRequestsTotal,
		m.AuthChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveActionExecution records one action invocation.
func (m *MetricsCollector) ObserveActionExecution(trigger string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.ActionExecutionsTotal.WithLabelValues(trigger, result).Inc()
	m.ActionExecutionDuration.WithLabelValues(trigger).Observe(d.Seconds())
}
