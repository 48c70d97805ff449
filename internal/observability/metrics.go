package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds process-wide Prometheus metrics for nsbox.
// Uses a custom registry, no global state. Lifecycle metrics are
// registered on the same registry by sandbox.NewMetrics.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Engine metrics.
	EngineStatementsTotal   *prometheus.CounterVec
	EngineStatementDuration *prometheus.HistogramVec
	EngineRowsReturned      prometheus.Counter

	// HTTP operator metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, alongside Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EngineStatementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "engine",
			Name:      "statements_total",
			Help:      "Total statements sent to the engine.",
		}, []string{"status"}),

		EngineStatementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nsbox",
			Subsystem: "engine",
			Name:      "statement_duration_seconds",
			Help:      "Engine round-trip duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"status"}),

		EngineRowsReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "engine",
			Name:      "rows_returned_total",
			Help:      "Total rows returned to callers after the row cap.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nsbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsbox",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EngineStatementsTotal,
		m.EngineStatementDuration,
		m.EngineRowsReturned,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry, or nil when m is nil.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
