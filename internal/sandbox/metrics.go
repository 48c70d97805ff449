package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the lifecycle manager.
type Metrics struct {
	Active            prometheus.Gauge
	Created           *prometheus.CounterVec
	Destroyed         *prometheus.CounterVec
	Statements        *prometheus.CounterVec
	StatementDuration prometheus.Histogram
	SweepDuration     prometheus.Histogram
}

// NewMetrics creates and registers sandbox metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently initializing or ready.",
		}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Sandbox creation attempts by result.",
		}, []string{"result"}),
		Destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "destroyed_total",
			Help:      "Sandboxes torn down by reason.",
		}, []string{"reason"}),
		Statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "statements_total",
			Help:      "Statements submitted to sandboxes by result.",
		}, []string{"result"}),
		StatementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "statement_duration_seconds",
			Help:      "Engine time spent on sandbox statements.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nsbox",
			Subsystem: "sandbox",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each expiry sweep.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Active,
		m.Created,
		m.Destroyed,
		m.Statements,
		m.StatementDuration,
		m.SweepDuration,
	)

	return m
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.Active.Set(float64(n))
	}
}

func (m *Metrics) created(result string) {
	if m != nil {
		m.Created.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) destroyed(reason string) {
	if m != nil {
		m.Destroyed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) statement(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Statements.WithLabelValues(result).Inc()
	if d > 0 {
		m.StatementDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) sweep(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}
