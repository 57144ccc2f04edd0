package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// observation engine.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec // labels: outcome={success,error}
	ProceduresServed *prometheus.CounterVec // labels: kind={physical,virtual}
	DerivationErrors prometheus.Counter
	RequestDuration  prometheus.Histogram
	RowsReturned     prometheus.Histogram

	// Derived-series export metrics.
	SeriesExported prometheus.Counter
	ExportErrors   prometheus.Counter
	ExportEnabled  prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sos_engine",
			Name:      "requests_total",
			Help:      "Observation requests by outcome.",
		}, []string{"outcome"}),
		ProceduresServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sos_engine",
			Name:      "procedures_served_total",
			Help:      "Procedures resolved per request, by kind.",
		}, []string{"kind"}),
		DerivationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sos_engine",
			Name:      "derivation_errors_total",
			Help:      "Total virtual-procedure computation failures.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sos_engine",
			Name:      "request_duration_seconds",
			Help:      "Duration of a complete observation request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RowsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sos_engine",
			Name:      "rows_returned",
			Help:      "Number of result rows per served procedure.",
			Buckets:   []float64{0, 10, 100, 1000, 10000, 100000},
		}),
		SeriesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sos_engine",
			Name:      "series_exported_total",
			Help:      "Derived series published to the export topic.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sos_engine",
			Name:      "export_errors_total",
			Help:      "Failed derived-series export attempts.",
		}),
		ExportEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sos_engine",
			Name:      "export_enabled",
			Help:      "1 when derived-series export is enabled, 0 otherwise.",
		}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.ProceduresServed,
		m.DerivationErrors,
		m.RequestDuration,
		m.RowsReturned,
		m.SeriesExported,
		m.ExportErrors,
		m.ExportEnabled,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RequestsTotal:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sos_engine", Name: "requests_total"}, []string{"outcome"}),
		ProceduresServed: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sos_engine", Name: "procedures_served_total"}, []string{"kind"}),
		DerivationErrors: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "sos_engine", Name: "derivation_errors_total"}),
		RequestDuration:  prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "sos_engine", Name: "request_duration_seconds"}),
		RowsReturned:     prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "sos_engine", Name: "rows_returned"}),
		SeriesExported:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "sos_engine", Name: "series_exported_total"}),
		ExportErrors:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "sos_engine", Name: "export_errors_total"}),
		ExportEnabled:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "sos_engine", Name: "export_enabled"}),
	}
}
