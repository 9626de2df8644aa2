package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Events      *prometheus.CounterVec
	Rows        *prometheus.CounterVec
	Compiles    prometheus.Counter
	Diagnostics prometheus.Counter
	Views       prometheus.Gauge
	Subscribers prometheus.Gauge
	Quiesce     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn",
			Name:      "events_total",
			Help:      "Events processed, by outcome.",
		}, []string{"outcome"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn",
			Name:      "rows_changed_total",
			Help:      "Materialized rows inserted or removed across all views.",
		}, []string{"direction"}),
		Compiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tarn",
			Name:      "compiles_total",
			Help:      "Flow recompilations triggered by schema edits.",
		}),
		Diagnostics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tarn",
			Name:      "diagnostics_total",
			Help:      "Per-row evaluation errors.",
		}),
		Views: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tarn",
			Name:      "views",
			Help:      "Views in the current flow.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tarn",
			Name:      "subscribers",
			Help:      "Open change subscriptions.",
		}),
		Quiesce: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tarn",
			Name:      "quiesce_seconds",
			Help:      "Time to apply one event and run to quiescence.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Rows, m.Compiles, m.Diagnostics, m.Views, m.Subscribers, m.Quiesce)
	}
	return m
}
