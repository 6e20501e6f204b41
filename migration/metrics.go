package migration

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "outages"
	subsystem = "migration"
)

// Metrics are the collectors an Engine updates.
type Metrics struct {
	Keys          *prometheus.CounterVec
	SchemaVersion prometheus.Gauge
	StepDuration  *prometheus.HistogramVec
}

// NewMetrics returns unregistered migration collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keys_total",
			Help:      "Count of keys visited by migration steps, by outcome",
		}, []string{"step", "outcome"}),

		SchemaVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "schema_version",
			Help:      "Schema version of the key space after the last completed step",
		}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Histogram of times spent running a migration step",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 9),
		}, []string{"step"}),
	}
}

// PrometheusCollectors returns every collector of m.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Keys,
		m.SchemaVersion,
		m.StepDuration,
	}
}
