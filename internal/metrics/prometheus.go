package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for split-brain merges.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Run-level metrics
	RunsTotal          prometheus.Counter
	UnitsTotal         *prometheus.CounterVec
	UnitDuration       prometheus.Histogram
	ActiveUnits        prometheus.Gauge
	ReportsPersisted   prometheus.Counter
	CancelledUnits     prometheus.Counter
	LeaseFailuresTotal prometheus.Counter

	// Key-level metrics
	KeysProcessedTotal    *prometheus.CounterVec
	KeysFailedTotal       *prometheus.CounterVec
	DeserializationsTotal prometheus.Counter
	PolicyDuration        prometheus.Histogram
}

// NewMetrics creates and registers all merge metrics on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "runs_total",
			Help:        "Total number of merge runs",
			ConstLabels: labels,
		}),
		UnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "units_total",
			Help:        "Total number of structure merges by final state",
			ConstLabels: labels,
		}, []string{"state"}),
		UnitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "unit_duration_seconds",
			Help:        "Histogram of structure merge durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),
		ActiveUnits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "active_units",
			Help:        "Number of structure merges currently running",
			ConstLabels: labels,
		}),
		ReportsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "reports_persisted_total",
			Help:        "Total number of merge reports written to the report store",
			ConstLabels: labels,
		}),
		CancelledUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "cancelled_units_total",
			Help:        "Total number of structure merges skipped by cancellation",
			ConstLabels: labels,
		}),
		LeaseFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "lease_failures_total",
			Help:        "Total number of structure lease acquisition failures",
			ConstLabels: labels,
		}),
		KeysProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "keys_processed_total",
			Help:        "Total number of keys merged",
			ConstLabels: labels,
		}, []string{"structure"}),
		KeysFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "keys_failed_total",
			Help:        "Total number of keys that failed to merge by error kind",
			ConstLabels: labels,
		}, []string{"structure", "kind"}),
		DeserializationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "deserializations_total",
			Help:        "Total number of values deserialized on behalf of merge policies",
			ConstLabels: labels,
		}),
		PolicyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "merge",
			Name:        "policy_duration_seconds",
			Help:        "Histogram of merge policy call durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsTotal.Inc()
}

func (m *Metrics) UnitStarted() {
	if m == nil {
		return
	}
	m.ActiveUnits.Inc()
}

func (m *Metrics) UnitFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveUnits.Dec()
	m.UnitsTotal.WithLabelValues(state).Inc()
	m.UnitDuration.Observe(d.Seconds())
}

func (m *Metrics) UnitCancelled() {
	if m == nil {
		return
	}
	m.CancelledUnits.Inc()
	m.UnitsTotal.WithLabelValues("PENDING").Inc()
}

func (m *Metrics) LeaseFailed() {
	if m == nil {
		return
	}
	m.LeaseFailuresTotal.Inc()
}

func (m *Metrics) KeyProcessed(structure string, policyTime time.Duration) {
	if m == nil {
		return
	}
	m.KeysProcessedTotal.WithLabelValues(structure).Inc()
	m.PolicyDuration.Observe(policyTime.Seconds())
}

func (m *Metrics) KeyFailed(structure, kind string) {
	if m == nil {
		return
	}
	m.KeysFailedTotal.WithLabelValues(structure, kind).Inc()
}

func (m *Metrics) Deserialized() {
	if m == nil {
		return
	}
	m.DeserializationsTotal.Inc()
}

func (m *Metrics) ReportPersisted() {
	if m == nil {
		return
	}
	m.ReportsPersisted.Inc()
}
