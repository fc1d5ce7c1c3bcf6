package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	m.RunStarted()
	m.UnitStarted()
	m.KeyProcessed("orders", time.Millisecond)
	m.KeyProcessed("orders", time.Millisecond)
	m.KeyFailed("orders", "DeserializationError")
	m.Deserialized()
	m.UnitFinished("COMPLETED_WITH_ERRORS", 10*time.Millisecond)
	m.UnitCancelled()
	m.LeaseFailed()
	m.ReportPersisted()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveUnits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeysProcessedTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeysFailedTotal.WithLabelValues("orders", "DeserializationError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsTotal.WithLabelValues("COMPLETED_WITH_ERRORS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsTotal.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeserializationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CancelledUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsPersisted))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.UnitStarted()
		m.UnitFinished("COMPLETED", time.Second)
		m.UnitCancelled()
		m.LeaseFailed()
		m.KeyProcessed("s", time.Second)
		m.KeyFailed("s", "k")
		m.Deserialized()
		m.ReportPersisted()
	})
}
