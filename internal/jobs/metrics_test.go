package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("overdue:sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("overdue:sweep").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("overdue:sweep", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("overdue:sweep", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("overdue:sweep")))
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveBankRow("matched")
	m.ObserveBankRow("matched")
	m.ObserveBankRow("")
	m.ObserveOverduePromotions("sales", 3)
	m.ObserveOverduePromotions("purchase", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.bankRows.WithLabelValues("matched")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.promotions.WithLabelValues("sales")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.promotions.WithLabelValues("purchase")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveBankRow("failed")
	m.ObserveOverduePromotions("sales", 1)
	require.NoError(t, m.Track("x").End(nil))
}
