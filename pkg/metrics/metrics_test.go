package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSnapshotSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveSnapshot("tagging", 12, 3, 2.5, 2, 4)

	assert.Equal(t, float64(12), testutil.ToFloat64(r.QueueDepth.WithLabelValues("tagging")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.ActiveClaims.WithLabelValues("tagging")))
	assert.Equal(t, 2.5, testutil.ToFloat64(r.VRAMUsedGB.WithLabelValues("tagging")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.WorkersActive.WithLabelValues("tagging")))
	assert.Equal(t, float64(4), testutil.ToFloat64(r.WorkersTotal.WithLabelValues("tagging")))
}

func TestCountersAreIndependentPerPipeline(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ProcessedTotal.WithLabelValues("tagging").Add(5)
	r.ProcessedTotal.WithLabelValues("captioning").Add(2)

	assert.Equal(t, float64(5), testutil.ToFloat64(r.ProcessedTotal.WithLabelValues("tagging")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.ProcessedTotal.WithLabelValues("captioning")))
}

func TestNewRegistersEveryMetricOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { New(reg) })
}

func TestIncHelpersIgnoreZeroAndNegativeDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.IncProcessed("tagging", 0)
	r.IncFailed("tagging", -1)
	r.IncSkipped("tagging", 3)

	assert.Equal(t, float64(0), testutil.ToFloat64(r.ProcessedTotal.WithLabelValues("tagging")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.FailedTotal.WithLabelValues("tagging")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.SkippedTotal.WithLabelValues("tagging")))
}

func TestSetCircuitBreakerTogglesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetCircuitBreaker("captioning", "0", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.CircuitBreakers.WithLabelValues("captioning", "0")))

	r.SetCircuitBreaker("captioning", "0", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.CircuitBreakers.WithLabelValues("captioning", "0")))
}
