package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	require.Len(t, sum.DataPoints, 1)
	return sum.DataPoints[0].Value
}

func gaugeValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	g, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "metric %s is not an int64 gauge", m.Name)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

func TestRecordSearchCountsOnePerCall(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMeterMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSearch(ctx, 25*time.Millisecond, nil)

	metrics := collect(t, reader)
	require.Contains(t, metrics, "tribrid_search_requests_total")
	assert.Equal(t, int64(1), counterValue(t, metrics["tribrid_search_requests_total"]))
	assert.NotContains(t, metrics, "tribrid_search_errors_total",
		"error counter must not appear before the first error")

	m.RecordSearch(ctx, 10*time.Millisecond, errors.New("boom"))
	m.RecordSearch(ctx, 5*time.Millisecond, nil)

	metrics = collect(t, reader)
	assert.Equal(t, int64(3), counterValue(t, metrics["tribrid_search_requests_total"]))
	assert.Equal(t, int64(1), counterValue(t, metrics["tribrid_search_errors_total"]))

	hist, ok := metrics["tribrid_search_latency_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count)
}

func TestRecordLegRoutesByName(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMeterMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordLeg(ctx, LegVector, 12*time.Millisecond)
	m.RecordLeg(ctx, LegSparse, 8*time.Millisecond)
	m.RecordLeg(ctx, LegSparse, 9*time.Millisecond)
	m.RecordLeg(ctx, LegGraph, 30*time.Millisecond)
	m.RecordLeg(ctx, "bogus", time.Second)

	metrics := collect(t, reader)
	for name, want := range map[string]uint64{
		"tribrid_vector_leg_latency_seconds": 1,
		"tribrid_sparse_leg_latency_seconds": 2,
		"tribrid_graph_leg_latency_seconds":  1,
	} {
		hist, ok := metrics[name].Data.(metricdata.Histogram[float64])
		require.True(t, ok, "missing histogram %s", name)
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, want, hist.DataPoints[0].Count, name)
	}
}

func TestCorpusTotalsGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMeterMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.SetCorpusTotals(ctx, 1200, 340, 780)
	m.SetCorpusTotals(ctx, 1250, 350, 800)
	m.RecordIndexRun(ctx)
	m.RecordIndexRun(ctx)

	metrics := collect(t, reader)
	assert.Equal(t, int64(1250), gaugeValue(t, metrics["tribrid_chunks_indexed_current"]))
	assert.Equal(t, int64(350), gaugeValue(t, metrics["tribrid_graph_entities_current"]))
	assert.Equal(t, int64(800), gaugeValue(t, metrics["tribrid_graph_relationships_current"]))
	assert.Equal(t, int64(2), counterValue(t, metrics["tribrid_index_runs_total"]))
}

func TestGlobalMetricsDefaultsToNoop(t *testing.T) {
	m := GetGlobalMetrics()
	require.NotNil(t, m)

	// Noop recorder must be safe to call.
	m.RecordSearch(context.Background(), time.Millisecond, nil)
	m.RecordLeg(context.Background(), LegVector, time.Millisecond)

	set, err := NewMeterMetrics(sdkmetric.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	SetGlobalMetrics(set)
	t.Cleanup(func() { SetGlobalMetrics(NoopMetrics{}) })
	assert.Same(t, set, GetGlobalMetrics())
}
