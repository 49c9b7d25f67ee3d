// Package observability wires the Prometheus metrics surface and the
// optional OTLP tracer. Metric names are part of the public contract
// and must stay low-cardinality: no per-corpus, per-query, or per-file
// labels.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Leg names accepted by RecordLeg.
const (
	LegVector = "vector"
	LegSparse = "sparse"
	LegGraph  = "graph"
)

// Metrics is the recording interface handed to the engine, handlers,
// and the stats refresher.
type Metrics interface {
	// RecordSearch counts one engine search and its end-to-end latency.
	// err marks searches that failed outright, not degraded ones.
	RecordSearch(ctx context.Context, duration time.Duration, err error)
	// RecordLeg records one leg execution latency.
	RecordLeg(ctx context.Context, leg string, duration time.Duration)
	// RecordIndexRun counts one completed indexing run reported by the
	// external indexer.
	RecordIndexRun(ctx context.Context)
	// SetCorpusTotals refreshes the indexed-content gauges.
	SetCorpusTotals(ctx context.Context, chunks, entities, relationships int64)

	// Handler serves the Prometheus text exposition.
	Handler() http.Handler
}

type prometheusMetrics struct {
	searchRequests metric.Int64Counter
	searchErrors   metric.Int64Counter
	indexRuns      metric.Int64Counter

	searchLatency metric.Float64Histogram
	vectorLatency metric.Float64Histogram
	sparseLatency metric.Float64Histogram
	graphLatency  metric.Float64Histogram

	chunksIndexed      metric.Int64Gauge
	graphEntities      metric.Int64Gauge
	graphRelationships metric.Int64Gauge

	handler http.Handler
}

// InitMetrics builds the process-global meter provider with a Prometheus
// exporter and creates every instrument the service records.
func InitMetrics(ctx context.Context) (Metrics, error) {
	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	m, err := NewMeterMetrics(meterProvider.Meter("tribrid"))
	if err != nil {
		return nil, err
	}
	m.(*prometheusMetrics).handler = promhttp.Handler()
	return m, nil
}

// NewMeterMetrics creates the instrument set on an existing meter. Tests
// pass a meter backed by a manual reader.
func NewMeterMetrics(meter metric.Meter) (Metrics, error) {
	m := &prometheusMetrics{}
	var err error

	if m.searchRequests, err = meter.Int64Counter(
		"tribrid_search_requests_total",
		metric.WithDescription("Total search requests handled by the engine"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search requests counter: %w", err)
	}

	if m.searchErrors, err = meter.Int64Counter(
		"tribrid_search_errors_total",
		metric.WithDescription("Total searches that failed outright"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	if m.indexRuns, err = meter.Int64Counter(
		"tribrid_index_runs_total",
		metric.WithDescription("Total completed indexing runs reported to the core"),
	); err != nil {
		return nil, fmt.Errorf("failed to create index runs counter: %w", err)
	}

	if m.searchLatency, err = meter.Float64Histogram(
		"tribrid_search_latency_seconds",
		metric.WithDescription("End-to-end search latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search latency histogram: %w", err)
	}

	if m.vectorLatency, err = meter.Float64Histogram(
		"tribrid_vector_leg_latency_seconds",
		metric.WithDescription("Vector leg latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create vector leg histogram: %w", err)
	}

	if m.sparseLatency, err = meter.Float64Histogram(
		"tribrid_sparse_leg_latency_seconds",
		metric.WithDescription("Sparse leg latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sparse leg histogram: %w", err)
	}

	if m.graphLatency, err = meter.Float64Histogram(
		"tribrid_graph_leg_latency_seconds",
		metric.WithDescription("Graph leg latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create graph leg histogram: %w", err)
	}

	if m.chunksIndexed, err = meter.Int64Gauge(
		"tribrid_chunks_indexed_current",
		metric.WithDescription("Chunks currently indexed across all corpora"),
	); err != nil {
		return nil, fmt.Errorf("failed to create chunks gauge: %w", err)
	}

	if m.graphEntities, err = meter.Int64Gauge(
		"tribrid_graph_entities_current",
		metric.WithDescription("Entities currently in the graph store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create entities gauge: %w", err)
	}

	if m.graphRelationships, err = meter.Int64Gauge(
		"tribrid_graph_relationships_current",
		metric.WithDescription("Relationships currently in the graph store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create relationships gauge: %w", err)
	}

	return m, nil
}

func (m *prometheusMetrics) RecordSearch(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.searchRequests == nil {
		return
	}
	m.searchRequests.Add(ctx, 1)
	m.searchLatency.Record(ctx, duration.Seconds())
	if err != nil {
		m.searchErrors.Add(ctx, 1)
	}
}

func (m *prometheusMetrics) RecordLeg(ctx context.Context, leg string, duration time.Duration) {
	if m == nil {
		return
	}
	switch leg {
	case LegVector:
		m.vectorLatency.Record(ctx, duration.Seconds())
	case LegSparse:
		m.sparseLatency.Record(ctx, duration.Seconds())
	case LegGraph:
		m.graphLatency.Record(ctx, duration.Seconds())
	}
}

func (m *prometheusMetrics) RecordIndexRun(ctx context.Context) {
	if m == nil || m.indexRuns == nil {
		return
	}
	m.indexRuns.Add(ctx, 1)
}

func (m *prometheusMetrics) SetCorpusTotals(ctx context.Context, chunks, entities, relationships int64) {
	if m == nil || m.chunksIndexed == nil {
		return
	}
	m.chunksIndexed.Record(ctx, chunks)
	m.graphEntities.Record(ctx, entities)
	m.graphRelationships.Record(ctx, relationships)
}

func (m *prometheusMetrics) Handler() http.Handler {
	if m.handler != nil {
		return m.handler
	}
	return promhttp.Handler()
}

// NoopMetrics discards every record. Used when metrics are disabled and
// as the zero dependency in tests that do not assert on metrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordSearch(_ context.Context, _ time.Duration, _ error) {}
func (NoopMetrics) RecordLeg(_ context.Context, _ string, _ time.Duration)   {}
func (NoopMetrics) RecordIndexRun(_ context.Context)                         {}
func (NoopMetrics) SetCorpusTotals(_ context.Context, _, _, _ int64)         {}

func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
