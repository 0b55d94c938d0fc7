package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-atlas"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	tilesTotal      metric.Int64Counter
	tileBytesTotal  metric.Int64Counter
	tileRunDuration metric.Float64Histogram

	datasetFetchesTotal metric.Int64Counter
	datasetRecordsTotal metric.Int64Counter

	cacheLookupsTotal        metric.Int64Counter
	cacheCleanupDeletedTotal metric.Int64Counter
	cacheCleanupDuration     metric.Float64Histogram

	blobSweepDeletedTotal metric.Int64Counter

	storeWriteFailuresTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-atlas"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	tilesTotal, err := meter.Int64Counter(
		"offline_atlas_tiles_total",
		metric.WithDescription("Total tile outcomes per download run"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return err
	}

	tileBytesTotal, err := meter.Int64Counter(
		"offline_atlas_tile_bytes_total",
		metric.WithDescription("Total tile bytes written to the blob cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	tileRunDuration, err := meter.Float64Histogram(
		"offline_atlas_tile_run_duration_seconds",
		metric.WithDescription("Duration of whole-country tile download runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	datasetFetchesTotal, err := meter.Int64Counter(
		"offline_atlas_dataset_fetches_total",
		metric.WithDescription("Total dataset sub-region fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	datasetRecordsTotal, err := meter.Int64Counter(
		"offline_atlas_dataset_records_total",
		metric.WithDescription("Total records accepted after deduplication"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"offline_atlas_cache_lookups_total",
		metric.WithDescription("Total TTL cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheCleanupDeletedTotal, err := meter.Int64Counter(
		"offline_atlas_cache_cleanup_deleted_total",
		metric.WithDescription("Total expired entries removed by cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheCleanupDuration, err := meter.Float64Histogram(
		"offline_atlas_cache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cache cleanup cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	blobSweepDeletedTotal, err := meter.Int64Counter(
		"offline_atlas_blob_sweep_deleted_total",
		metric.WithDescription("Total orphaned tile blobs removed by maintenance sweeps"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return err
	}

	storeWriteFailuresTotal, err := meter.Int64Counter(
		"offline_atlas_store_write_failures_total",
		metric.WithDescription("Total local store write failures tolerated by batch operations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"offline_atlas_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"offline_atlas_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"offline_atlas_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		tilesTotal:               tilesTotal,
		tileBytesTotal:           tileBytesTotal,
		tileRunDuration:          tileRunDuration,
		datasetFetchesTotal:      datasetFetchesTotal,
		datasetRecordsTotal:      datasetRecordsTotal,
		cacheLookupsTotal:        cacheLookupsTotal,
		cacheCleanupDeletedTotal: cacheCleanupDeletedTotal,
		cacheCleanupDuration:     cacheCleanupDuration,
		blobSweepDeletedTotal:    blobSweepDeletedTotal,
		storeWriteFailuresTotal:  storeWriteFailuresTotal,
		upstreamFetchDuration:    upstreamFetchDuration,
		upstreamFetchTotal:       upstreamFetchTotal,
		upstreamFetchBytesTotal:  upstreamFetchBytesTotal,
		meterProvider:            mp,
		promHandler:              promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordTileOutcome records one tile outcome within a download run.
// outcome is "downloaded", "skipped" or "failed".
func RecordTileOutcome(ctx context.Context, country, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("country", country),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tilesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.tileBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordTileRun records the duration of one whole-country tile download run.
func RecordTileRun(ctx context.Context, country string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tileRunDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("country", country)))
}

// RecordDatasetFetch records one sub-region dataset fetch.
// outcome is "success", "failed" or "canceled".
func RecordDatasetFetch(ctx context.Context, kind, outcome string, records int) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.datasetFetchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if records > 0 {
		globalMetrics.datasetRecordsTotal.Add(ctx, int64(records),
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordCacheLookup records one TTL cache lookup.
// result is "hit", "miss" or "expired".
func RecordCacheLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheCleanup records one cleanup cycle's deleted count and duration.
func RecordCacheCleanup(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheCleanupDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.cacheCleanupDuration.Record(ctx, duration.Seconds())
}

// RecordBlobSweep records orphaned blobs removed by a maintenance sweep.
func RecordBlobSweep(ctx context.Context, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobSweepDeletedTotal.Add(ctx, int64(deleted))
}

// RecordStoreWriteFailure records a tolerated write failure in a batch operation.
func RecordStoreWriteFailure(ctx context.Context, collection string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeWriteFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("collection", collection)))
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
