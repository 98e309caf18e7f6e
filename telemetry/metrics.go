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
	meterName = "github.com/wolfeidau/lineage-cache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	storageRequestDuration  metric.Float64Histogram
	storageRequestTotal     metric.Int64Counter
	storageBytesTotal       metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Cache tier metrics
	cacheLookupsTotal   metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	sessionsActive      metric.Int64Gauge
	sessionGraphs       metric.Int64Gauge

	// Collaborator metrics
	datasetLoadsTotal      metric.Int64Counter
	datasetLoadDuration    metric.Float64Histogram
	treeParsesTotal        metric.Int64Counter
	treeParseDuration      metric.Float64Histogram
	listingRefreshesTotal  metric.Int64Counter
	listingRefreshDuration metric.Float64Histogram

	listingStaleServedTotal metric.Int64Counter

	// Accelerator metrics
	accelFetchesTotal    metric.Int64Counter
	accelFetchBytesTotal metric.Int64Counter
	accelBytes           metric.Int64Gauge
	accelEntries         metric.Int64Gauge
	lockWaitsTotal       metric.Int64Counter
	lockWaitDuration     metric.Float64Histogram

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
		cfg.ServiceName = "lineage-cache"
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

	requestsTotal, err := meter.Int64Counter(
		"lineage_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"lineage_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"lineage_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"lineage_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storageRequestDuration, err := meter.Float64Histogram(
		"lineage_cache_storage_request_duration_seconds",
		metric.WithDescription("Duration of remote storage requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	storageRequestTotal, err := meter.Int64Counter(
		"lineage_cache_storage_request_total",
		metric.WithDescription("Total number of remote storage requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storageBytesTotal, err := meter.Int64Counter(
		"lineage_cache_storage_request_bytes_total",
		metric.WithDescription("Total bytes fetched from remote storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"lineage_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of accelerator backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"lineage_cache_backend_requests_total",
		metric.WithDescription("Total number of accelerator backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"lineage_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"lineage_cache_cache_lookups_total",
		metric.WithDescription("Cache lookups by cache tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"lineage_cache_cache_evictions_total",
		metric.WithDescription("Entries evicted by cache tier and reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	datasetLoadsTotal, err := meter.Int64Counter(
		"lineage_cache_dataset_loads_total",
		metric.WithDescription("Dataset loads by format and outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return err
	}

	datasetLoadDuration, err := meter.Float64Histogram(
		"lineage_cache_dataset_load_duration_seconds",
		metric.WithDescription("Duration of dataset loads including config derivation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	treeParsesTotal, err := meter.Int64Counter(
		"lineage_cache_tree_parses_total",
		metric.WithDescription("Tree parses by outcome"),
		metric.WithUnit("{parse}"),
	)
	if err != nil {
		return err
	}

	treeParseDuration, err := meter.Float64Histogram(
		"lineage_cache_tree_parse_duration_seconds",
		metric.WithDescription("Duration of tree parse and layout"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return err
	}

	listingRefreshesTotal, err := meter.Int64Counter(
		"lineage_cache_listing_refreshes_total",
		metric.WithDescription("Remote listing refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	listingRefreshDuration, err := meter.Float64Histogram(
		"lineage_cache_listing_refresh_duration_seconds",
		metric.WithDescription("Duration of remote listing refreshes including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	listingStaleServedTotal, err := meter.Int64Counter(
		"lineage_cache_listing_stale_served_total",
		metric.WithDescription("Stale listing snapshots served after a failed refresh"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return err
	}

	accelFetchesTotal, err := meter.Int64Counter(
		"lineage_cache_accel_fetches_total",
		metric.WithDescription("Accelerator fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	accelFetchBytesTotal, err := meter.Int64Counter(
		"lineage_cache_accel_fetch_bytes_total",
		metric.WithDescription("Bytes downloaded into the accelerator"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	accelBytes, err := meter.Int64Gauge(
		"lineage_cache_accel_bytes",
		metric.WithDescription("Bytes held by the accelerator"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	accelEntries, err := meter.Int64Gauge(
		"lineage_cache_accel_entries",
		metric.WithDescription("Artifacts held by the accelerator"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return err
	}

	lockWaitsTotal, err := meter.Int64Counter(
		"lineage_cache_lock_waits_total",
		metric.WithDescription("Keyed lock acquisitions by outcome"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return err
	}

	lockWaitDuration, err := meter.Float64Histogram(
		"lineage_cache_lock_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for keyed locks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	sessionsActive, err := meter.Int64Gauge(
		"lineage_cache_sessions_active",
		metric.WithDescription("Sessions holding cached tree graphs"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	sessionGraphs, err := meter.Int64Gauge(
		"lineage_cache_session_graphs",
		metric.WithDescription("Tree graphs cached across all sessions"),
		metric.WithUnit("{graph}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		storageRequestDuration:  storageRequestDuration,
		storageRequestTotal:     storageRequestTotal,
		storageBytesTotal:       storageBytesTotal,
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		backendBytesTotal:       backendBytesTotal,
		cacheLookupsTotal:       cacheLookupsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		datasetLoadsTotal:       datasetLoadsTotal,
		datasetLoadDuration:     datasetLoadDuration,
		treeParsesTotal:         treeParsesTotal,
		treeParseDuration:       treeParseDuration,
		listingRefreshesTotal:   listingRefreshesTotal,
		listingRefreshDuration:  listingRefreshDuration,
		listingStaleServedTotal: listingStaleServedTotal,
		accelFetchesTotal:       accelFetchesTotal,
		accelFetchBytesTotal:    accelFetchBytesTotal,
		accelBytes:              accelBytes,
		accelEntries:            accelEntries,
		lockWaitsTotal:          lockWaitsTotal,
		lockWaitDuration:        lockWaitDuration,
		sessionsActive:          sessionsActive,
		sessionGraphs:           sessionGraphs,
		meterProvider:           mp,
		promHandler:             promHandler,
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordStorageRequest records one object storage request. op names the
// storage operation ("list", "download").
func RecordStorageRequest(ctx context.Context, op, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storageRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.storageRequestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.storageBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
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

// Cache tier names used as the "cache" attribute.
const (
	CacheFileContext = "file_context"
	CacheMetadata    = "metadata"
	CacheSession     = "session"
	CacheListing     = "listing"
	CacheAccel       = "accel"
)

// Eviction reasons used as the "reason" attribute.
const (
	EvictCapacity   = "capacity"
	EvictBytes      = "bytes"
	EvictTTL        = "ttl"
	EvictViewport   = "viewport"
	EvictInvalidate = "invalidate"
	EvictReplaced   = "replaced"
)

// RecordCacheLookup records a lookup against a cache tier.
func RecordCacheLookup(ctx context.Context, cache string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", string(result)),
	))
}

// RecordEviction records n entries leaving a cache tier.
func RecordEviction(ctx context.Context, cache, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("reason", reason),
	))
}

// UpdateSessionState records the current session and graph counts.
func UpdateSessionState(ctx context.Context, sessions, graphs int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionsActive.Record(ctx, int64(sessions))
	globalMetrics.sessionGraphs.Record(ctx, int64(graphs))
}

// RecordDatasetLoad records a dataset load. format is empty when the load
// failed before the format was known.
func RecordDatasetLoad(ctx context.Context, format, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	if format == "" {
		format = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("outcome", outcome),
	)
	globalMetrics.datasetLoadsTotal.Add(ctx, 1, attrs)
	globalMetrics.datasetLoadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTreeParse records a tree parse.
func RecordTreeParse(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.treeParsesTotal.Add(ctx, 1, attrs)
	globalMetrics.treeParseDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordListingRefresh records one listing refresh, including its retries.
func RecordListingRefresh(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.listingRefreshesTotal.Add(ctx, 1, attrs)
	globalMetrics.listingRefreshDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordListingStaleServed records a stale snapshot returned after a failed refresh.
func RecordListingStaleServed(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.listingStaleServedTotal.Add(ctx, 1)
}

// RecordAccelFetch records an accelerator fetch. outcome is "hit", "download",
// "shared" or "error"; bytes is the size downloaded, zero on a hit.
func RecordAccelFetch(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.accelFetchesTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.accelFetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// UpdateAccelUsage records the accelerator's current footprint.
func UpdateAccelUsage(ctx context.Context, bytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.accelBytes.Record(ctx, bytes)
	globalMetrics.accelEntries.Record(ctx, int64(entries))
}

// RecordLockWait records a keyed lock acquisition attempt. outcome is
// "acquired", "timeout" or "canceled".
func RecordLockWait(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.lockWaitsTotal.Add(ctx, 1, attrs)
	globalMetrics.lockWaitDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
