package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Path        string `mapstructure:"path"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:     true,
		ServiceName: "engage-cloud-worker",
		Path:        "/metrics",
	}
}

// MetricsProvider owns the Prometheus registry of the process. Job,
// queue and circuit breaker collectors register on it directly;
// OpenTelemetry instruments for the ops API, database, cache and provider
// calls are exported into it.
type MetricsProvider struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *zap.Logger
	registry      *prometheus.Registry
	handler       http.Handler

	httpRequestsTotal       metric.Int64Counter
	httpRequestDuration     metric.Float64Histogram
	dbOperationsTotal       metric.Int64Counter
	dbOperationDuration     metric.Float64Histogram
	providerRequestsTotal   metric.Int64Counter
	providerRequestDuration metric.Float64Histogram
	cacheHits               metric.Int64Counter
	cacheMisses             metric.Int64Counter
}

// NewMetricsProvider creates a new metrics provider. A disabled provider
// still owns a registry so collectors can register, but records no
// OpenTelemetry instruments.
func NewMetricsProvider(config *MetricsConfig, logger *zap.Logger) (*MetricsProvider, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mp := &MetricsProvider{
		config:   config,
		logger:   logger,
		registry: registry,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}

	if !config.Enabled {
		mp.meter = otel.Meter(config.ServiceName)
		return mp, nil
	}

	exporter, err := otelprometheus.New(
		otelprometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, err
	}

	mp.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp.meterProvider)
	mp.meter = mp.meterProvider.Meter(config.ServiceName)

	if err := mp.initMetrics(); err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry metrics initialized",
		zap.String("service", config.ServiceName),
		zap.String("path", config.Path),
	)

	return mp, nil
}

// initMetrics initializes common metrics
func (mp *MetricsProvider) initMetrics() error {
	var err error

	// Ops API metrics
	mp.httpRequestsTotal, err = mp.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of ops API requests"),
	)
	if err != nil {
		return err
	}

	mp.httpRequestDuration, err = mp.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Ops API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	// Database metrics
	mp.dbOperationsTotal, err = mp.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
	)
	if err != nil {
		return err
	}

	mp.dbOperationDuration, err = mp.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	// Provider metrics
	mp.providerRequestsTotal, err = mp.meter.Int64Counter(
		"provider_requests_total",
		metric.WithDescription("Total number of outbound provider calls"),
	)
	if err != nil {
		return err
	}

	mp.providerRequestDuration, err = mp.meter.Float64Histogram(
		"provider_request_duration_seconds",
		metric.WithDescription("Outbound provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	// Cache metrics
	mp.cacheHits, err = mp.meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return err
	}

	mp.cacheMisses, err = mp.meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	return err
}

func outcome(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

// RecordHTTPRequest records an ops API request
func (mp *MetricsProvider) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if mp.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
		AttrHTTPStatusCode.Int(statusCode),
	)

	mp.httpRequestsTotal.Add(ctx, 1, attrs)
	mp.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDBOperation records a database operation
func (mp *MetricsProvider) RecordDBOperation(ctx context.Context, operation, table string, success bool, duration time.Duration) {
	if mp.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		AttrDBOperation.String(operation),
		AttrDBTable.String(table),
		AttrOutcome.String(outcome(success)),
	)

	mp.dbOperationsTotal.Add(ctx, 1, attrs)
	mp.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProviderCall records an outbound provider call
func (mp *MetricsProvider) RecordProviderCall(ctx context.Context, provider, operation string, success bool, duration time.Duration) {
	if mp.providerRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		AttrProvider.String(provider),
		AttrProviderOperation.String(operation),
		AttrOutcome.String(outcome(success)),
	)

	mp.providerRequestsTotal.Add(ctx, 1, attrs)
	mp.providerRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheHit records a cache hit
func (mp *MetricsProvider) RecordCacheHit(ctx context.Context, cacheName string) {
	if mp.cacheHits == nil {
		return
	}
	mp.cacheHits.Add(ctx, 1, metric.WithAttributes(AttrCacheName.String(cacheName)))
}

// RecordCacheMiss records a cache miss
func (mp *MetricsProvider) RecordCacheMiss(ctx context.Context, cacheName string) {
	if mp.cacheMisses == nil {
		return
	}
	mp.cacheMisses.Add(ctx, 1, metric.WithAttributes(AttrCacheName.String(cacheName)))
}

// Registry returns the registry collectors register on
func (mp *MetricsProvider) Registry() *prometheus.Registry {
	return mp.registry
}

// Handler returns an HTTP handler for Prometheus metrics
func (mp *MetricsProvider) Handler() http.Handler {
	return mp.handler
}

// Meter returns the meter for creating custom metrics
func (mp *MetricsProvider) Meter() metric.Meter {
	return mp.meter
}

// Shutdown gracefully shuts down the metrics provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}
