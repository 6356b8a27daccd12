package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// MetricsCollector handles all application metrics. Every Record/Set method is a
// no-op on a nil collector so callers do not need to check InitMetrics ran.
type MetricsCollector struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	RedisOperationsTotal *prometheus.CounterVec
	RedisCacheHits       *prometheus.CounterVec
	RedisCacheMisses     *prometheus.CounterVec

	WorkerPoolJobsTotal   *prometheus.CounterVec
	WorkerPoolJobDuration prometheus.Histogram
	WorkerPoolQueuedJobs  prometheus.Gauge

	RateLimitRejects           *prometheus.CounterVec
	CircuitBreakerStateChanges *prometheus.CounterVec

	// Map pipeline
	DatasetLoadsTotal   *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	RefreshDuration     prometheus.Histogram
	SkippedRecordsTotal prometheus.Counter
	DecodeSkippedTotal  prometheus.Counter
	ActiveMarkers       prometheus.Gauge
	SocketClients       prometheus.Gauge

	// Sources
	SourceFetchesTotal *prometheus.CounterVec
	SourceEntries      *prometheus.GaugeVec

	GoroutinesCount prometheus.Gauge
	MemoryUsage     prometheus.Gauge
}

var (
	metricsCollector *MetricsCollector
	tracer           oteltrace.Tracer
)

// InitMetrics registers the collectors on the default registry. Call once.
func InitMetrics(serviceName string) error {
	constLabels := prometheus.Labels{"service": serviceName}

	metricsCollector = &MetricsCollector{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "Total number of HTTP requests", ConstLabels: constLabels,
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets, ConstLabels: constLabels,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight", Help: "Number of HTTP requests currently being processed", ConstLabels: constLabels,
		}),

		DatabaseOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "database_operations_total", Help: "Total number of database operations", ConstLabels: constLabels,
		}, []string{"operation", "table", "status"}),
		DatabaseOperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "database_operation_duration_seconds", Help: "Database operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}, ConstLabels: constLabels,
		}, []string{"operation", "table"}),

		RedisOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_operations_total", Help: "Total number of Redis operations", ConstLabels: constLabels,
		}, []string{"operation", "status"}),
		RedisCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_cache_hits_total", Help: "Total number of Redis cache hits", ConstLabels: constLabels,
		}, []string{"key_pattern"}),
		RedisCacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_cache_misses_total", Help: "Total number of Redis cache misses", ConstLabels: constLabels,
		}, []string{"key_pattern"}),

		WorkerPoolJobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_pool_jobs_total", Help: "Total number of worker pool jobs", ConstLabels: constLabels,
		}, []string{"job", "status"}),
		WorkerPoolJobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "worker_pool_job_duration_seconds", Help: "Worker pool job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), ConstLabels: constLabels,
		}),
		WorkerPoolQueuedJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "worker_pool_queued_jobs", Help: "Number of queued jobs", ConstLabels: constLabels,
		}),

		RateLimitRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejects_total", Help: "Total number of rate limit rejects", ConstLabels: constLabels,
		}, []string{"limit_type"}),
		CircuitBreakerStateChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total", Help: "Total number of circuit breaker state changes", ConstLabels: constLabels,
		}, []string{"breaker", "state"}),

		DatasetLoadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "map_dataset_loads_total", Help: "Dataset loads by result", ConstLabels: constLabels,
		}, []string{"result"}),
		RefreshesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "map_refreshes_total", Help: "Display layer refreshes by result", ConstLabels: constLabels,
		}, []string{"result"}),
		RefreshDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "map_refresh_duration_seconds", Help: "Time to build and swap a display layer",
			Buckets: prometheus.DefBuckets, ConstLabels: constLabels,
		}),
		SkippedRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "map_skipped_records_total", Help: "Records skipped because a marker could not be built", ConstLabels: constLabels,
		}),
		DecodeSkippedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "map_undecodable_records_total", Help: "Dataset records skipped because they could not be decoded", ConstLabels: constLabels,
		}),
		ActiveMarkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "map_active_markers", Help: "Markers in the active display layer", ConstLabels: constLabels,
		}),
		SocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "map_socket_clients", Help: "Connected socket.io clients", ConstLabels: constLabels,
		}),

		SourceFetchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "source_fetches_total", Help: "Upstream source fetches by result", ConstLabels: constLabels,
		}, []string{"source", "result"}),
		SourceEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "source_entries", Help: "Entries stored for each source", ConstLabels: constLabels,
		}, []string{"source"}),

		GoroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "goroutines_count", Help: "Number of goroutines", ConstLabels: constLabels,
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes", Help: "Memory usage in bytes", ConstLabels: constLabels,
		}),
	}

	return nil
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	return metricsCollector
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordHTTPRequest records HTTP request metrics
func (mc *MetricsCollector) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	mc.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDatabaseOperation records database operation metrics
func (mc *MetricsCollector) RecordDatabaseOperation(operation, table string, err error, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.DatabaseOperationsTotal.WithLabelValues(operation, table, resultLabel(err)).Inc()
	mc.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordRedisOperation records Redis operation metrics
func (mc *MetricsCollector) RecordRedisOperation(operation string, err error) {
	if mc == nil {
		return
	}
	mc.RedisOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

// RecordCacheLookup records a Redis cache hit or miss
func (mc *MetricsCollector) RecordCacheLookup(keyPattern string, hit bool) {
	if mc == nil {
		return
	}
	if hit {
		mc.RedisCacheHits.WithLabelValues(keyPattern).Inc()
	} else {
		mc.RedisCacheMisses.WithLabelValues(keyPattern).Inc()
	}
}

// RecordWorkerPoolJob records worker pool job metrics
func (mc *MetricsCollector) RecordWorkerPoolJob(job string, err error, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.WorkerPoolJobsTotal.WithLabelValues(job, resultLabel(err)).Inc()
	mc.WorkerPoolJobDuration.Observe(duration.Seconds())
}

// SetWorkerPoolQueue sets the number of queued jobs
func (mc *MetricsCollector) SetWorkerPoolQueue(queued int) {
	if mc == nil {
		return
	}
	mc.WorkerPoolQueuedJobs.Set(float64(queued))
}

// RecordRateLimitReject records rate limit reject
func (mc *MetricsCollector) RecordRateLimitReject(limitType string) {
	if mc == nil {
		return
	}
	mc.RateLimitRejects.WithLabelValues(limitType).Inc()
}

// RecordCircuitBreakerStateChange records circuit breaker state change
func (mc *MetricsCollector) RecordCircuitBreakerStateChange(breaker, state string) {
	if mc == nil {
		return
	}
	mc.CircuitBreakerStateChanges.WithLabelValues(breaker, state).Inc()
}

// RecordDatasetLoad records a dataset load attempt and the records it had to drop
func (mc *MetricsCollector) RecordDatasetLoad(skipped int, err error) {
	if mc == nil {
		return
	}
	mc.DatasetLoadsTotal.WithLabelValues(resultLabel(err)).Inc()
	mc.DecodeSkippedTotal.Add(float64(skipped))
}

// RecordRefresh records a refresh and, when applied, the new layer size
func (mc *MetricsCollector) RecordRefresh(result string, markers, skipped int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.RefreshesTotal.WithLabelValues(result).Inc()
	mc.RefreshDuration.Observe(duration.Seconds())
	mc.SkippedRecordsTotal.Add(float64(skipped))
	if result == "applied" {
		mc.ActiveMarkers.Set(float64(markers))
	}
}

// SetSocketClients sets the connected socket.io client count
func (mc *MetricsCollector) SetSocketClients(count int) {
	if mc == nil {
		return
	}
	mc.SocketClients.Set(float64(count))
}

// RecordSourceFetch records an upstream source update
func (mc *MetricsCollector) RecordSourceFetch(source string, entries int, err error) {
	if mc == nil {
		return
	}
	mc.SourceFetchesTotal.WithLabelValues(source, resultLabel(err)).Inc()
	if err == nil {
		mc.SourceEntries.WithLabelValues(source).Set(float64(entries))
	}
}

// UpdateSystemMetrics updates system metrics
func (mc *MetricsCollector) UpdateSystemMetrics() {
	if mc == nil {
		return
	}
	mc.GoroutinesCount.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mc.MemoryUsage.Set(float64(m.Alloc))
}

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter and returns
// the provider shutdown function.
func InitTracing(serviceName, serviceVersion, jaegerEndpoint string) (func(context.Context) error, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)

	return tp.Shutdown, nil
}

// StartSpan starts a new span. Without InitTracing the global no-op provider is used.
func StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if tracer == nil {
		return otel.Tracer("depiction-map").Start(ctx, name, opts...)
	}
	return tracer.Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to a span
func AddSpanAttributes(span oteltrace.Span, attrs map[string]interface{}) {
	for key, value := range attrs {
		span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
	}
}

// MetricsMiddleware creates a Gin middleware for metrics collection
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		mc := GetMetricsCollector()
		if mc == nil {
			c.Next()
			return
		}

		start := time.Now()
		mc.HTTPRequestsInFlight.Inc()
		defer mc.HTTPRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		mc.RecordHTTPRequest(c.Request.Method, path, fmt.Sprintf("%d", c.Writer.Status()), time.Since(start))
	}
}
