package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP requests
	RequestsTotal *prometheus.CounterVec // by route and status code

	// Download outcomes
	DownloadsTotal *prometheus.CounterVec // by status: completed, partial, failed, rejected

	// File-level metrics
	FilesRequestedHist prometheus.Histogram   // Objects listed per download
	FilesSuccessHist   prometheus.Histogram   // Objects written per download
	FilesFetchTotal    *prometheus.CounterVec // Object fetches by result: success, missing, error
	FilesSkippedTotal  *prometheus.CounterVec // Objects left out of the archive by reason

	// Performance metrics
	DurationHist      prometheus.Histogram
	OutgoingBytesHist prometheus.Histogram
	IncomingBytesHist prometheus.Histogram

	// Backend performance
	StorageOperationDuration *prometheus.HistogramVec // by storage_type, operation, result

	// Authentication/Security
	SignatureFailuresTotal prometheus.Counter
	ExpiredRequestsTotal   prometheus.Counter
	RateLimitedTotal       prometheus.Counter

	// Audit trail
	AuditWritesTotal *prometheus.CounterVec // by sink and status
	AuditRetries     prometheus.Counter

	// Concurrency
	ActiveDownloads     prometheus.Gauge
	ActiveFileFetches   prometheus.Gauge
	BusyRejectionsTotal prometheus.Counter

	// ZIP statistics
	CompressionRatio prometheus.Histogram

	// Client behavior
	ClientDisconnectsTotal prometheus.Counter

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend

	// Health checks
	HealthStatus       *prometheus.GaugeVec   // by component (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec // by component

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			}, []string{"route", "status"}),

			DownloadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_downloads_total",
				Help: "Total number of download attempts by outcome (completed, partial, failed, rejected)",
			}, []string{"status"}),

			FilesRequestedHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_files_requested",
				Help:    "Number of objects listed for archiving per download",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000},
			}),
			FilesSuccessHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_files_success",
				Help:    "Number of objects written to the archive per download",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000},
			}),
			FilesFetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_files_fetch_total",
				Help: "Total object fetch attempts by result (success, missing, error)",
			}, []string{"result"}),
			FilesSkippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_files_skipped_total",
				Help: "Objects excluded from archives by reason (too_large, nested, directory)",
			}, []string{"reason"}),

			DurationHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_request_duration_seconds",
				Help:    "Download request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			}),
			OutgoingBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_outgoing_bytes",
				Help:    "Outgoing bytes per response (compressed ZIP size)",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 25),
			}),
			IncomingBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_incoming_bytes",
				Help:    "Incoming bytes from storage per request (uncompressed)",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 25),
			}),

			StorageOperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "s3zipper_storage_operation_duration_seconds",
				Help:    "Storage operation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"storage_type", "operation", "result"}),

			SignatureFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_signature_failures_total",
				Help: "Total number of failed signature verifications",
			}),
			ExpiredRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_expired_requests_total",
				Help: "Total number of requests with expired timestamps",
			}),
			RateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_rate_limited_total",
				Help: "Total number of requests rejected by the per-IP rate limiter",
			}),

			AuditWritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_audit_writes_total",
				Help: "Audit entry writes by sink and status (success, failure)",
			}, []string{"sink", "status"}),
			AuditRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_audit_retries_total",
				Help: "Total number of audit delivery retry attempts",
			}),

			ActiveDownloads: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "s3zipper_active_downloads",
				Help: "Number of currently active downloads",
			}),
			ActiveFileFetches: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "s3zipper_active_file_fetches",
				Help: "Number of currently active object fetches",
			}),
			BusyRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_busy_rejections_total",
				Help: "Downloads rejected because the active download limit was reached",
			}),

			CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "s3zipper_compression_ratio",
				Help:    "Compression ratio (compressed/uncompressed)",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			}),

			ClientDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "s3zipper_client_disconnects_total",
				Help: "Total number of client disconnects during download",
			}),

			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "s3zipper_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			}, []string{"backend"}),

			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "s3zipper_health_status",
				Help: "Readiness by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "s3zipper_health_checks_failed_total",
				Help: "Total number of failed readiness checks by component",
			}, []string{"component"}),

			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "s3zipper_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "s3zipper_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector updates runtime gauges every interval until ctx is done
func (m *Metrics) StartRuntimeMetricsCollector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.collectRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) collectRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryGauge.Set(float64(mem.HeapAlloc))
	m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))
}
