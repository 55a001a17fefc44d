package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Admin HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Outbound capture metrics
	CaptureTotal    *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec

	// Refresh cycle metrics
	RefreshCycleTotal    *prometheus.CounterVec
	RefreshCycleDuration prometheus.Histogram
	RefreshRecordTotal   *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of admin HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		CaptureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_total",
			Help: "Total number of outbound captures",
		}, []string{"path", "status"}),

		CaptureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_duration_seconds",
			Help:    "Outbound capture duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "status"}),

		RefreshCycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_cycles_total",
			Help: "Total number of refresh cycles",
		}, []string{"status"}),

		RefreshCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refresh_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		RefreshRecordTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_records_total",
			Help: "Total number of per-record refresh outcomes",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.CaptureTotal)
	registerOrGet(m.CaptureDuration)
	registerOrGet(m.RefreshCycleTotal)
	registerOrGet(m.RefreshCycleDuration)
	registerOrGet(m.RefreshRecordTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
