package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StorageMetrics instruments the append, read, and upload paths.
// All methods are safe on a nil receiver.
type StorageMetrics struct {
	appendOperations prometheus.Counter
	appendBytes      prometheus.Counter
	appendDuration   prometheus.Histogram
	backoffDepth     prometheus.Gauge
	backoffTotal     prometheus.Counter

	readOperations prometheus.Counter
	readBytes      prometheus.Counter
	readCacheHits  *prometheus.CounterVec

	cacheSize     prometheus.Gauge
	confirmOffset prometheus.Gauge

	uploadTasks    *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram
}

// NewStorageMetrics creates Prometheus-backed storage metrics.
// Returns nil when metrics are disabled (InitRegistry not called).
func NewStorageMetrics() *StorageMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	return &StorageMetrics{
		appendOperations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_append_operations_total",
			Help: "Total append requests admitted to the pipeline",
		}),
		appendBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_append_bytes_total",
			Help: "Total encoded record bytes appended",
		}),
		appendDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "deltawal_append_duration_seconds",
			Help:    "Append latency from admission to ordered completion",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		backoffDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deltawal_backoff_queue_depth",
			Help: "Requests currently parked in the backoff queue",
		}),
		backoffTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_backoff_total",
			Help: "Total requests parked for backoff",
		}),
		readOperations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_read_operations_total",
			Help: "Total read requests",
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_read_bytes_total",
			Help: "Total bytes returned by reads",
		}),
		readCacheHits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deltawal_read_source_total",
			Help: "Read results by source",
		}, []string{"source"}), // "cache", "merged", "remote"
		cacheSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deltawal_cache_size_bytes",
			Help: "Total bytes across active and archived cache blocks",
		}),
		confirmOffset: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deltawal_wal_confirm_offset",
			Help: "Inclusive WAL offset below which all requests are acknowledged",
		}),
		uploadTasks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deltawal_upload_tasks_total",
			Help: "Upload tasks by outcome",
		}, []string{"outcome"}), // "committed", "failed"
		uploadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deltawal_upload_bytes_total",
			Help: "Total object bytes uploaded",
		}),
		uploadDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "deltawal_upload_duration_seconds",
			Help:    "Upload task latency from prepare to commit",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// ObserveAppend records one completed append.
func (m *StorageMetrics) ObserveAppend(bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.appendOperations.Inc()
	m.appendBytes.Add(float64(bytes))
	m.appendDuration.Observe(d.Seconds())
}

// ObserveBackoff records a request parked in the backoff queue.
func (m *StorageMetrics) ObserveBackoff(depth int) {
	if m == nil {
		return
	}
	m.backoffTotal.Inc()
	m.backoffDepth.Set(float64(depth))
}

// SetBackoffDepth updates the backoff queue depth gauge.
func (m *StorageMetrics) SetBackoffDepth(depth int) {
	if m == nil {
		return
	}
	m.backoffDepth.Set(float64(depth))
}

// ObserveRead records one read and its source ("cache", "merged", "remote").
func (m *StorageMetrics) ObserveRead(bytes int, source string) {
	if m == nil {
		return
	}
	m.readOperations.Inc()
	m.readBytes.Add(float64(bytes))
	m.readCacheHits.WithLabelValues(source).Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *StorageMetrics) SetCacheSize(bytes int64) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(bytes))
}

// SetConfirmOffset updates the WAL confirm offset gauge.
func (m *StorageMetrics) SetConfirmOffset(offset int64) {
	if m == nil {
		return
	}
	m.confirmOffset.Set(float64(offset))
}

// ObserveUpload records one finished upload task.
func (m *StorageMetrics) ObserveUpload(outcome string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.uploadTasks.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
	m.uploadDuration.Observe(d.Seconds())
}
