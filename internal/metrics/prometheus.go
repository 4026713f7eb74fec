package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lock wait outcomes
const (
	LockResultSuccess = "success"
	LockResultTimeout = "timeout"
	LockResultError   = "error"
)

// Metrics holds all Prometheus metrics for one asset store instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Lock metrics
	LockWaitTotal     *prometheus.CounterVec
	LockTimeoutsTotal prometheus.Counter
	LockWaitDuration  prometheus.Histogram
	LockStaleBreaks   prometheus.Counter
	LockForceBreaks   prometheus.Counter

	// Version metrics
	VersionDecisionsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal *prometheus.CounterVec
	CacheCorruptions    prometheus.Counter
	CacheSizeBytes      prometheus.Gauge
	CacheEntriesTotal   prometheus.Gauge

	// Vision metrics
	VisionTimeoutsTotal     *prometheus.CounterVec
	VisionPartialRecoveries prometheus.Counter
	VisionCircuitOpenTotal  *prometheus.CounterVec
	CheckpointWritesTotal   *prometheus.CounterVec
	CheckpointInvalidTotal  prometheus.Counter

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
// Each store gets its own registry so several stores can coexist in one process.
func NewMetrics(reg *prometheus.Registry, storeID string) *Metrics {
	labels := prometheus.Labels{"store_id": storeID}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LockWaitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "lock",
			Name:        "wait_total",
			Help:        "Version lock acquisitions by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		LockTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "lock",
			Name:        "timeouts_total",
			Help:        "Version lock acquisitions that exhausted their retry attempts",
			ConstLabels: labels,
		}),
		LockWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "assetstore",
			Subsystem:   "lock",
			Name:        "wait_duration_seconds",
			Help:        "Time spent waiting for a version lock",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		LockStaleBreaks: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "lock",
			Name:        "stale_breaks_total",
			Help:        "Stale lock markers broken by a new acquirer",
			ConstLabels: labels,
		}),
		LockForceBreaks: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "lock",
			Name:        "force_breaks_total",
			Help:        "Lock markers removed by an operator",
			ConstLabels: labels,
		}),

		VersionDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "version",
			Name:        "decisions_total",
			Help:        "Version decisions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Cache entries evicted, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		CacheCorruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "corruptions_total",
			Help:        "Times the cache metadata file was unreadable and reset",
			ConstLabels: labels,
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Current cache size in bytes",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "assetstore",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current number of entries in cache",
			ConstLabels: labels,
		}),

		VisionTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "vision",
			Name:        "timeouts_total",
			Help:        "Vision API call timeouts by batch and attempt",
			ConstLabels: labels,
		}, []string{"batch_id", "attempt"}),
		VisionPartialRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "vision",
			Name:        "partial_recoveries_total",
			Help:        "Batches resumed from a checkpoint",
			ConstLabels: labels,
		}),
		VisionCircuitOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "vision",
			Name:        "circuit_open_total",
			Help:        "Circuit breaker open transitions",
			ConstLabels: labels,
		}, []string{"batch_id"}),
		CheckpointWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "checkpoint",
			Name:        "writes_total",
			Help:        "Checkpoint writes by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CheckpointInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "assetstore",
			Subsystem:   "checkpoint",
			Name:        "invalid_total",
			Help:        "Checkpoints discarded because they failed validation",
			ConstLabels: labels,
		}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "assetstore",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage of the assets volume",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "assetstore",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the assets volume",
			ConstLabels: labels,
		}),
	}
}

// Gatherer returns the registry the metrics were registered on
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Helper methods for recording metrics

func (m *Metrics) RecordLockAcquired(wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitTotal.WithLabelValues(LockResultSuccess).Inc()
	m.LockWaitDuration.Observe(wait.Seconds())
}

func (m *Metrics) RecordLockTimeout(wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitTotal.WithLabelValues(LockResultTimeout).Inc()
	m.LockTimeoutsTotal.Inc()
	m.LockWaitDuration.Observe(wait.Seconds())
}

func (m *Metrics) RecordLockError() {
	if m == nil {
		return
	}
	m.LockWaitTotal.WithLabelValues(LockResultError).Inc()
}

func (m *Metrics) RecordStaleBreak() {
	if m == nil {
		return
	}
	m.LockStaleBreaks.Inc()
}

func (m *Metrics) RecordForceBreak() {
	if m == nil {
		return
	}
	m.LockForceBreaks.Inc()
}

func (m *Metrics) RecordVersionDecision(outcome string) {
	if m == nil {
		return
	}
	m.VersionDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) RecordCacheEviction(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}

func (m *Metrics) RecordCacheCorruption() {
	if m == nil {
		return
	}
	m.CacheCorruptions.Inc()
}

func (m *Metrics) UpdateCacheSize(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.CacheSizeBytes.Set(float64(bytes))
	m.CacheEntriesTotal.Set(float64(entries))
}

func (m *Metrics) RecordVisionTimeout(batchID string, attempt int) {
	if m == nil {
		return
	}
	m.VisionTimeoutsTotal.WithLabelValues(batchID, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) RecordPartialRecovery() {
	if m == nil {
		return
	}
	m.VisionPartialRecoveries.Inc()
}

func (m *Metrics) RecordCircuitOpen(batchID string) {
	if m == nil {
		return
	}
	m.VisionCircuitOpenTotal.WithLabelValues(batchID).Inc()
}

func (m *Metrics) RecordCheckpointWrite(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.CheckpointWritesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCheckpointInvalid() {
	if m == nil {
		return
	}
	m.CheckpointInvalidTotal.Inc()
}

func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
