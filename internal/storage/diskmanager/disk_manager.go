package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"go.uber.org/zap"
)

// DiskManager monitors the assets volume and rejects fetches when it is nearly full
type DiskManager struct {
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Metrics
	statfs  func(path string) (total, available uint64, err error)

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	checkInterval        time.Duration

	// Thresholds
	warningThreshold        float64 // Start warning at this percentage (e.g., 80%)
	throttleThreshold       float64 // Reject large writes at this percentage (e.g., 90%)
	circuitBreakerThreshold float64 // Reject all writes at this percentage (e.g., 95%)

	// State
	isThrottled     bool
	isCircuitBroken bool
}

// NewDiskManager creates a disk manager watching the filesystem that holds dataDir
func NewDiskManager(dataDir string, cfg config.DiskConfig, m *metrics.Metrics, logger *zap.Logger) (*DiskManager, error) {
	return newDiskManager(dataDir, cfg, m, logger, statfs)
}

func newDiskManager(
	dataDir string,
	cfg config.DiskConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
	statfs func(string) (uint64, uint64, error),
) (*DiskManager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 dataDir,
		logger:                  logging.OrNop(logger),
		metrics:                 m,
		statfs:                  statfs,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	// Perform initial check
	if err := dm.ForceCheck(); err != nil {
		dm.logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// CheckBeforeWrite reports whether a write of estimatedBytes may proceed.
// Rejections carry ErrCodeDiskFull.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.refreshIfStale()

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("reason", "circuit_breaker")
	}

	// Small writes pass while throttled
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("reason", "throttled").
			WithDetail("requested_bytes", estimatedBytes)
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("reason", "insufficient_space").
			WithDetail("requested_bytes", estimatedBytes)
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.refreshIfStale()

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// refreshIfStale must be called with dm.mu held
func (dm *DiskManager) refreshIfStale() {
	if time.Since(dm.lastCheck) <= dm.checkInterval {
		return
	}
	if err := dm.checkDiskSpace(); err != nil {
		dm.logger.Warn("Disk space check failed", zap.Error(err))
	}
}

// checkDiskSpace checks current disk usage and updates state.
// Must be called with dm.mu held.
func (dm *DiskManager) checkDiskSpace() error {
	totalBytes, availableBytes, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}
	if totalBytes == 0 {
		return fmt.Errorf("filesystem at %s reports zero size", dm.dataDir)
	}

	usedBytes := totalBytes - availableBytes
	usagePercent := (float64(usedBytes) / float64(totalBytes)) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.lastCheck = time.Now()
	dm.metrics.UpdateDiskStats(usagePercent, availableBytes)

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	// Log state changes
	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64   `json:"usage_percent"`
	AvailableBytes  uint64    `json:"available_bytes"`
	IsThrottled     bool      `json:"is_throttled"`
	IsCircuitBroken bool      `json:"is_circuit_broken"`
	LastCheck       time.Time `json:"last_check"`
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}
