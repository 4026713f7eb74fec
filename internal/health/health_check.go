package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// DiskUsageReporter reports usage of the assets volume
type DiskUsageReporter interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// StaleLockLister lists version locks older than the stale threshold
type StaleLockLister interface {
	ListStale() ([]string, error)
}

// CacheStatsReporter reports asset cache statistics
type CacheStatsReporter interface {
	Stats() model.CacheStats
}

// HealthChecker performs health checks for the asset store
type HealthChecker struct {
	storeID  string
	dirs     []string
	disk     DiskUsageReporter
	locks    StaleLockLister
	cache    CacheStatsReporter
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.StoreStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks. Disk, Locks and
// Cache are optional; their checks are skipped when nil.
type HealthCheckConfig struct {
	StoreID  string
	Dirs     []string
	Disk     DiskUsageReporter
	Locks    StaleLockLister
	Cache    CacheStatsReporter
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		storeID:     cfg.StoreID,
		dirs:        cfg.Dirs,
		disk:        cfg.Disk,
		locks:       cfg.Locks,
		cache:       cfg.Cache,
		interval:    interval,
		logger:      logging.OrNop(logger),
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.StoreStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once and updates the overall status
func (h *HealthChecker) RunChecks() {
	var metrics model.HealthMetrics
	results := []CheckResult{h.checkDirsAccessible()}
	if h.disk != nil {
		results = append(results, h.checkDiskSpace(&metrics))
	}
	if h.locks != nil {
		results = append(results, h.checkStaleLocks(&metrics))
	}
	if h.cache != nil {
		results = append(results, h.checkCache(&metrics))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = metrics

	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.StoreStatusUnhealthy
	case !allHealthy:
		h.status = model.StoreStatusDegraded
	default:
		h.status = model.StoreStatusHealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkDirsAccessible creates each storage root if needed and probes it for writes
func (h *HealthChecker) checkDirsAccessible() CheckResult {
	result := CheckResult{Name: "storage_dirs_accessible", Timestamp: time.Now()}

	for _, dir := range h.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Directory %s not accessible: %v", dir, err)
			return result
		}
		probe := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(probe)
		if err != nil {
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Cannot write to directory %s: %v", dir, err)
			return result
		}
		f.Close()
		os.Remove(probe)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d storage directories accessible and writable", len(h.dirs))
	return result
}

func (h *HealthChecker) checkDiskSpace(metrics *model.HealthMetrics) CheckResult {
	usage := h.disk.GetDiskUsage()
	metrics.DiskUsage = usage.UsagePercent

	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	switch {
	case usage.IsCircuitBroken:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent)
	case usage.IsThrottled:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
	}
	return result
}

// checkStaleLocks degrades the store while crashed runs have left lock markers behind
func (h *HealthChecker) checkStaleLocks(metrics *model.HealthMetrics) CheckResult {
	result := CheckResult{Name: "stale_locks", Timestamp: time.Now()}

	stale, err := h.locks.ListStale()
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Failed to list locks: %v", err)
		return result
	}
	metrics.StaleLocks = len(stale)

	if len(stale) > 0 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d stale version locks: %v", len(stale), stale)
		return result
	}
	result.Status = StatusHealthy
	result.Message = "No stale version locks"
	return result
}

func (h *HealthChecker) checkCache(metrics *model.HealthMetrics) CheckResult {
	stats := h.cache.Stats()
	metrics.CacheEntries = stats.EntryCount
	metrics.CacheBytes = stats.TotalBytes

	result := CheckResult{Name: "asset_cache", Timestamp: time.Now()}
	if stats.UsagePercent > 100 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Cache over size limit: %.2f%%, run cleanup", stats.UsagePercent)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Cache: %d entries, %d bytes (%.2f%%)", stats.EntryCount, stats.TotalBytes, stats.UsagePercent)
	return result
}

// IsLive returns whether the store is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the store is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		StoreID:   h.storeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
		"metrics": status.Metrics,
		"checks":  h.GetChecks(),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(body)
}
