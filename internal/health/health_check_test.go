package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDisk diskmanager.DiskUsageStats

func (d fakeDisk) GetDiskUsage() diskmanager.DiskUsageStats { return diskmanager.DiskUsageStats(d) }

type fakeLocks struct {
	stale []string
	err   error
}

func (l fakeLocks) ListStale() ([]string, error) { return l.stale, l.err }

type fakeCache model.CacheStats

func (c fakeCache) Stats() model.CacheStats { return model.CacheStats(c) }

func TestRunChecks(t *testing.T) {
	tests := []struct {
		name       string
		disk       fakeDisk
		locks      fakeLocks
		cache      fakeCache
		wantStatus model.StoreStatus
		wantReady  bool
	}{
		{
			name:       "healthy",
			disk:       fakeDisk{UsagePercent: 40, AvailableBytes: 1 << 30},
			cache:      fakeCache{EntryCount: 2, TotalBytes: 10, UsagePercent: 1},
			wantStatus: model.StoreStatusHealthy,
			wantReady:  true,
		},
		{
			name:       "stale lock degrades",
			disk:       fakeDisk{UsagePercent: 40},
			locks:      fakeLocks{stale: []string{"A-1"}},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "lock listing error degrades",
			locks:      fakeLocks{err: fmt.Errorf("permission denied")},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "throttled disk degrades",
			disk:       fakeDisk{UsagePercent: 92, IsThrottled: true},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "oversized cache degrades",
			cache:      fakeCache{UsagePercent: 130},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "disk circuit breaker is unhealthy",
			disk:       fakeDisk{UsagePercent: 97, IsCircuitBroken: true},
			wantStatus: model.StoreStatusUnhealthy,
			wantReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(&HealthCheckConfig{
				StoreID: "store-1",
				Dirs:    []string{t.TempDir()},
				Disk:    tt.disk,
				Locks:   tt.locks,
				Cache:   tt.cache,
			}, zap.NewNop())

			h.RunChecks()

			status := h.GetStatus()
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, "store-1", status.StoreID)
			assert.Equal(t, tt.wantReady, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Len(t, h.GetChecks(), 4)
		})
	}
}

func TestRunChecks_Metrics(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{
		Dirs:  []string{t.TempDir()},
		Disk:  fakeDisk{UsagePercent: 55.5},
		Locks: fakeLocks{stale: []string{"A", "B"}},
		Cache: fakeCache{EntryCount: 3, TotalBytes: 42},
	}, nil)

	h.RunChecks()

	assert.Equal(t, model.HealthMetrics{
		DiskUsage:    55.5,
		CacheEntries: 3,
		CacheBytes:   42,
		StaleLocks:   2,
	}, h.GetStatus().Metrics)
}

func TestRunChecks_CreatesMissingDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "assets", "nested")
	h := NewHealthChecker(&HealthCheckConfig{Dirs: []string{dir}}, nil)

	h.RunChecks()

	assert.DirExists(t, dir)
	assert.Equal(t, model.StoreStatusHealthy, h.GetStatus().Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunChecks_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	h := NewHealthChecker(&HealthCheckConfig{Dirs: []string{file}}, nil)
	h.RunChecks()

	assert.Equal(t, model.StoreStatusUnhealthy, h.GetStatus().Status)
	assert.Equal(t, StatusCritical, h.GetChecks()["storage_dirs_accessible"].Status)
}

func TestProbeHandlers(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{
		Dirs: []string{t.TempDir()},
		Disk: fakeDisk{UsagePercent: 97, IsCircuitBroken: true},
	}, nil)
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, "unhealthy", body["status"])

	h.SetReadiness(true)
	assert.True(t, h.IsReady())
}
