package diskmanager

import (
	"fmt"
	"testing"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDiskConfig() config.DiskConfig {
	return config.DiskConfig{
		WarningThreshold:        80,
		ThrottleThreshold:       90,
		CircuitBreakerThreshold: 95,
		CheckInterval:           time.Hour,
	}
}

// fakeFS reports a 1000-byte filesystem with the given bytes available
func fakeFS(available uint64) func(string) (uint64, uint64, error) {
	return func(string) (uint64, uint64, error) { return 1000, available, nil }
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		request   uint64
		wantErr   bool
		reason    string
	}{
		{"healthy", 500, 100, false, ""},
		{"warning still allows writes", 150, 100, false, ""},
		{"throttled allows small writes", 80, 5, false, ""},
		{"throttled rejects large writes", 80, 50, true, "throttled"},
		{"circuit breaker rejects all", 40, 1, true, "circuit_breaker"},
		{"insufficient space", 500, 600, true, "insufficient_space"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm, err := newDiskManager("/data", testDiskConfig(), nil, zap.NewNop(), fakeFS(tt.available))
			require.NoError(t, err)

			err = dm.CheckBeforeWrite(tt.request)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeDiskFull))
			var ae *errors.AssetError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.reason, ae.Details["reason"])
		})
	}
}

func TestGetDiskUsage(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	dm, err := newDiskManager("/data", testDiskConfig(), m, zap.NewNop(), fakeFS(80))
	require.NoError(t, err)

	stats := dm.GetDiskUsage()
	assert.InDelta(t, 92.0, stats.UsagePercent, 0.001)
	assert.Equal(t, uint64(80), stats.AvailableBytes)
	assert.True(t, stats.IsThrottled)
	assert.False(t, stats.IsCircuitBroken)
	assert.InDelta(t, 92.0, testutil.ToFloat64(m.DiskUsagePercent), 0.001)
}

func TestForceCheck_StatError(t *testing.T) {
	failing := func(string) (uint64, uint64, error) { return 0, 0, fmt.Errorf("no such device") }
	dm, err := newDiskManager("/data", testDiskConfig(), nil, zap.NewNop(), failing)
	require.NoError(t, err)
	assert.Error(t, dm.ForceCheck())
}

func TestNewDiskManager_RequiresDir(t *testing.T) {
	_, err := NewDiskManager("", testDiskConfig(), nil, nil)
	assert.Error(t, err)
}

func TestNewDiskManager_RealFilesystem(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), testDiskConfig(), nil, nil)
	require.NoError(t, err)
	stats := dm.GetDiskUsage()
	assert.False(t, stats.LastCheck.IsZero())
}
