package versionlock

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
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

func newTestLocker(t *testing.T, cfg config.LockConfig) (*Locker, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	return NewLocker(t.TempDir(), cfg, m, zap.NewNop()), m
}

func defaultLockConfig() config.LockConfig {
	return config.LockConfig{
		StaleThreshold: time.Minute,
		RetryAttempts:  30,
		RetryWait:      5 * time.Millisecond,
	}
}

func ageMarker(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestAcquireRelease(t *testing.T) {
	locker, m := newTestLocker(t, defaultLockConfig())

	lock, err := locker.Acquire(context.Background(), "A-014")
	require.NoError(t, err)
	assert.True(t, lock.Held())
	assert.Equal(t, "A-014", lock.AssetID())
	assert.NotEmpty(t, lock.Owner())

	info, err := locker.Inspect("A-014")
	require.NoError(t, err)
	require.NotNil(t, info)
	require.NotNil(t, info.Marker)
	assert.Equal(t, lock.Owner(), info.Marker.Owner)
	assert.Equal(t, os.Getpid(), info.Marker.PID)
	assert.False(t, info.Stale)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Held())
	_, err = os.Stat(locker.Path("A-014"))
	assert.True(t, os.IsNotExist(err))

	// Idempotent
	require.NoError(t, lock.Release())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockWaitTotal.WithLabelValues(metrics.LockResultSuccess)))
}

func TestAcquire_Timeout(t *testing.T) {
	cfg := defaultLockConfig()
	cfg.RetryAttempts = 3
	locker, m := newTestLocker(t, cfg)

	var sleeps int
	locker.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	held, err := locker.Acquire(context.Background(), "A-014")
	require.NoError(t, err)
	defer held.Release()

	_, err = locker.Acquire(context.Background(), "A-014")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockTimeout))
	assert.Equal(t, 2, sleeps)

	msg := err.Error()
	assert.Contains(t, msg, `asset "A-014"`)
	assert.Contains(t, msg, "  1. Wait for the other run to finish, then retry.")
	assert.Contains(t, msg, "  2. Cancel this run.")
	assert.Contains(t, msg, "  3. Force-break the lock (only if no other run is active): assetstore lock break A-014")
	assert.Equal(t, 3, strings.Count(msg, "\n  "))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockTimeoutsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockWaitTotal.WithLabelValues(metrics.LockResultTimeout)))

	// The holder's marker is untouched
	assert.True(t, held.Held())
	assert.True(t, locker.IsLockHeld("A-014", cfg.StaleThreshold))
}

func TestAcquire_StaleRecovery(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantError bool
	}{
		{"stale marker is broken", 2 * time.Minute, false},
		{"fresh marker blocks", 10 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultLockConfig()
			cfg.RetryAttempts = 2
			locker, m := newTestLocker(t, cfg)
			locker.sleep = func(context.Context, time.Duration) error { return nil }

			crashed, err := locker.Acquire(context.Background(), "A-1")
			require.NoError(t, err)
			ageMarker(t, locker.Path("A-1"), tt.age)

			lock, err := locker.Acquire(context.Background(), "A-1")
			if tt.wantError {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeLockTimeout))
				assert.Equal(t, 0.0, testutil.ToFloat64(m.LockStaleBreaks))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.LockStaleBreaks))

			// The crashed holder must not remove the new owner's marker
			require.NoError(t, crashed.Release())
			_, err = os.Stat(locker.Path("A-1"))
			assert.NoError(t, err)

			require.NoError(t, lock.Release())
			_, err = os.Stat(locker.Path("A-1"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestAcquire_StaleRecoveryOnSingleAttempt(t *testing.T) {
	cfg := defaultLockConfig()
	cfg.RetryAttempts = 1
	locker, m := newTestLocker(t, cfg)

	_, err := locker.Acquire(context.Background(), "A-1")
	require.NoError(t, err)
	ageMarker(t, locker.Path("A-1"), 2*time.Minute)

	lock, err := locker.Acquire(context.Background(), "A-1")
	require.NoError(t, err)
	assert.True(t, lock.Held())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockStaleBreaks))
	require.NoError(t, lock.Release())
}

func TestBreakIfStale_KeepsReplacementMarker(t *testing.T) {
	locker, m := newTestLocker(t, defaultLockConfig())
	path := locker.Path("A-1")
	require.NoError(t, os.MkdirAll(locker.dir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"owner":"crashed"}`), 0o644))
	ageMarker(t, path, 2*time.Minute)

	// Another acquirer replaces the stale marker right after it is judged stale
	var replaced bool
	locker.now = func() time.Time {
		if !replaced {
			replaced = true
			require.NoError(t, os.Remove(path))
			require.NoError(t, os.WriteFile(path, []byte(`{"owner":"fresh"}`), 0o644))
		}
		return time.Now()
	}

	broken, err := locker.breakIfStale("A-1", path)
	require.NoError(t, err)
	assert.True(t, broken)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LockStaleBreaks))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"owner":"fresh"}`, string(data))

	entries, err := os.ReadDir(locker.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A-1"+MarkerSuffix, entries[0].Name())
}

func TestAcquire_MutualExclusion(t *testing.T) {
	cfg := defaultLockConfig()
	cfg.RetryAttempts = 1000
	cfg.RetryWait = time.Millisecond
	locker, _ := newTestLocker(t, cfg)

	var (
		holders int32
		overlap int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				lock, err := locker.Acquire(context.Background(), "shared")
				if !assert.NoError(t, err) {
					return
				}
				if atomic.AddInt32(&holders, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&holders, -1)
				assert.NoError(t, lock.Release())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestAcquire_ContextCancelled(t *testing.T) {
	locker, _ := newTestLocker(t, defaultLockConfig())

	held, err := locker.Acquire(context.Background(), "A-2")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = locker.Acquire(ctx, "A-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsCode(err, errors.ErrCodeLockTimeout))
}

func TestAcquire_FilesystemError(t *testing.T) {
	// A regular file where the directory should be
	parent := t.TempDir()
	blocker := parent + "/assets"
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	locker := NewLocker(blocker, defaultLockConfig(), m, zap.NewNop())

	_, err := locker.Acquire(context.Background(), "A-3")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockWaitTotal.WithLabelValues(metrics.LockResultError)))
}

func TestIsLockHeld(t *testing.T) {
	locker, _ := newTestLocker(t, defaultLockConfig())
	assert.False(t, locker.IsLockHeld("A-4", time.Minute))

	lock, err := locker.Acquire(context.Background(), "A-4")
	require.NoError(t, err)
	assert.True(t, locker.IsLockHeld("A-4", time.Minute))

	ageMarker(t, locker.Path("A-4"), 2*time.Minute)
	assert.False(t, locker.IsLockHeld("A-4", time.Minute))

	// Query has no side effects
	_, err = os.Stat(locker.Path("A-4"))
	assert.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestForceBreakAndListStale(t *testing.T) {
	locker, m := newTestLocker(t, defaultLockConfig())

	a, err := locker.Acquire(context.Background(), "A-5")
	require.NoError(t, err)
	_, err = locker.Acquire(context.Background(), "A-6")
	require.NoError(t, err)
	ageMarker(t, locker.Path("A-5"), time.Hour)

	stale, err := locker.ListStale()
	require.NoError(t, err)
	assert.Equal(t, []string{"A-5"}, stale)

	removed, err := locker.ForceBreak("A-6")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockForceBreaks))

	removed, err = locker.ForceBreak("A-6")
	require.NoError(t, err)
	assert.False(t, removed)

	info, err := locker.Inspect("A-6")
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, a.Release())
}
