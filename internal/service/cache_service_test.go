package service

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var cacheEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type cacheFixture struct {
	dir     string
	cache   *CacheService
	metrics *metrics.Metrics
	clock   time.Time
}

func newCacheFixture(t *testing.T, cfg config.CacheConfig) *cacheFixture {
	t.Helper()
	f := &cacheFixture{
		dir:     t.TempDir(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry(), "test"),
		clock:   cacheEpoch,
	}
	f.cache = NewCacheService(f.dir, cfg, f.metrics, zap.NewNop())
	f.cache.now = func() time.Time { return f.clock }
	return f
}

func defaultCacheConfig() config.CacheConfig {
	return config.CacheConfig{MaxAge: 7 * 24 * time.Hour, MaxSize: 1 << 20}
}

// put writes a payload through the cache with the clock set to at
func (f *cacheFixture) put(t *testing.T, key, content string, at time.Time) *model.CacheEntry {
	t.Helper()
	f.clock = at
	entry, err := f.cache.Put(key, bytes.NewReader([]byte(content)), ".png", "")
	require.NoError(t, err)
	return entry
}

func TestCache_RoundTrip(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())

	payload := filepath.Join(f.dir, "images", "abc.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(payload), 0o755))
	require.NoError(t, os.WriteFile(payload, []byte("pixels"), 0o644))

	entry := &model.CacheEntry{
		ContentHash:   "abc",
		RelativePath:  "images/abc.png",
		DownloadedAt:  cacheEpoch.Add(-time.Hour),
		SourceVersion: "42",
		SizeBytes:     6,
	}
	require.NoError(t, f.cache.Set("figma:1:2", entry))

	got, ok := f.cache.Get("figma:1:2")
	require.True(t, ok)
	want := *entry
	want.Key = "figma:1:2"
	assert.Equal(t, &want, got)

	// Survives a restart
	reopened := NewCacheService(f.dir, defaultCacheConfig(), nil, zap.NewNop())
	reopened.now = f.cache.now
	got, ok = reopened.Get("figma:1:2")
	require.True(t, ok)
	assert.Equal(t, "42", got.SourceVersion)
	assert.True(t, want.DownloadedAt.Equal(got.DownloadedAt))
}

func TestCache_GetMisses(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())

	_, ok := f.cache.Get("absent")
	assert.False(t, ok)

	// Stale entries miss but stay in place
	f.put(t, "figma:old", "old", cacheEpoch.Add(-8*24*time.Hour))
	f.clock = cacheEpoch
	_, ok = f.cache.Get("figma:old")
	assert.False(t, ok)
	assert.Contains(t, f.cache.Keys(), "figma:old")

	// Entries whose payload vanished are evicted
	entry := f.put(t, "figma:gone", "gone", cacheEpoch)
	require.NoError(t, os.Remove(f.cache.Path(entry)))
	_, ok = f.cache.Get("figma:gone")
	assert.False(t, ok)
	assert.NotContains(t, f.cache.Keys(), "figma:gone")

	stats := f.cache.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.CacheMissesTotal))
}

func TestCache_SetAdjustsSizeByDelta(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())

	f.put(t, "s:1", "aaaa", cacheEpoch)
	f.put(t, "s:1", "bbbbbbbb", cacheEpoch)
	f.put(t, "s:2", "cc", cacheEpoch)

	stats := f.cache.Stats()
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, int64(10), stats.TotalBytes)
	assert.Equal(t, int64(10), f.cache.currentSize)
	assert.Equal(t, 10.0, testutil.ToFloat64(f.metrics.CacheSizeBytes))

	// The superseded payload is gone
	files, err := os.ReadDir(filepath.Join(f.dir, ImagesDirName))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestCache_SetRejectsInvalid(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())

	tests := []struct {
		name  string
		key   string
		entry *model.CacheEntry
	}{
		{"empty key", "", &model.CacheEntry{ContentHash: "h", RelativePath: "images/h", DownloadedAt: cacheEpoch}},
		{"nil entry", "k", nil},
		{"missing hash", "k", &model.CacheEntry{RelativePath: "images/h", DownloadedAt: cacheEpoch}},
		{"escaping path", "k", &model.CacheEntry{ContentHash: "h", RelativePath: "../h", DownloadedAt: cacheEpoch}},
		{"negative size", "k", &model.CacheEntry{ContentHash: "h", RelativePath: "images/h", DownloadedAt: cacheEpoch, SizeBytes: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.cache.Set(tt.key, tt.entry)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
		})
	}
}

func TestCache_Invalidate(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())

	a := f.put(t, "figma:1", "same", cacheEpoch)
	f.put(t, "figma:2", "same", cacheEpoch)
	f.put(t, "figma-other:1", "other", cacheEpoch)
	f.put(t, "figma", "root", cacheEpoch)

	// Shared payload survives while referenced
	require.NoError(t, f.cache.Invalidate("figma:1"))
	_, err := os.Stat(f.cache.Path(a))
	assert.NoError(t, err)

	n, err := f.cache.InvalidateBySource("figma")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"figma-other:1"}, f.cache.Keys())

	_, err = os.Stat(f.cache.Path(a))
	assert.True(t, os.IsNotExist(err))

	// Unknown keys are a no-op
	require.NoError(t, f.cache.Invalidate("nope"))
	n, err = f.cache.InvalidateBySource("nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_CleanupPasses(t *testing.T) {
	f := newCacheFixture(t, config.CacheConfig{MaxAge: 24 * time.Hour, MaxSize: 10})

	f.put(t, "s:expired", "xxxx", cacheEpoch.Add(-48*time.Hour))
	f.put(t, "s:oldest", "aaaa", cacheEpoch.Add(-3*time.Hour))
	f.put(t, "s:middle", "bbbb", cacheEpoch.Add(-2*time.Hour))
	f.put(t, "s:newest", "cccc", cacheEpoch.Add(-1*time.Hour))

	orphan := filepath.Join(f.dir, ImagesDirName, "orphan.png")
	require.NoError(t, os.WriteFile(orphan, []byte("123"), 0o644))
	inflight := filepath.Join(f.dir, ImagesDirName, ".tmp-content-1.png")
	require.NoError(t, os.WriteFile(inflight, []byte("12"), 0o644))
	require.NoError(t, os.Chtimes(inflight, cacheEpoch, cacheEpoch))

	f.clock = cacheEpoch
	result, err := f.cache.Cleanup()
	require.NoError(t, err)

	// 1 expired + 1 over cap + 1 orphan file
	assert.Equal(t, 3, result.RemovedCount)
	assert.Equal(t, int64(4+4+3), result.BytesFreed)
	assert.Equal(t, []string{"s:middle", "s:newest"}, f.cache.Keys())

	stats := f.cache.Stats()
	assert.LessOrEqual(t, stats.TotalBytes, int64(10))

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(inflight)
	assert.NoError(t, err, "young temp files belong to in-flight writes")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheEvictionsTotal.WithLabelValues(EvictReasonExpired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheEvictionsTotal.WithLabelValues(EvictReasonSize)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheEvictionsTotal.WithLabelValues(EvictReasonOrphan)))
}

func TestCache_CorruptMetadataRecovery(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"garbage", "\x00\x01not json"},
		{"unknown format", `{"format_version":"99","entries":{}}`},
		{"invalid entry", `{"format_version":"1","entries":{"k":{"content_hash":""}}}`},
		{"null entry", `{"format_version":"1","entries":{"k":null}}`},
		{"missing entries", `{"format_version":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCacheFixture(t, defaultCacheConfig())
			require.NoError(t, os.WriteFile(filepath.Join(f.dir, MetadataFileName), []byte(tt.body), 0o644))

			var ok bool
			assert.NotPanics(t, func() { _, ok = f.cache.Get("k") })
			assert.False(t, ok)
			assert.Equal(t, 0, f.cache.Stats().EntryCount)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheCorruptions))

			// Still functional
			f.put(t, "k:1", "data", cacheEpoch)
			_, ok = f.cache.Get("k:1")
			assert.True(t, ok)
		})
	}
}

func TestCache_StatsHitRate(t *testing.T) {
	f := newCacheFixture(t, defaultCacheConfig())
	f.put(t, "s:1", "a", cacheEpoch.Add(-2*time.Hour))
	f.put(t, "s:2", "bb", cacheEpoch.Add(-time.Hour))
	f.clock = cacheEpoch

	_, _ = f.cache.Get("s:1")
	_, _ = f.cache.Get("s:2")
	_, _ = f.cache.Get("s:3")

	stats := f.cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, cacheEpoch.Add(-2*time.Hour), stats.OldestEntry)
	assert.Equal(t, cacheEpoch.Add(-time.Hour), stats.NewestEntry)
	assert.Equal(t, int64(3), stats.TotalBytes)
}
