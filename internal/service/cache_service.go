package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/util"
	"github.com/devrev/assetstore/internal/validation"
	"go.uber.org/zap"
)

const (
	// MetadataFileName is the cache index inside the cache directory
	MetadataFileName = "metadata.json"
	// ImagesDirName holds cached payloads
	ImagesDirName = "images"

	// In-flight temp files younger than this are left alone by the orphan sweep
	orphanTempGrace = 10 * time.Minute
)

// Eviction reasons
const (
	EvictReasonExpired     = "expired"
	EvictReasonSize        = "size"
	EvictReasonOrphan      = "orphan"
	EvictReasonMissing     = "missing"
	EvictReasonInvalidated = "invalidated"
)

// CacheService is a persistent key to entry index over cached asset payloads.
// Callers serialize access within a process; across processes the metadata
// file is last-writer-wins.
type CacheService struct {
	dir          string
	metadataPath string
	imagesDir    string
	config       config.CacheConfig
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu          sync.Mutex
	meta        *model.CacheMetadata // nil until first use
	currentSize int64

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewCacheService creates a cache rooted at dir. Metadata is loaded on first use.
func NewCacheService(dir string, cfg config.CacheConfig, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	return &CacheService{
		dir:          dir,
		metadataPath: filepath.Join(dir, MetadataFileName),
		imagesDir:    filepath.Join(dir, ImagesDirName),
		config:       cfg,
		metrics:      m,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

// Dir returns the cache directory
func (s *CacheService) Dir() string {
	return s.dir
}

// Path resolves the absolute payload path of entry
func (s *CacheService) Path(entry *model.CacheEntry) string {
	return filepath.Join(s.dir, filepath.FromSlash(entry.RelativePath))
}

// Get returns the entry for key. It misses when no entry exists, when the payload
// is gone (the entry is evicted), or when the entry is older than the max age
// (the entry stays so a re-fetch can refresh it).
func (s *CacheService) Get(key string) (*model.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	entry, found := s.meta.Entries[key]
	if !found {
		s.recordMiss()
		return nil, false
	}

	if !s.payloadExists(entry) {
		s.logger.Warn("Cache entry payload missing; evicting",
			zap.String("key", key),
			zap.String("path", entry.RelativePath))
		s.removeEntry(key, false)
		s.metrics.RecordCacheEviction(EvictReasonMissing, 1)
		s.persist()
		s.recordMiss()
		return nil, false
	}

	if s.expired(entry) {
		s.logger.Debug("Cache entry stale", zap.String("key", key), zap.Time("downloaded_at", entry.DownloadedAt))
		s.recordMiss()
		return nil, false
	}

	s.hits.Add(1)
	s.metrics.RecordCacheHit()
	copied := *entry
	return &copied, true
}

// Set records entry under key, replacing any previous entry
func (s *CacheService) Set(key string, entry *model.CacheEntry) error {
	if err := validation.ValidateCacheKey(key); err != nil {
		return err
	}
	if entry == nil {
		return errors.InvalidArgument("cache entry is required", nil)
	}

	stored := *entry
	stored.Key = key
	if err := validation.Struct(&stored); err != nil {
		return errors.InvalidArgument(fmt.Sprintf("invalid cache entry for key %s", key), err)
	}
	if !filepath.IsLocal(filepath.FromSlash(stored.RelativePath)) {
		return errors.InvalidArgument(fmt.Sprintf("cache entry path %s escapes the cache directory", stored.RelativePath), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if existing, found := s.meta.Entries[key]; found {
		s.currentSize -= existing.SizeBytes
		delete(s.meta.Entries, key)
		if existing.RelativePath != stored.RelativePath {
			s.removePayloadIfUnreferenced(existing)
		}
	}
	s.meta.Entries[key] = &stored
	s.currentSize += stored.SizeBytes

	return s.persistErr()
}

// Put writes data as a content-addressed payload under images/ and records it under key
func (s *CacheService) Put(key string, data io.Reader, ext, sourceVersion string) (*model.CacheEntry, error) {
	if err := validation.ValidateCacheKey(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.imagesDir, 0o755); err != nil {
		return nil, errors.InternalError("failed to create cache images directory", err)
	}

	name, hash, size, err := util.WriteContentAddressed(s.imagesDir, data, ext)
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("failed to write cache payload for key %s", key), err)
	}

	entry := &model.CacheEntry{
		Key:           key,
		ContentHash:   hash,
		RelativePath:  ImagesDirName + "/" + name,
		DownloadedAt:  s.now().UTC(),
		SourceVersion: sourceVersion,
		SizeBytes:     size,
	}
	if err := s.Set(key, entry); err != nil {
		return nil, err
	}

	s.logger.Debug("Cached asset payload",
		zap.String("key", key),
		zap.String("content_hash", hash),
		zap.Int64("size_bytes", size))
	return entry, nil
}

// Invalidate removes the entry for key and its payload when nothing else references it
func (s *CacheService) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if _, found := s.meta.Entries[key]; !found {
		return nil
	}
	s.removeEntry(key, true)
	s.metrics.RecordCacheEviction(EvictReasonInvalidated, 1)
	return s.persistErr()
}

// InvalidateBySource removes every entry whose key is sourceID or starts with "sourceID:"
func (s *CacheService) InvalidateBySource(sourceID string) (int, error) {
	if sourceID == "" {
		return 0, errors.InvalidArgument("source ID cannot be empty", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	prefix := sourceID + ":"
	var keys []string
	for key := range s.meta.Entries {
		if key == sourceID || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	for _, key := range keys {
		s.removeEntry(key, true)
	}
	s.metrics.RecordCacheEviction(EvictReasonInvalidated, len(keys))
	s.logger.Info("Invalidated cache entries by source",
		zap.String("source_id", sourceID),
		zap.Int("count", len(keys)))
	return len(keys), s.persistErr()
}

// Cleanup evicts expired entries, then the oldest entries until the cache fits
// its size cap, then removes payload files no entry references.
func (s *CacheService) Cleanup() (*model.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	result := &model.CleanupResult{}

	// Pass 1: age
	var expired []string
	for key, entry := range s.meta.Entries {
		if s.expired(entry) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		result.BytesFreed += s.meta.Entries[key].SizeBytes
		s.removeEntry(key, true)
	}
	result.RemovedCount += len(expired)
	s.metrics.RecordCacheEviction(EvictReasonExpired, len(expired))

	// Pass 2: size, oldest download first
	if s.currentSize > s.config.MaxSize {
		remaining := make([]*model.CacheEntry, 0, len(s.meta.Entries))
		for _, entry := range s.meta.Entries {
			remaining = append(remaining, entry)
		}
		sort.Slice(remaining, func(i, j int) bool {
			if !remaining[i].DownloadedAt.Equal(remaining[j].DownloadedAt) {
				return remaining[i].DownloadedAt.Before(remaining[j].DownloadedAt)
			}
			return remaining[i].Key < remaining[j].Key
		})

		evicted := 0
		for _, entry := range remaining {
			if s.currentSize <= s.config.MaxSize {
				break
			}
			result.BytesFreed += entry.SizeBytes
			s.removeEntry(entry.Key, true)
			evicted++
		}
		result.RemovedCount += evicted
		s.metrics.RecordCacheEviction(EvictReasonSize, evicted)
	}

	// Pass 3: orphan payloads
	removed, freed, err := s.sweepOrphans()
	if err != nil {
		s.logger.Warn("Orphan sweep incomplete", zap.Error(err))
	}
	result.RemovedCount += removed
	result.BytesFreed += freed
	s.metrics.RecordCacheEviction(EvictReasonOrphan, removed)

	s.meta.LastCleanupAt = s.now().UTC()
	if err := s.persistErr(); err != nil {
		return result, err
	}

	s.logger.Info("Cache cleanup completed",
		zap.Int("removed_count", result.RemovedCount),
		zap.Int64("bytes_freed", result.BytesFreed))
	return result, nil
}

func (s *CacheService) sweepOrphans() (int, int64, error) {
	files, err := os.ReadDir(s.imagesDir)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	referenced := make(map[string]struct{}, len(s.meta.Entries))
	for _, entry := range s.meta.Entries {
		referenced[filepath.Clean(s.Path(entry))] = struct{}{}
	}

	var (
		removed int
		freed   int64
	)
	now := s.now()
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		path := filepath.Join(s.imagesDir, file.Name())
		if _, ok := referenced[path]; ok {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if util.IsTempFile(file.Name()) && now.Sub(info.ModTime()) < orphanTempGrace {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove orphaned cache file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
		freed += info.Size()
		s.logger.Debug("Removed orphaned cache file", zap.String("path", path))
	}
	return removed, freed, nil
}

// Stats recomputes totals from the metadata. Hit and miss counts are process-local.
func (s *CacheService) Stats() model.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	stats := model.CacheStats{
		EntryCount: len(s.meta.Entries),
		MaxBytes:   s.config.MaxSize,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
	}
	for _, entry := range s.meta.Entries {
		stats.TotalBytes += entry.SizeBytes
		if stats.OldestEntry.IsZero() || entry.DownloadedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.DownloadedAt
		}
		if entry.DownloadedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.DownloadedAt
		}
	}
	if stats.MaxBytes > 0 {
		stats.UsagePercent = float64(stats.TotalBytes) / float64(stats.MaxBytes) * 100
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Keys returns the cached keys in sorted order
func (s *CacheService) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	keys := make([]string, 0, len(s.meta.Entries))
	for key := range s.meta.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ensureLoaded reads the metadata file once. An unreadable, unparsable or
// unknown-format file resets the cache to empty. Callers hold s.mu.
func (s *CacheService) ensureLoaded() {
	if s.meta != nil {
		return
	}

	meta, err := s.readMetadata()
	if err != nil {
		s.metrics.RecordCacheCorruption()
		s.logger.Warn("Cache metadata unusable; starting with an empty cache",
			zap.String("path", s.metadataPath),
			zap.Error(errors.CacheCorrupted(s.metadataPath, err)))
		meta = model.NewCacheMetadata()
		s.meta = meta
		s.currentSize = 0
		s.persist()
		return
	}

	s.meta = meta
	s.currentSize = 0
	for _, entry := range meta.Entries {
		s.currentSize += entry.SizeBytes
	}
	s.metrics.UpdateCacheSize(s.currentSize, len(meta.Entries))
}

func (s *CacheService) readMetadata() (*model.CacheMetadata, error) {
	data, err := os.ReadFile(s.metadataPath)
	if os.IsNotExist(err) {
		return model.NewCacheMetadata(), nil
	}
	if err != nil {
		return nil, err
	}

	var meta model.CacheMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse cache metadata: %w", err)
	}
	if meta.FormatVersion != model.CacheMetadataFormatVersion {
		return nil, fmt.Errorf("unsupported cache metadata format %q", meta.FormatVersion)
	}
	for key, entry := range meta.Entries {
		if entry == nil {
			return nil, fmt.Errorf("cache metadata entry %q is null", key)
		}
	}
	if err := validation.Struct(&meta); err != nil {
		return nil, fmt.Errorf("cache metadata failed validation: %w", err)
	}
	for key, entry := range meta.Entries {
		entry.Key = key
	}
	return &meta, nil
}

// persist writes the metadata and logs failures. Callers hold s.mu.
func (s *CacheService) persist() {
	if err := s.persistErr(); err != nil {
		s.logger.Warn("Failed to persist cache metadata", zap.Error(err))
	}
}

func (s *CacheService) persistErr() error {
	s.metrics.UpdateCacheSize(s.currentSize, len(s.meta.Entries))

	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return errors.InternalError("failed to encode cache metadata", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.InternalError("failed to create cache directory", err)
	}
	if err := util.WriteFileAtomic(s.metadataPath, data, 0o644); err != nil {
		return errors.InternalError("failed to write cache metadata", err)
	}
	return nil
}

// removeEntry drops key from the index, optionally deleting its payload. Callers hold s.mu.
func (s *CacheService) removeEntry(key string, deletePayload bool) {
	entry, found := s.meta.Entries[key]
	if !found {
		return
	}
	delete(s.meta.Entries, key)
	s.currentSize -= entry.SizeBytes
	if deletePayload {
		s.removePayloadIfUnreferenced(entry)
	}
}

func (s *CacheService) removePayloadIfUnreferenced(entry *model.CacheEntry) {
	for _, other := range s.meta.Entries {
		if other.RelativePath == entry.RelativePath {
			return
		}
	}
	if err := os.Remove(s.Path(entry)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove cache payload",
			zap.String("path", entry.RelativePath),
			zap.Error(err))
	}
}

func (s *CacheService) payloadExists(entry *model.CacheEntry) bool {
	if !filepath.IsLocal(filepath.FromSlash(entry.RelativePath)) {
		return false
	}
	_, err := os.Stat(s.Path(entry))
	return err == nil
}

func (s *CacheService) expired(entry *model.CacheEntry) bool {
	return s.now().Sub(entry.DownloadedAt) > s.config.MaxAge
}

func (s *CacheService) recordMiss() {
	s.misses.Add(1)
	s.metrics.RecordCacheMiss()
}
