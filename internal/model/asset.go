package model

import (
	"sort"
	"time"
)

// AssetID identifies one logical asset across all of its revisions
type AssetID = string

// VersionOutcome describes what a version decision did to the store
type VersionOutcome string

const (
	// VersionOutcomeCreated means a new slot was assigned (including the first install)
	VersionOutcomeCreated VersionOutcome = "created"
	// VersionOutcomeUnchanged means the candidate matched the base file
	VersionOutcomeUnchanged VersionOutcome = "unchanged"
	// VersionOutcomeReused means the candidate matched an existing -vN slot
	VersionOutcomeReused VersionOutcome = "reused"
)

// VersionDecision is the result of comparing a candidate against stored revisions.
// FinalAssetID equals the asset id for version 1, otherwise "{id}-v{N}".
type VersionDecision struct {
	FinalAssetID string         `json:"final_asset_id"`
	Version      int            `json:"version"`
	Outcome      VersionOutcome `json:"outcome"`
	Path         string         `json:"path"`
	ContentHash  string         `json:"content_hash"`
}

// StoredVersion describes one installed revision of an asset
type StoredVersion struct {
	Version     int    `json:"version"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// CacheEntry represents an entry in the asset cache index
type CacheEntry struct {
	Key           string    `json:"key" validate:"required"`
	ContentHash   string    `json:"content_hash" validate:"required"`
	RelativePath  string    `json:"relative_path" validate:"required"`
	DownloadedAt  time.Time `json:"downloaded_at" validate:"required"`
	SourceVersion string    `json:"source_version,omitempty"`
	SizeBytes     int64     `json:"size_bytes" validate:"gte=0"`
}

// CacheMetadataFormatVersion is the only metadata format this build reads
const CacheMetadataFormatVersion = "1"

// CacheMetadata is the persisted cache index, one file per cache directory
type CacheMetadata struct {
	FormatVersion string                 `json:"format_version" validate:"required"`
	LastCleanupAt time.Time              `json:"last_cleanup_at"`
	Entries       map[string]*CacheEntry `json:"entries" validate:"required,dive,required"`
}

// NewCacheMetadata returns an empty, valid index
func NewCacheMetadata() *CacheMetadata {
	return &CacheMetadata{
		FormatVersion: CacheMetadataFormatVersion,
		Entries:       make(map[string]*CacheEntry),
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	EntryCount   int
	TotalBytes   int64
	MaxBytes     int64
	UsagePercent float64
	OldestEntry  time.Time
	NewestEntry  time.Time
	Hits         int64
	Misses       int64
	HitRate      float64
}

// CleanupResult is the combined outcome of all cleanup passes
type CleanupResult struct {
	RemovedCount int   `json:"removed_count"`
	BytesFreed   int64 `json:"bytes_freed"`
}

// ComponentMention is one component the vision API found in an evidence screenshot
type ComponentMention struct {
	ComponentName string  `json:"component_name" validate:"required"`
	EvidenceID    string  `json:"evidence_id" validate:"required"`
	Description   string  `json:"description,omitempty"`
	Confidence    float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// BatchCheckpoint is a durable snapshot of an interrupted vision batch.
// Completed and Remaining are disjoint sets kept sorted on disk.
type BatchCheckpoint struct {
	BatchID        string             `json:"batch_id" validate:"required"`
	Completed      []string           `json:"completed" validate:"required"`
	Remaining      []string           `json:"remaining" validate:"required"`
	PartialResults []ComponentMention `json:"partial_results" validate:"required,dive"`
	Timestamp      time.Time          `json:"timestamp" validate:"required"`
}

// Disjoint reports whether no item appears in both Completed and Remaining
func (c *BatchCheckpoint) Disjoint() bool {
	seen := make(map[string]struct{}, len(c.Completed))
	for _, id := range c.Completed {
		seen[id] = struct{}{}
	}
	for _, id := range c.Remaining {
		if _, ok := seen[id]; ok {
			return false
		}
	}
	return true
}

// Members returns the union of Completed and Remaining, sorted
func (c *BatchCheckpoint) Members() []string {
	out := make([]string, 0, len(c.Completed)+len(c.Remaining))
	out = append(out, c.Completed...)
	out = append(out, c.Remaining...)
	sort.Strings(out)
	return out
}

// CircuitBreakerState is the transient breaker state for one batch run
type CircuitBreakerState struct {
	ConsecutiveFailures int
	Open                bool
}
