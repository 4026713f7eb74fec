package vision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/util"
	"github.com/devrev/assetstore/internal/validation"
	"go.uber.org/zap"
)

const (
	// CheckpointDirName is created under the evidence directory
	CheckpointDirName = ".checkpoints"

	checkpointPrefix = "batch-"
	checkpointSuffix = ".json"
)

// CheckpointStore persists batch checkpoints as one JSON file per batch.
// Writes replace the file atomically.
type CheckpointStore struct {
	dir     string
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewCheckpointStore stores checkpoints in evidenceDir/.checkpoints
func NewCheckpointStore(evidenceDir string, m *metrics.Metrics, logger *zap.Logger) *CheckpointStore {
	return &CheckpointStore{
		dir:     filepath.Join(evidenceDir, CheckpointDirName),
		metrics: m,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Path returns the checkpoint file for batchID
func (s *CheckpointStore) Path(batchID string) string {
	return filepath.Join(s.dir, checkpointPrefix+validation.SanitizeBatchID(batchID)+checkpointSuffix)
}

// Save replaces the checkpoint for cp.BatchID. A zero timestamp is set to now.
func (s *CheckpointStore) Save(cp *model.BatchCheckpoint) (err error) {
	defer func() { s.metrics.RecordCheckpointWrite(err) }()

	if cp == nil || cp.BatchID == "" {
		return errors.InvalidArgument("checkpoint batch ID is required", nil)
	}

	stored := model.BatchCheckpoint{
		BatchID:        cp.BatchID,
		Completed:      sortedCopy(cp.Completed),
		Remaining:      sortedCopy(cp.Remaining),
		PartialResults: append([]model.ComponentMention{}, cp.PartialResults...),
		Timestamp:      cp.Timestamp,
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now().UTC()
	}
	if !stored.Disjoint() {
		return errors.CheckpointInvalid(cp.BatchID, fmt.Errorf("completed and remaining overlap"))
	}
	if err := validation.Struct(&stored); err != nil {
		return errors.CheckpointInvalid(cp.BatchID, err)
	}

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return errors.InternalError("failed to encode checkpoint", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.InternalError("failed to create checkpoint directory", err)
	}
	if err := util.WriteFileAtomic(s.Path(cp.BatchID), data, 0o644); err != nil {
		return errors.InternalError(fmt.Sprintf("failed to write checkpoint for batch %s", cp.BatchID), err)
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("batch_id", cp.BatchID),
		zap.Int("completed", len(stored.Completed)),
		zap.Int("remaining", len(stored.Remaining)))
	return nil
}

// Load returns the checkpoint for batchID. A missing or structurally invalid
// checkpoint yields ErrCodeCheckpointNotFound; invalid ones are logged and counted.
func (s *CheckpointStore) Load(batchID string) (*model.BatchCheckpoint, error) {
	path := s.Path(batchID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.CheckpointNotFound(batchID)
	}
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("failed to read checkpoint for batch %s", batchID), err)
	}

	cp, err := decodeCheckpoint(data)
	if err == nil && cp.BatchID != batchID {
		err = fmt.Errorf("checkpoint belongs to batch %q", cp.BatchID)
	}
	if err != nil {
		s.metrics.RecordCheckpointInvalid()
		s.logger.Warn("Ignoring invalid checkpoint; batch starts from scratch",
			zap.String("batch_id", batchID),
			zap.String("path", path),
			zap.Error(errors.CheckpointInvalid(batchID, err)))
		return nil, errors.CheckpointNotFound(batchID)
	}
	return cp, nil
}

func decodeCheckpoint(data []byte) (*model.BatchCheckpoint, error) {
	var cp model.BatchCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if err := validation.Struct(&cp); err != nil {
		return nil, err
	}
	if !cp.Disjoint() {
		return nil, fmt.Errorf("completed and remaining overlap")
	}
	return &cp, nil
}

// Delete removes the checkpoint for batchID. A missing checkpoint is not an error.
func (s *CheckpointStore) Delete(batchID string) error {
	if err := os.Remove(s.Path(batchID)); err != nil && !os.IsNotExist(err) {
		return errors.InternalError(fmt.Sprintf("failed to delete checkpoint for batch %s", batchID), err)
	}
	return nil
}

// List returns the batch ids of all valid checkpoints, sorted
func (s *CheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.InternalError("failed to list checkpoints", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		if cp, err := decodeCheckpoint(data); err == nil {
			ids = append(ids, cp.BatchID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
