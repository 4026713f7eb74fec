package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/storage/versionlock"
	"github.com/devrev/assetstore/internal/util"
	"github.com/devrev/assetstore/internal/validation"
	"go.uber.org/zap"
)

// VersionService assigns content-addressed version slots to asset revisions.
// Slots are assetsDir/{id}{ext} for version 1 and assetsDir/{id}-v{N}{ext} after that,
// with the extension taken from the candidate file.
type VersionService struct {
	assetsDir string
	locker    *versionlock.Locker
	hash      util.HashFunc
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewVersionService creates a version service. A nil hash defaults to SHA-256.
func NewVersionService(
	assetsDir string,
	locker *versionlock.Locker,
	hash util.HashFunc,
	m *metrics.Metrics,
	logger *zap.Logger,
) *VersionService {
	if hash == nil {
		hash = util.SHA256File
	}
	return &VersionService{
		assetsDir: assetsDir,
		locker:    locker,
		hash:      hash,
		metrics:   m,
		logger:    logging.OrNop(logger),
	}
}

// AssetsDir returns the directory holding installed versions
func (s *VersionService) AssetsDir() string {
	return s.assetsDir
}

// SlotPath returns the path of version slot n for assetID
func (s *VersionService) SlotPath(assetID, ext string, n int) string {
	return filepath.Join(s.assetsDir, FinalAssetID(assetID, n)+ext)
}

// FinalAssetID returns assetID for version 1 and "{assetID}-v{n}" otherwise
func FinalAssetID(assetID string, n int) string {
	if n <= 1 {
		return assetID
	}
	return assetID + "-v" + strconv.Itoa(n)
}

// VersionAsset decides and installs candidatePath under the asset's version lock.
// The lock is released on every return path.
func (s *VersionService) VersionAsset(ctx context.Context, assetID, candidatePath string) (decision *model.VersionDecision, err error) {
	if err := validation.ValidateAssetID(assetID); err != nil {
		return nil, err
	}

	lock, err := s.locker.Acquire(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			s.logger.Error("Failed to release version lock",
				zap.String("asset_id", assetID),
				zap.Error(releaseErr))
			if err == nil {
				err = releaseErr
			}
		}
	}()

	decision, err = s.Decide(assetID, candidatePath)
	if err != nil {
		return nil, err
	}
	if err := s.Install(lock, candidatePath, decision); err != nil {
		return nil, err
	}

	s.metrics.RecordVersionDecision(string(decision.Outcome))
	s.logger.Debug("Versioned asset",
		zap.String("asset_id", assetID),
		zap.String("final_asset_id", decision.FinalAssetID),
		zap.Int("version", decision.Version),
		zap.String("outcome", string(decision.Outcome)))
	return decision, nil
}

// Decide compares the candidate against stored revisions without modifying the store.
// Unchanged content keeps version 1, a previously seen revision reuses its slot,
// and anything else takes the first free slot.
func (s *VersionService) Decide(assetID, candidatePath string) (*model.VersionDecision, error) {
	if err := validation.ValidateAssetID(assetID); err != nil {
		return nil, err
	}

	candidateHash, err := s.hash(candidatePath)
	if err != nil {
		return nil, errors.VersionFailed(assetID, "hashing candidate", err)
	}

	ext := filepath.Ext(candidatePath)
	for n := 1; ; n++ {
		slot := s.SlotPath(assetID, ext, n)
		exists, err := fileExists(slot)
		if err != nil {
			return nil, errors.VersionFailed(assetID, "probing version slot", err)
		}
		if !exists {
			return s.decision(assetID, ext, n, model.VersionOutcomeCreated, candidateHash), nil
		}

		existingHash, err := s.hash(slot)
		if err != nil {
			return nil, errors.VersionFailed(assetID, fmt.Sprintf("hashing version %d", n), err)
		}
		if existingHash == candidateHash {
			outcome := model.VersionOutcomeReused
			if n == 1 {
				outcome = model.VersionOutcomeUnchanged
			}
			return s.decision(assetID, ext, n, outcome, candidateHash), nil
		}
	}
}

func (s *VersionService) decision(assetID, ext string, n int, outcome model.VersionOutcome, hash string) *model.VersionDecision {
	return &model.VersionDecision{
		FinalAssetID: FinalAssetID(assetID, n),
		Version:      n,
		Outcome:      outcome,
		Path:         s.SlotPath(assetID, ext, n),
		ContentHash:  hash,
	}
}

// Install applies a decision. lock must be held for the same asset.
// A created slot receives the candidate by atomic move; otherwise the candidate is discarded.
func (s *VersionService) Install(lock *versionlock.Lock, candidatePath string, decision *model.VersionDecision) error {
	if decision == nil {
		return errors.InvalidArgument("version decision is required", nil)
	}
	if !lock.Held() {
		return errors.LockNotHeld(decision.FinalAssetID)
	}

	assetID := lock.AssetID()
	if expected := s.SlotPath(assetID, filepath.Ext(candidatePath), decision.Version); decision.Path != expected {
		return errors.InvalidArgument(
			fmt.Sprintf("decision path %s does not belong to asset %s", decision.Path, assetID), nil)
	}

	switch decision.Outcome {
	case model.VersionOutcomeCreated:
		if err := util.MoveFile(candidatePath, decision.Path); err != nil {
			return errors.VersionFailed(assetID, "installing version", err)
		}
	case model.VersionOutcomeUnchanged, model.VersionOutcomeReused:
		if err := os.Remove(candidatePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to discard duplicate candidate",
				zap.String("asset_id", assetID),
				zap.String("path", candidatePath),
				zap.Error(err))
		}
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown version outcome %q", decision.Outcome), nil)
	}
	return nil
}

// ListVersions returns the installed versions of assetID ordered by version
func (s *VersionService) ListVersions(assetID string) ([]model.StoredVersion, error) {
	if err := validation.ValidateAssetID(assetID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.assetsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.VersionFailed(assetID, "listing versions", err)
	}

	var versions []model.StoredVersion
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := parseSlotName(assetID, entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.assetsDir, entry.Name())
		hash, err := s.hash(path)
		if err != nil {
			return nil, errors.VersionFailed(assetID, fmt.Sprintf("hashing version %d", n), err)
		}
		versions = append(versions, model.StoredVersion{Version: n, Path: path, ContentHash: hash})
	}

	sort.Slice(versions, func(i, j int) bool {
		if versions[i].Version != versions[j].Version {
			return versions[i].Version < versions[j].Version
		}
		return versions[i].Path < versions[j].Path
	})
	return versions, nil
}

// parseSlotName reports the version encoded in a file name belonging to assetID
func parseSlotName(assetID, name string) (int, bool) {
	if !strings.HasPrefix(name, assetID) || strings.HasSuffix(name, versionlock.MarkerSuffix) {
		return 0, false
	}
	ext := filepath.Ext(name)
	rest := strings.TrimSuffix(name[len(assetID):], ext)
	if rest == "" {
		return 1, true
	}
	digits, ok := strings.CutPrefix(rest, "-v")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 2 || strconv.Itoa(n) != digits {
		return 0, false
	}
	return n, true
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
