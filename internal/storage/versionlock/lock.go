// Package versionlock serializes version decisions for one asset across processes
// with a stale-aware marker file next to the asset.
package versionlock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkerSuffix is appended to the asset id to form the marker file name
const MarkerSuffix = ".lock"

// Marker is the JSON content of a lock marker file
type Marker struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Info describes a marker found on disk
type Info struct {
	AssetID string        `json:"asset_id"`
	Path    string        `json:"path"`
	Marker  *Marker       `json:"marker,omitempty"`
	Age     time.Duration `json:"age"`
	Stale   bool          `json:"stale"`
}

// Locker acquires version locks under one assets directory
type Locker struct {
	dir     string
	config  config.LockConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	hostname string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLocker creates a locker whose markers live in dir
func NewLocker(dir string, cfg config.LockConfig, m *metrics.Metrics, logger *zap.Logger) *Locker {
	hostname, _ := os.Hostname()
	return &Locker{
		dir:      dir,
		config:   cfg,
		metrics:  m,
		logger:   logging.OrNop(logger),
		hostname: hostname,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Path returns the marker path for assetID
func (l *Locker) Path(assetID string) string {
	return filepath.Join(l.dir, assetID+MarkerSuffix)
}

// Acquire takes the lock for assetID, retrying on contention up to the configured
// number of attempts. A marker older than the stale threshold is broken.
// Cancelling ctx stops before the next attempt.
func (l *Locker) Acquire(ctx context.Context, assetID string) (*Lock, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.metrics.RecordLockError()
		return nil, errors.LockFailed(assetID, err)
	}

	path := l.Path(assetID)
	start := l.now()
	attempts := l.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	freed := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		marker := &Marker{
			Owner:      uuid.NewString(),
			PID:        os.Getpid(),
			Hostname:   l.hostname,
			AcquiredAt: l.now().UTC(),
		}

		err := writeMarker(path, marker)
		if err == nil {
			waited := l.now().Sub(start)
			l.metrics.RecordLockAcquired(waited)
			l.logger.Debug("Version lock acquired",
				zap.String("asset_id", assetID),
				zap.Int("attempt", attempt),
				zap.Duration("waited", waited))
			return &Lock{locker: l, assetID: assetID, path: path, owner: marker.Owner}, nil
		}

		if !os.IsExist(err) {
			l.metrics.RecordLockError()
			l.logger.Error("Failed to create lock marker",
				zap.String("asset_id", assetID),
				zap.String("path", path),
				zap.Error(err))
			return nil, errors.LockFailed(assetID, err)
		}

		broken, err := l.breakIfStale(assetID, path)
		if err != nil {
			l.metrics.RecordLockError()
			return nil, errors.LockFailed(assetID, err)
		}
		if broken {
			// Retry at once without using up an attempt; the freed slot may
			// still be taken by a competing acquirer
			if freed < attempts {
				freed++
				attempt--
			}
			continue
		}

		if attempt == attempts {
			break
		}
		if err := l.sleep(ctx, l.config.RetryWait); err != nil {
			return nil, fmt.Errorf("waiting for lock on asset %s: %w", assetID, err)
		}
	}

	waited := l.now().Sub(start)
	l.metrics.RecordLockTimeout(waited)
	l.logger.Error("Timed out waiting for version lock",
		zap.String("asset_id", assetID),
		zap.Int("attempts", attempts),
		zap.Duration("waited", waited))
	return nil, errors.LockTimeout(assetID, waited, attempts, LockTimeoutMessage(assetID, waited))
}

// breakIfStale removes the marker at path when it is older than the stale threshold.
// It reports true when the caller should retry immediately.
func (l *Locker) breakIfStale(assetID, path string) (bool, error) {
	before, err := os.Stat(path)
	if os.IsNotExist(err) {
		// Released between our create and stat
		return true, nil
	}
	if err != nil {
		return false, err
	}

	age := l.now().Sub(before.ModTime())
	if age <= l.config.StaleThreshold {
		return false, nil
	}

	// Move the marker aside before unlinking so a fresh marker created after
	// our stat is never deleted
	aside := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	moved, err := os.Stat(aside)
	if err != nil {
		return false, err
	}
	if !os.SameFile(before, moved) || !moved.ModTime().Equal(before.ModTime()) {
		// Another acquirer broke the stale marker and created its own; put it back
		if err := os.Link(aside, path); err != nil && !os.IsExist(err) {
			l.logger.Error("Failed to restore version lock marker",
				zap.String("asset_id", assetID),
				zap.String("path", path),
				zap.Error(err))
		}
		_ = os.Remove(aside)
		return true, nil
	}
	if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
		return false, err
	}

	l.metrics.RecordStaleBreak()
	l.logger.Warn("Broke stale version lock",
		zap.String("asset_id", assetID),
		zap.String("path", path),
		zap.Duration("age", age),
		zap.Duration("stale_threshold", l.config.StaleThreshold))
	return true, nil
}

// StaleThreshold returns the age after which a marker is considered abandoned
func (l *Locker) StaleThreshold() time.Duration {
	return l.config.StaleThreshold
}

// IsLockHeld reports whether a marker younger than staleThreshold exists for assetID.
// It never creates or removes anything.
func (l *Locker) IsLockHeld(assetID string, staleThreshold time.Duration) bool {
	info, err := os.Stat(l.Path(assetID))
	if err != nil {
		return false
	}
	return l.now().Sub(info.ModTime()) <= staleThreshold
}

// Inspect returns the marker for assetID, or nil when no marker exists
func (l *Locker) Inspect(assetID string) (*Info, error) {
	path := l.Path(assetID)
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.LockFailed(assetID, err)
	}

	age := l.now().Sub(stat.ModTime())
	info := &Info{
		AssetID: assetID,
		Path:    path,
		Age:     age,
		Stale:   age > l.config.StaleThreshold,
	}
	// A marker mid-write or from an older tool may not parse; age still applies
	if marker, err := readMarker(path); err == nil {
		info.Marker = marker
	}
	return info, nil
}

// ListStale returns the asset ids whose markers exceed the stale threshold
func (l *Locker) ListStale() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, MarkerSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if l.now().Sub(info.ModTime()) > l.config.StaleThreshold {
			stale = append(stale, strings.TrimSuffix(name, MarkerSuffix))
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// ForceBreak removes the marker for assetID regardless of its age.
// It is an operator action and reports whether a marker was removed.
func (l *Locker) ForceBreak(assetID string) (bool, error) {
	err := os.Remove(l.Path(assetID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.LockFailed(assetID, err)
	}

	l.metrics.RecordForceBreak()
	l.logger.Warn("Version lock force-broken by operator", zap.String("asset_id", assetID))
	return true, nil
}

// Lock is a held version lock. Release must run on every exit path.
type Lock struct {
	locker  *Locker
	assetID string
	path    string
	owner   string

	mu       sync.Mutex
	released bool
}

// AssetID returns the asset this lock guards
func (lk *Lock) AssetID() string {
	return lk.assetID
}

// Owner returns the owner token written into the marker
func (lk *Lock) Owner() string {
	return lk.owner
}

// Held reports whether Release has not yet been called
func (lk *Lock) Held() bool {
	if lk == nil {
		return false
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return !lk.released
}

// Release removes the marker if it still belongs to this lock. Repeated calls are no-ops.
func (lk *Lock) Release() error {
	if lk == nil {
		return nil
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.released {
		return nil
	}

	marker, err := readMarker(lk.path)
	switch {
	case os.IsNotExist(err):
		lk.released = true
		return nil
	case err != nil:
		// Unreadable marker: leave it for stale recovery rather than risk removing another owner's
		lk.released = true
		lk.locker.logger.Warn("Could not read lock marker on release",
			zap.String("asset_id", lk.assetID),
			zap.Error(err))
		return nil
	case marker.Owner != lk.owner:
		lk.released = true
		lk.locker.logger.Warn("Lock marker owned by another holder; leaving it in place",
			zap.String("asset_id", lk.assetID),
			zap.String("owner", marker.Owner))
		return nil
	}

	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return errors.LockFailed(lk.assetID, err)
	}
	lk.released = true
	lk.locker.logger.Debug("Version lock released", zap.String("asset_id", lk.assetID))
	return nil
}

// LockTimeoutMessage is the fixed operator message for an exhausted lock wait
func LockTimeoutMessage(assetID string, waited time.Duration) string {
	return fmt.Sprintf(`Timed out waiting for lock on asset "%s" after %s.
Another pipeline run may be versioning this asset. Choose one:
  1. Wait for the other run to finish, then retry.
  2. Cancel this run.
  3. Force-break the lock (only if no other run is active): assetstore lock break %s`,
		assetID, waited.Round(time.Millisecond), assetID)
}

func writeMarker(path string, marker *Marker) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	data, err := json.Marshal(marker)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write lock marker: %w", err)
	}
	return nil
}

func readMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse lock marker: %w", err)
	}
	return &marker, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
