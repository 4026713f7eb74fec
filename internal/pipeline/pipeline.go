// Package pipeline ensures assets are present locally: cache lookup, upstream
// fetch, versioning under the asset lock, then cache update.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/model"
	"github.com/devrev/assetstore/internal/service"
	"github.com/devrev/assetstore/internal/storage/versionlock"
	"github.com/devrev/assetstore/internal/util"
	"github.com/devrev/assetstore/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/devrev/assetstore/internal/pipeline"

// AssetRequest names one asset to make available locally
type AssetRequest struct {
	AssetID       string `json:"asset_id"`
	SourceID      string `json:"source_id"`
	ItemID        string `json:"item_id"`
	SourceVersion string `json:"source_version,omitempty"`
	// SizeHint is the expected payload size for the disk check; zero skips the size test
	SizeHint uint64 `json:"size_hint,omitempty"`
}

// CacheKey returns "{sourceId}:{itemId}"
func (r AssetRequest) CacheKey() string {
	return r.SourceID + ":" + r.ItemID
}

// Fetcher downloads an asset from the upstream source. ext includes the leading dot.
type Fetcher interface {
	Fetch(ctx context.Context, req AssetRequest) (body io.ReadCloser, ext string, err error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req AssetRequest) (io.ReadCloser, string, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, req AssetRequest) (io.ReadCloser, string, error) {
	return f(ctx, req)
}

// DiskGuard rejects writes when the volume is nearly full
type DiskGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Result describes where an ensured asset lives
type Result struct {
	Request   AssetRequest           `json:"request"`
	Path      string                 `json:"path"`
	Version   int                    `json:"version"`
	FromCache bool                   `json:"from_cache"`
	Decision  *model.VersionDecision `json:"decision,omitempty"`
	Entry     *model.CacheEntry      `json:"entry,omitempty"`
}

// Deps are the components a pipeline orchestrates
type Deps struct {
	Versions *service.VersionService
	Cache    *service.CacheService
	Locker   *versionlock.Locker
	Fetcher  Fetcher
	// Disk is optional
	Disk DiskGuard
	// TracerProvider defaults to the global provider
	TracerProvider trace.TracerProvider
}

// Pipeline runs fetch, version and cache-update for each requested asset
type Pipeline struct {
	deps        Deps
	concurrency int
	tracer      trace.Tracer
	logger      *zap.Logger
	group       singleflight.Group
}

// New creates a pipeline
func New(deps Deps, cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		deps:        deps,
		concurrency: concurrency,
		tracer:      tp.Tracer(tracerName),
		logger:      logging.OrNop(logger),
	}
}

// Ensure returns the local path of req's asset, fetching and versioning it on a
// cache miss or when the cached content no longer matches an installed version.
// Concurrent calls for the same cache key share one execution.
func (p *Pipeline) Ensure(ctx context.Context, req AssetRequest) (result *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "assetstore.ensure",
		trace.WithAttributes(
			attribute.String("asset.id", req.AssetID),
			attribute.String("asset.cache_key", req.CacheKey()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("asset.from_cache", result.FromCache),
				attribute.Int("asset.version", result.Version),
			)
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := validation.ValidateAssetID(req.AssetID); err != nil {
		return nil, err
	}
	if err := validation.ValidateCacheKey(req.CacheKey()); err != nil {
		return nil, err
	}

	v, err, shared := p.group.Do(req.CacheKey(), func() (interface{}, error) {
		return p.ensure(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		span.AddEvent("singleflight.shared")
	}
	out := *v.(*Result)
	out.Request = req
	return &out, nil
}

func (p *Pipeline) ensure(ctx context.Context, req AssetRequest) (*Result, error) {
	key := req.CacheKey()

	if entry, ok := p.deps.Cache.Get(key); ok {
		if version, found := p.installedVersion(req.AssetID, entry.ContentHash); found {
			p.logger.Debug("Asset served from cache",
				zap.String("asset_id", req.AssetID),
				zap.String("key", key),
				zap.Int("version", version.Version))
			return &Result{Path: version.Path, Version: version.Version, FromCache: true, Entry: entry}, nil
		}
		p.logger.Info("Cached asset does not match any installed version; refetching",
			zap.String("asset_id", req.AssetID),
			zap.String("key", key),
			zap.String("content_hash", entry.ContentHash))
	}

	if p.deps.Disk != nil {
		if err := p.deps.Disk.CheckBeforeWrite(req.SizeHint); err != nil {
			return nil, err
		}
	}

	candidate, ext, err := p.fetchCandidate(ctx, req)
	if err != nil {
		return nil, err
	}
	// VersionAsset consumes the candidate on success
	defer os.Remove(candidate)

	decision, err := p.deps.Versions.VersionAsset(ctx, req.AssetID, candidate)
	if err != nil {
		return nil, err
	}

	entry, err := p.cacheVersion(key, decision.Path, ext, req.SourceVersion)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Asset fetched and versioned",
		zap.String("asset_id", req.AssetID),
		zap.String("key", key),
		zap.String("final_asset_id", decision.FinalAssetID),
		zap.String("outcome", string(decision.Outcome)))
	return &Result{
		Path:     decision.Path,
		Version:  decision.Version,
		Decision: decision,
		Entry:    entry,
	}, nil
}

// installedVersion finds the installed version whose hash equals contentHash
func (p *Pipeline) installedVersion(assetID, contentHash string) (model.StoredVersion, bool) {
	versions, err := p.deps.Versions.ListVersions(assetID)
	if err != nil {
		p.logger.Warn("Failed to list installed versions", zap.String("asset_id", assetID), zap.Error(err))
		return model.StoredVersion{}, false
	}
	for _, v := range versions {
		if v.ContentHash == contentHash {
			return v, true
		}
	}
	return model.StoredVersion{}, false
}

// fetchCandidate streams the upstream body into a candidate file
func (p *Pipeline) fetchCandidate(ctx context.Context, req AssetRequest) (string, string, error) {
	body, ext, err := p.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("fetching asset %s: %w", req.AssetID, err)
	}
	defer body.Close()

	path, err := StageCandidate(p.deps.Versions.AssetsDir(), req.AssetID, ext, body)
	if err != nil {
		return "", "", err
	}
	return path, ext, nil
}

// StageCandidate writes r to a temp candidate file inside dir, so installing it
// as a version is a same-directory rename. The caller owns the returned file.
func StageCandidate(dir, assetID, ext string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.InternalError("failed to create assets directory", err)
	}

	tmp, err := os.CreateTemp(dir, util.TempPrefix+assetID+"-*"+ext)
	if err != nil {
		return "", errors.InternalError("failed to create candidate file", err)
	}
	path := tmp.Name()

	_, err = io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("writing candidate for asset %s: %w", assetID, err)
	}
	return path, nil
}

func (p *Pipeline) cacheVersion(key, path, ext, sourceVersion string) (*model.CacheEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("failed to open installed version %s", path), err)
	}
	defer f.Close()
	return p.deps.Cache.Put(key, f, ext, sourceVersion)
}

// EnsureAll ensures every request with bounded concurrency. Results keep the
// order of reqs; the first error cancels the remaining work.
func (p *Pipeline) EnsureAll(ctx context.Context, reqs []AssetRequest) ([]*Result, error) {
	results := make([]*Result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			result, err := p.Ensure(ctx, req)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// WarnIfLocked logs and returns the asset ids whose locks are currently held,
// typically by another pipeline run. It never acquires or breaks a lock.
func (p *Pipeline) WarnIfLocked(assetIDs []string) []string {
	if p.deps.Locker == nil {
		return nil
	}
	var held []string
	for _, id := range assetIDs {
		if p.deps.Locker.IsLockHeld(id, p.deps.Locker.StaleThreshold()) {
			held = append(held, id)
			p.logger.Warn("Version lock is held; another pipeline run may be active",
				zap.String("asset_id", id),
				zap.String("lock_path", p.deps.Locker.Path(id)))
		}
	}
	return held
}
