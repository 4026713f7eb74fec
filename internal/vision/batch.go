package vision

import (
	"context"
	"math"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"go.uber.org/zap"
)

// BatchStatus is the terminal state of one Run
type BatchStatus string

const (
	// BatchCompleted means every item finished and the checkpoint was deleted
	BatchCompleted BatchStatus = "completed"
	// BatchIncomplete means some items timed out or the run was cancelled; the checkpoint remains
	BatchIncomplete BatchStatus = "incomplete"
	// BatchCircuitOpen means the breaker opened and the run stopped
	BatchCircuitOpen BatchStatus = "circuit_open"
	// BatchFailed means an item failed with a non-timeout error
	BatchFailed BatchStatus = "failed"
)

// AnalyzeFunc runs one vision call for itemID within the attempt deadline on ctx
type AnalyzeFunc func(ctx context.Context, itemID string, timeout time.Duration) ([]model.ComponentMention, error)

// BatchResult summarizes a Run
type BatchResult struct {
	BatchID   string                   `json:"batch_id"`
	Status    BatchStatus              `json:"status"`
	Resumed   bool                     `json:"resumed"`
	Mentions  []model.ComponentMention `json:"mentions"`
	Completed []string                 `json:"completed"`
	Remaining []string                 `json:"remaining"`
}

// BatchRunner drives a batch of vision calls through the retrier, a fresh
// circuit breaker per run, the rate limiter and the checkpoint store.
type BatchRunner struct {
	retrier     *Retrier
	checkpoints *CheckpointStore
	limiter     *RateLimiter
	alerts      AlertSink
	threshold   int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewBatchRunner creates a runner. A nil alerts sink logs alerts.
func NewBatchRunner(
	cfg config.VisionConfig,
	checkpoints *CheckpointStore,
	alerts AlertSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *BatchRunner {
	logger = logging.OrNop(logger)
	if alerts == nil {
		alerts = NewLogAlertSink(logger)
	}
	return &BatchRunner{
		retrier:     NewRetrier(cfg, m, logger),
		checkpoints: checkpoints,
		limiter:     NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		alerts:      alerts,
		threshold:   cfg.CircuitThreshold,
		metrics:     m,
		logger:      logger,
	}
}

// Retrier returns the runner's retrier
func (r *BatchRunner) Retrier() *Retrier {
	return r.retrier
}

// Run processes items for batchID, resuming from a checkpoint whose membership
// matches items. Items whose calls time out on every attempt stay remaining.
// A non-timeout error, cancellation or an open breaker stops the run with
// progress checkpointed; the returned error carries the cause.
func (r *BatchRunner) Run(ctx context.Context, batchID string, items []string, analyze AnalyzeFunc) (*BatchResult, error) {
	if batchID == "" {
		return nil, errors.InvalidArgument("batch ID is required", nil)
	}
	items = dedupe(items)

	result := &BatchResult{BatchID: batchID, Mentions: []model.ComponentMention{}}
	done := make(map[string]bool, len(items))

	if cp := r.resume(batchID, items); cp != nil {
		for _, id := range cp.Completed {
			done[id] = true
		}
		result.Resumed = true
		result.Mentions = append(result.Mentions, cp.PartialResults...)
	}

	breaker := NewCircuitBreaker(batchID, r.threshold, r.alerts, r.metrics, r.logger)
	r.save(batchID, items, done, result.Mentions)

	stop := func(status BatchStatus, err error) (*BatchResult, error) {
		r.save(batchID, items, done, result.Mentions)
		r.finish(result, items, done, status)
		return result, err
	}

	for _, id := range items {
		if done[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stop(BatchIncomplete, err)
		}
		if err := breaker.Err(); err != nil {
			return stop(BatchCircuitOpen, err)
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return stop(BatchIncomplete, err)
		}

		itemID := id
		mentions, err := Call(ctx, r.retrier, batchID, func(ctx context.Context, timeout time.Duration) ([]model.ComponentMention, error) {
			return analyze(ctx, itemID, timeout)
		})
		switch {
		case err == nil:
			breaker.RecordSuccess()
			done[id] = true
			result.Mentions = append(result.Mentions, r.normalizeMentions(batchID, itemID, mentions)...)
			r.save(batchID, items, done, result.Mentions)
		case errors.IsCode(err, errors.ErrCodeVisionTimeout):
			breaker.RecordTimeout()
			r.logger.Warn("Vision item left for a later run",
				zap.String("batch_id", batchID),
				zap.String("item_id", id),
				zap.Error(err))
		case ctx.Err() != nil:
			return stop(BatchIncomplete, err)
		default:
			r.logger.Error("Vision item failed; stopping batch",
				zap.String("batch_id", batchID),
				zap.String("item_id", id),
				zap.Error(err))
			return stop(BatchFailed, err)
		}
	}

	if err := breaker.Err(); err != nil {
		return stop(BatchCircuitOpen, err)
	}

	if len(done) == len(items) {
		if err := r.checkpoints.Delete(batchID); err != nil {
			r.logger.Warn("Failed to delete completed checkpoint", zap.String("batch_id", batchID), zap.Error(err))
		}
		r.finish(result, items, done, BatchCompleted)
		r.logger.Debug("Vision batch completed",
			zap.String("batch_id", batchID),
			zap.Int("items", len(items)),
			zap.Int("mentions", len(result.Mentions)))
		return result, nil
	}

	return stop(BatchIncomplete, nil)
}

// resume loads a checkpoint for batchID when its membership matches items
func (r *BatchRunner) resume(batchID string, items []string) *model.BatchCheckpoint {
	cp, err := r.checkpoints.Load(batchID)
	if err != nil {
		if !errors.IsCode(err, errors.ErrCodeCheckpointNotFound) {
			r.logger.Warn("Failed to read checkpoint", zap.String("batch_id", batchID), zap.Error(err))
		}
		return nil
	}

	if !sameMembers(cp.Members(), items) {
		r.logger.Warn("Checkpoint membership differs from batch; starting from scratch",
			zap.String("batch_id", batchID),
			zap.Int("checkpoint_items", len(cp.Members())),
			zap.Int("batch_items", len(items)))
		return nil
	}

	r.metrics.RecordPartialRecovery()
	r.logger.Info("Resuming vision batch from checkpoint",
		zap.String("batch_id", batchID),
		zap.Int("completed", len(cp.Completed)),
		zap.Int("remaining", len(cp.Remaining)))
	return cp
}

// save writes the current progress. Failures are logged and never stop the batch.
func (r *BatchRunner) save(batchID string, items []string, done map[string]bool, mentions []model.ComponentMention) {
	completed, remaining := split(items, done)
	err := r.checkpoints.Save(&model.BatchCheckpoint{
		BatchID:        batchID,
		Completed:      completed,
		Remaining:      remaining,
		PartialResults: mentions,
	})
	if err != nil {
		r.logger.Warn("Failed to write checkpoint", zap.String("batch_id", batchID), zap.Error(err))
	}
}

// normalizeMentions makes vision output fit for a checkpoint. A missing
// evidence id becomes itemID, confidence is clamped to [0,1] and unnamed
// mentions are dropped.
func (r *BatchRunner) normalizeMentions(batchID, itemID string, mentions []model.ComponentMention) []model.ComponentMention {
	out := make([]model.ComponentMention, 0, len(mentions))
	for _, m := range mentions {
		if m.ComponentName == "" {
			r.logger.Warn("Dropping vision mention without a component name",
				zap.String("batch_id", batchID),
				zap.String("item_id", itemID))
			continue
		}
		if m.EvidenceID == "" {
			m.EvidenceID = itemID
		}
		switch {
		case m.Confidence < 0 || math.IsNaN(m.Confidence):
			m.Confidence = 0
		case m.Confidence > 1:
			m.Confidence = 1
		}
		out = append(out, m)
	}
	return out
}

func (r *BatchRunner) finish(result *BatchResult, items []string, done map[string]bool, status BatchStatus) {
	result.Status = status
	result.Completed, result.Remaining = split(items, done)
}

func split(items []string, done map[string]bool) (completed, remaining []string) {
	completed, remaining = []string{}, []string{}
	for _, id := range items {
		if done[id] {
			completed = append(completed, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	return completed, remaining
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, id := range items {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// sameMembers compares a sorted member list against an unsorted, deduplicated one
func sameMembers(sorted, items []string) bool {
	if len(sorted) != len(items) {
		return false
	}
	set := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		set[id] = true
	}
	for _, id := range items {
		if !set[id] {
			return false
		}
	}
	return true
}
