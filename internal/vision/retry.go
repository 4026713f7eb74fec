// Package vision wraps calls to an upstream vision API with an escalating
// timeout schedule, a per-batch circuit breaker and durable batch checkpoints.
package vision

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"go.uber.org/zap"
)

// ErrTimeout is returned by vision calls that exceeded their time limit
var ErrTimeout = stderrors.New("vision call timed out")

// DefaultTimeouts is the time limit for each attempt
var DefaultTimeouts = []time.Duration{120 * time.Second, 180 * time.Second, 240 * time.Second}

// DefaultBackoffs is the pause after each timed-out attempt except the last
var DefaultBackoffs = []time.Duration{5 * time.Second, 10 * time.Second}

// Retrier runs a call under an escalating timeout schedule. Only timeouts are
// retried; any other error returns immediately.
type Retrier struct {
	timeouts []time.Duration
	backoffs []time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier from the vision config, falling back to the default schedule
func NewRetrier(cfg config.VisionConfig, m *metrics.Metrics, logger *zap.Logger) *Retrier {
	timeouts, backoffs := cfg.Timeouts, cfg.Backoffs
	if len(timeouts) == 0 || len(backoffs) != len(timeouts)-1 {
		timeouts, backoffs = DefaultTimeouts, DefaultBackoffs
	}
	return &Retrier{
		timeouts: timeouts,
		backoffs: backoffs,
		metrics:  m,
		logger:   logging.OrNop(logger),
		sleep:    sleepContext,
	}
}

// Attempts returns the number of attempts in the schedule
func (r *Retrier) Attempts() int {
	return len(r.timeouts)
}

// CallFunc is one attempt of a vision call. ctx carries the attempt deadline;
// timeout is the same limit for callers that pass it on to their client.
type CallFunc[T any] func(ctx context.Context, timeout time.Duration) (T, error)

// Call runs fn under r's schedule. A timeout on the last attempt returns an
// ErrCodeVisionTimeout error wrapping the final cause. Cancelling ctx stops
// before the next attempt.
func Call[T any](ctx context.Context, r *Retrier, batchID string, fn CallFunc[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt, timeout := range r.timeouts {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := callWithTimeout(ctx, timeout, fn)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Vision call succeeded after retry",
					zap.String("batch_id", batchID),
					zap.Int("attempt", attempt))
			}
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !IsTimeout(ctx, err) {
			return zero, err
		}

		lastErr = err
		r.metrics.RecordVisionTimeout(batchID, attempt)

		if attempt == len(r.timeouts)-1 {
			break
		}

		backoff := r.backoffs[attempt]
		r.logger.Warn("Vision call timed out; retrying with a longer timeout",
			zap.String("batch_id", batchID),
			zap.Int("attempt", attempt),
			zap.Duration("timeout", timeout),
			zap.Duration("backoff", backoff),
			zap.Duration("next_timeout", r.timeouts[attempt+1]))

		if err := r.sleep(ctx, backoff); err != nil {
			return zero, err
		}
	}

	r.logger.Error("Vision call timed out on every attempt",
		zap.String("batch_id", batchID),
		zap.Int("attempts", len(r.timeouts)))
	return zero, errors.VisionTimeout(batchID, len(r.timeouts), lastErr)
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn CallFunc[T]) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, timeout)
}

// IsTimeout reports whether err is a vision timeout rather than a cancellation
// of parent. ErrTimeout, a deadline that fired while parent is still live, and
// errors with a true Timeout() method all count.
func IsTimeout(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if stderrors.Is(err, ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

// TimeoutError builds an ErrTimeout-wrapping error with the limit that elapsed
func TimeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
