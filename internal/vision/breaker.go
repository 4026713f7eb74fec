package vision

import (
	"sync"

	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/model"
	"go.uber.org/zap"
)

// DefaultCircuitThreshold is the number of consecutive timeouts that opens the breaker
const DefaultCircuitThreshold = 3

// CircuitOpenMessage is the fixed operator message shown when the breaker opens
const CircuitOpenMessage = `Vision API circuit breaker is open after repeated timeouts.
The upstream vision API appears to be overloaded. Choose one:
  1. Wait a few minutes, then resume this batch (progress is checkpointed).
  2. Reduce the batch size and retry.
  3. Cancel this run.`

// CircuitBreaker counts consecutive timeouts for one batch run.
//
// States:
//
//	closed --timeout x threshold--> open --Reset--> closed
//	closed --success--> closed (counter cleared)
//
// It is never persisted.
type CircuitBreaker struct {
	batchID   string
	threshold int
	sink      AlertSink
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	state model.CircuitBreakerState
}

// NewCircuitBreaker creates a closed breaker. sink may be nil.
func NewCircuitBreaker(batchID string, threshold int, sink AlertSink, m *metrics.Metrics, logger *zap.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = DefaultCircuitThreshold
	}
	return &CircuitBreaker{
		batchID:   batchID,
		threshold: threshold,
		sink:      sink,
		metrics:   m,
		logger:    logging.OrNop(logger),
	}
}

// RecordSuccess clears the timeout streak
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.ConsecutiveFailures = 0
}

// RecordTimeout extends the streak and reports whether this call opened the breaker
func (cb *CircuitBreaker) RecordTimeout() bool {
	cb.mu.Lock()
	cb.state.ConsecutiveFailures++
	opened := !cb.state.Open && cb.state.ConsecutiveFailures >= cb.threshold
	if opened {
		cb.state.Open = true
	}
	count := cb.state.ConsecutiveFailures
	cb.mu.Unlock()

	cb.logger.Debug("Vision timeout recorded",
		zap.String("batch_id", cb.batchID),
		zap.Int("consecutive_timeouts", count))

	if opened {
		cb.metrics.RecordCircuitOpen(cb.batchID)
		if cb.sink != nil {
			cb.sink.CircuitOpened(cb.batchID, count)
		}
	}
	return opened
}

// IsOpen reports whether callers must stop issuing calls
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.Open
}

// Err returns an ErrCodeCircuitOpen error carrying the operator message while open
func (cb *CircuitBreaker) Err() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.state.Open {
		return nil
	}
	return errors.CircuitOpen(cb.batchID, cb.state.ConsecutiveFailures, CircuitOpenMessage)
}

// Reset closes the breaker and clears the streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	wasOpen := cb.state.Open
	cb.state = model.CircuitBreakerState{}
	cb.mu.Unlock()

	if wasOpen {
		cb.logger.Info("Vision circuit breaker reset", zap.String("batch_id", cb.batchID))
	}
}

// State returns a snapshot of the breaker state
func (cb *CircuitBreaker) State() model.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Threshold returns the streak length that opens the breaker
func (cb *CircuitBreaker) Threshold() int {
	return cb.threshold
}
