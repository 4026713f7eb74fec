package vision

import (
	"github.com/devrev/assetstore/internal/logging"
	"go.uber.org/zap"
)

// AlertSink receives circuit-open notifications. The breaker calls it once per open transition.
type AlertSink interface {
	CircuitOpened(batchID string, consecutiveTimeouts int)
}

// AlertFunc adapts a function to AlertSink
type AlertFunc func(batchID string, consecutiveTimeouts int)

// CircuitOpened calls f
func (f AlertFunc) CircuitOpened(batchID string, consecutiveTimeouts int) {
	f(batchID, consecutiveTimeouts)
}

// LogAlertSink reports circuit-open transitions to the log
type LogAlertSink struct {
	logger *zap.Logger
}

// NewLogAlertSink creates a log-backed alert sink
func NewLogAlertSink(logger *zap.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logging.OrNop(logger)}
}

// CircuitOpened logs the transition at error level
func (s *LogAlertSink) CircuitOpened(batchID string, consecutiveTimeouts int) {
	s.logger.Error("Vision circuit breaker opened",
		zap.String("batch_id", batchID),
		zap.Int("consecutive_timeouts", consecutiveTimeouts),
		zap.String("operator_message", CircuitOpenMessage))
}
