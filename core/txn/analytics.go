package txn

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Analytics event names emitted by the coordinator.
const (
	EventTransactionStarted        = "transaction_started"
	EventTransactionOperationAdded = "transaction_operation_added"
	EventTransactionCommitted      = "transaction_committed"
	EventTransactionRolledBack     = "transaction_rolled_back"
	EventTransactionRollbackFailed = "transaction_rollback_failed"
	EventDeadlockDetected          = "deadlock_detected"
)

// AnalyticsSink receives named events with a flat property bag. Emission is
// fire-and-forget; implementations must not block the coordinator.
type AnalyticsSink interface {
	Emit(event string, props map[string]any)
}

// NopAnalytics discards all events.
type NopAnalytics struct{}

func (NopAnalytics) Emit(string, map[string]any) {}

// LogAnalytics writes events to the log, rate-limited so a hot retry loop
// cannot flood the sink. Events over the limit are dropped silently.
type LogAnalytics struct {
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewLogAnalytics creates a log-backed sink allowing at most eventsPerSec
// emissions with a burst of the same size.
func NewLogAnalytics(logger *zap.Logger, eventsPerSec int) *LogAnalytics {
	if eventsPerSec <= 0 {
		eventsPerSec = 100
	}
	return &LogAnalytics{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), eventsPerSec),
	}
}

func (s *LogAnalytics) Emit(event string, props map[string]any) {
	if !s.limiter.Allow() {
		return
	}
	s.logger.Info("analytics event",
		zap.String("event", event),
		zap.Any("props", props))
}
