package metrics

import (
	"time"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	TickDrift(drift time.Duration)

	// Orchestrator metrics
	EventReceived(sourceModule, eventType string)
	TriggerMatched(targetModule string)
	ConditionRejected()
	FiringSkipped()
	ExecutionFinished(status domain.ExecutionStatus, kind domain.ErrorKind, duration time.Duration)
	RetryScheduled(attempt int)

	// Dispatcher metrics
	DispatchCompleted(targetModule string, kind domain.ErrorKind, duration time.Duration)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()
	WebhookDelivered(targetModule, statusClass string, duration time.Duration)
	CircuitStateChanged(targetModule, state string)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	ExecutionsReconciled(kind domain.ErrorKind, count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome label values for finished executions.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// kindLabel renders an error kind as a label value; success is "none".
func kindLabel(kind domain.ErrorKind) string {
	if kind == domain.ErrorKindNone {
		return "none"
	}
	return string(kind)
}
