package metrics

import (
	"time"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                              {}
func (n *NoopSink) TickCompleted(time.Duration, int, error)                                   {}
func (n *NoopSink) TickDrift(time.Duration)                                                   {}
func (n *NoopSink) EventReceived(string, string)                                              {}
func (n *NoopSink) TriggerMatched(string)                                                     {}
func (n *NoopSink) ConditionRejected()                                                        {}
func (n *NoopSink) FiringSkipped()                                                            {}
func (n *NoopSink) ExecutionFinished(domain.ExecutionStatus, domain.ErrorKind, time.Duration) {}
func (n *NoopSink) RetryScheduled(int)                                                        {}
func (n *NoopSink) DispatchCompleted(string, domain.ErrorKind, time.Duration)                 {}
func (n *NoopSink) DispatchesInFlightIncr()                                                   {}
func (n *NoopSink) DispatchesInFlightDecr()                                                   {}
func (n *NoopSink) WebhookDelivered(string, string, time.Duration)                            {}
func (n *NoopSink) CircuitStateChanged(string, string)                                        {}
func (n *NoopSink) BufferSizeUpdate(int)                                                      {}
func (n *NoopSink) BufferCapacitySet(int)                                                     {}
func (n *NoopSink) BufferSaturationUpdate(float64)                                            {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) ExecutionsReconciled(domain.ErrorKind, int)                                {}
func (n *NoopSink) LeaderStatusChanged(bool)                                                  {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(string)                                                         {}
