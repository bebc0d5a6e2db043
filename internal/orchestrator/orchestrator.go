// Package orchestrator turns events into trigger firings: it matches
// candidates, records executions, dispatches in priority order and retries
// transient failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Annas82200/mizan-triggers/internal/condition"
	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
)

const tracerName = "github.com/Annas82200/mizan-triggers/orchestrator"

var (
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotReplayable is returned when replaying an execution that has not failed.
	ErrNotReplayable = errors.New("only failed executions can be replayed")
	ErrNoEventBus    = errors.New("no event bus configured")
)

type Registry interface {
	ListCandidates(ctx context.Context, key domain.EventKey) ([]domain.Trigger, error)
	RecordOutcome(ctx context.Context, triggerID uuid.UUID, success bool) error
	Get(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error)
}

type Ledger interface {
	Create(ctx context.Context, a ledger.Attempt) (domain.Execution, error)
	Start(ctx context.Context, e domain.Execution) (domain.Execution, error)
	Finish(ctx context.Context, e domain.Execution, out domain.Outcome) (domain.Execution, error)
	Get(ctx context.Context, tenantID, executionID uuid.UUID) (domain.Execution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) domain.Outcome
}

// Transactor runs fn as one atomic unit against the store.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AnalyticsSink interface {
	Record(ctx context.Context, exec domain.Execution)
}

// MetricsSink defines the interface for recording orchestration metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventReceived(sourceModule, eventType string)
	TriggerMatched(targetModule string)
	ConditionRejected()
	FiringSkipped()
	ExecutionFinished(status domain.ExecutionStatus, kind domain.ErrorKind, duration time.Duration)
	RetryScheduled(attempt int)
}

type Orchestrator struct {
	registry   Registry
	ledger     Ledger
	dispatcher Dispatcher
	tx         Transactor
	retry      RetryPolicy

	emitter   Emitter       // optional, required by Emit
	analytics AnalyticsSink // optional
	metrics   MetricsSink   // optional
	tracer    trace.Tracer
	logger    logrus.FieldLogger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(reg Registry, l Ledger, d Dispatcher, tx Transactor, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		registry:   reg,
		ledger:     l,
		dispatcher: d,
		tx:         tx,
		retry:      DefaultRetryPolicy(),
		tracer:     otel.Tracer(tracerName),
		logger:     logger.WithField("component", "orchestrator"),
		clock:      time.Now,
		sleep:      sleepContext,
	}
}

func (o *Orchestrator) WithRetryPolicy(p RetryPolicy) *Orchestrator {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	o.retry = p
	return o
}

func (o *Orchestrator) WithEmitter(e Emitter) *Orchestrator {
	o.emitter = e
	return o
}

func (o *Orchestrator) WithAnalytics(sink AnalyticsSink) *Orchestrator {
	o.analytics = sink
	return o
}

// WithMetrics attaches a metrics sink to the orchestrator.
func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

func validateEvent(e domain.Event) error {
	switch {
	case e.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant id is required", ErrInvalidEvent)
	case e.SourceModule == "":
		return fmt.Errorf("%w: source module is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	return nil
}

// prepare fills in the event id and timestamp when the caller left them empty.
func (o *Orchestrator) prepare(e domain.Event) domain.Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = o.clock().UTC()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e
}

// HandleEvent fires every active trigger of the event's tenant whose
// conditions match, in priority order, and returns one result per matched
// trigger. First attempts run sequentially; retries run concurrently once
// all first attempts are done. Only infrastructure failures return an error.
func (o *Orchestrator) HandleEvent(ctx context.Context, event domain.Event) ([]domain.ExecutionResult, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	event = o.prepare(event)

	ctx, span := o.tracer.Start(ctx, "triggers.handle_event",
		trace.WithAttributes(
			attribute.String("triggers.tenant_id", event.TenantID.String()),
			attribute.String("triggers.event_id", event.ID.String()),
			attribute.String("triggers.source_module", event.SourceModule),
			attribute.String("triggers.event_type", event.EventType),
		),
	)
	defer span.End()

	if o.metrics != nil {
		o.metrics.EventReceived(event.SourceModule, event.EventType)
	}

	candidates, err := o.registry.ListCandidates(ctx, event.Key())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	log := o.logger.WithFields(logrus.Fields{
		"tenant_id": event.TenantID,
		"event_id":  event.ID,
		"event":     event.SourceModule + "/" + event.EventType,
	})

	var firings []*firing
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("event handling interrupted")
			return collect(firings), err
		}
		if !o.matches(t, event) {
			continue
		}
		f := o.newFiring(t, event, false)
		f.attempt(ctx)
		firings = append(firings, f)
	}

	var wg sync.WaitGroup
	for _, f := range firings {
		if !f.retryable() {
			continue
		}
		wg.Add(1)
		go func(f *firing) {
			defer wg.Done()
			f.retryLoop(ctx)
		}(f)
	}
	wg.Wait()

	results := collect(firings)
	span.SetAttributes(
		attribute.Int("triggers.candidates", len(candidates)),
		attribute.Int("triggers.matched", len(results)),
	)
	log.WithFields(logrus.Fields{"candidates": len(candidates), "matched": len(results)}).Debug("event handled")
	return results, nil
}

// Fire runs a single trigger against an event, retries included. It reports
// false when the trigger's conditions do not match.
func (o *Orchestrator) Fire(ctx context.Context, t domain.Trigger, event domain.Event) (domain.ExecutionResult, bool) {
	event = o.prepare(event)
	if !o.matches(t, event) {
		return domain.ExecutionResult{}, false
	}

	f := o.newFiring(t, event, false)
	f.attempt(ctx)
	f.retryLoop(ctx)
	return f.result, true
}

// Replay fires the trigger of a failed execution again with the same input.
// The replay is a new firing marked manual; conditions are not re-evaluated
// and the trigger's active flag is not checked.
func (o *Orchestrator) Replay(ctx context.Context, tenantID, executionID uuid.UUID) (domain.ExecutionResult, error) {
	prev, err := o.ledger.Get(ctx, tenantID, executionID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if prev.Status != domain.ExecutionStatusFailed {
		return domain.ExecutionResult{}, fmt.Errorf("%w: execution %s is %s", ErrNotReplayable, prev.ID, prev.Status)
	}

	t, err := o.registry.Get(ctx, tenantID, prev.TriggerID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	event := o.prepare(domain.Event{
		TenantID:     tenantID,
		SourceModule: t.SourceModule,
		EventType:    t.EventType,
		Payload:      prev.InputData,
	})

	o.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"trigger_id":   t.ID,
		"execution_id": prev.ID,
		"event_id":     event.ID,
	}).Info("replaying failed execution")

	f := o.newFiring(t, event, true)
	f.attempt(ctx)
	f.retryLoop(ctx)
	return f.result, f.result.Err
}

// matches evaluates conditions. Malformed conditions never match.
func (o *Orchestrator) matches(t domain.Trigger, event domain.Event) bool {
	ok, err := condition.Evaluate(t.Conditions, event.Payload)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"tenant_id":  t.TenantID,
			"trigger_id": t.ID,
			"event_id":   event.ID,
		}).WithError(err).Warn("skipping trigger with malformed conditions")
		if o.metrics != nil {
			o.metrics.ConditionRejected()
		}
		return false
	}
	return ok
}

func collect(firings []*firing) []domain.ExecutionResult {
	results := make([]domain.ExecutionResult, 0, len(firings))
	for _, f := range firings {
		results = append(results, f.result)
	}
	return results
}
