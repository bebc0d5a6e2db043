package orchestrator

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
)

// firing tracks the attempts of one trigger for one event.
type firing struct {
	o       *Orchestrator
	trigger domain.Trigger
	event   domain.Event
	manual  bool
	result  domain.ExecutionResult
	last    domain.Outcome
	log     logrus.FieldLogger
}

func (o *Orchestrator) newFiring(t domain.Trigger, event domain.Event, manual bool) *firing {
	if o.metrics != nil {
		o.metrics.TriggerMatched(t.TargetModule)
	}
	return &firing{
		o:       o,
		trigger: t,
		event:   event,
		manual:  manual,
		result:  domain.ExecutionResult{TriggerID: t.ID, Priority: t.Priority},
		log: o.logger.WithFields(logrus.Fields{
			"tenant_id":  t.TenantID,
			"trigger_id": t.ID,
			"event_id":   event.ID,
			"target":     t.TargetModule + "/" + t.Action,
		}),
	}
}

func (f *firing) retryable() bool {
	return f.result.Err == nil &&
		!f.result.Skipped &&
		len(f.result.Executions) > 0 &&
		!f.last.Success &&
		f.last.Transient &&
		len(f.result.Executions) < f.o.retry.MaxAttempts
}

func (f *firing) retryLoop(ctx context.Context) {
	for f.retryable() {
		prev := f.result.Executions[len(f.result.Executions)-1]
		delay := f.o.retry.Delay(prev.Attempt)

		if f.o.metrics != nil {
			f.o.metrics.RetryScheduled(prev.Attempt + 1)
		}
		f.log.WithFields(logrus.Fields{
			"attempt":    prev.Attempt + 1,
			"backoff":    delay.String(),
			"error_kind": prev.ErrorKind,
		}).Info("retrying transient failure")

		if err := f.o.sleep(ctx, delay); err != nil {
			f.log.WithError(err).Warn("retry abandoned")
			return
		}
		f.attempt(ctx)
	}
}

// attempt records and dispatches the next attempt. The pending row is written
// before dispatch so a crash mid-dispatch leaves a trace for the reconciler.
func (f *firing) attempt(ctx context.Context) {
	o := f.o
	a := ledger.Attempt{Trigger: f.trigger, Event: f.event, Number: 1, Manual: f.manual}
	if n := len(f.result.Executions); n > 0 {
		prev := f.result.Executions[n-1]
		a.Number = prev.Attempt + 1
		a.RetryOf = &prev.ID
	}

	exec, err := o.ledger.Create(ctx, a)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateExecution) {
			f.log.WithField("attempt", a.Number).Info("firing already recorded for event, skipping")
			f.result.Skipped = true
			if o.metrics != nil {
				o.metrics.FiringSkipped()
			}
			return
		}
		f.log.WithError(err).Error("failed to record execution")
		f.result.Err = err
		return
	}

	exec, err = o.ledger.Start(ctx, exec)
	if err != nil {
		// Left pending; the reconciler fails it later.
		f.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to start execution")
		f.result.Executions = append(f.result.Executions, exec)
		f.result.Err = err
		return
	}

	out := o.dispatcher.Dispatch(ctx, dispatcher.Request{
		TenantID:     f.trigger.TenantID,
		TriggerID:    f.trigger.ID,
		ExecutionID:  exec.ID,
		Attempt:      exec.Attempt,
		TargetModule: f.trigger.TargetModule,
		Action:       f.trigger.Action,
		ActionConfig: f.trigger.ActionConfig,
		Payload:      f.event.Payload,
	})
	f.last = out

	exec, err = o.finish(ctx, exec, out)
	f.result.Executions = append(f.result.Executions, exec)
	if err != nil {
		f.result.Err = err
		return
	}

	entry := f.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"attempt":      exec.Attempt,
		"status":       exec.Status,
		"duration_ms":  exec.ExecutionTimeMs,
	})
	if exec.Status == domain.ExecutionStatusFailed {
		entry.WithFields(logrus.Fields{"error_kind": exec.ErrorKind, "error": exec.ErrorMessage}).Warn("execution failed")
	} else {
		entry.Info("execution completed")
	}
}

// finish writes the terminal state and the trigger counters as one unit.
// The writes outlive ctx cancellation so a dispatched action is always recorded.
func (o *Orchestrator) finish(ctx context.Context, exec domain.Execution, out domain.Outcome) (domain.Execution, error) {
	ctx = context.WithoutCancel(ctx)

	var done domain.Execution
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		done, err = o.ledger.Finish(ctx, exec, out)
		if err != nil {
			return err
		}
		return o.registry.RecordOutcome(ctx, exec.TriggerID, out.Success)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrStatusTransitionDenied) {
			// Another writer, usually the reconciler, already made it terminal.
			o.logger.WithField("execution_id", exec.ID).Warn("execution already terminal, outcome dropped")
			if cur, getErr := o.ledger.Get(ctx, exec.TenantID, exec.ID); getErr == nil {
				return cur, nil
			}
			return exec, nil
		}
		o.logger.WithError(err).WithField("execution_id", exec.ID).Error("failed to record outcome")
		return exec, err
	}

	if o.metrics != nil {
		o.metrics.ExecutionFinished(done.Status, done.ErrorKind, msDuration(done.ExecutionTimeMs))
	}
	if o.analytics != nil {
		o.analytics.Record(ctx, done)
	}
	return done, nil
}
