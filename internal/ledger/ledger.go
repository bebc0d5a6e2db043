// Package ledger records every trigger firing as an Execution and enforces
// the pending -> running -> completed|failed lifecycle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrStatusTransitionDenied is returned when the execution is not in one
	// of the expected source states, e.g. it is already terminal.
	ErrStatusTransitionDenied = errors.New("execution status transition denied")
	// ErrDuplicateExecution is returned when (trigger, event, attempt) already exists.
	ErrDuplicateExecution = errors.New("execution already recorded for trigger, event and attempt")
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

type Store interface {
	InsertExecution(ctx context.Context, e domain.Execution) error
	// TransitionExecution persists e only if the stored status is one of from.
	TransitionExecution(ctx context.Context, e domain.Execution, from ...domain.ExecutionStatus) error
	GetExecution(ctx context.Context, tenantID, executionID uuid.UUID) (domain.Execution, error)
	// ListExecutions returns a trigger's executions, newest first.
	ListExecutions(ctx context.Context, tenantID, triggerID uuid.UUID, limit, offset int) ([]domain.Execution, error)
	// ListUnfinishedExecutions returns pending or running executions created before olderThan.
	ListUnfinishedExecutions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error)
}

type Ledger struct {
	store Store
	clock func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Attempt describes one firing to be recorded.
type Attempt struct {
	Trigger domain.Trigger
	Event   domain.Event
	Number  int        // 1-based
	RetryOf *uuid.UUID // previous attempt, nil on the first
	Manual  bool
}

// Create records a pending execution for the attempt.
func (l *Ledger) Create(ctx context.Context, a Attempt) (domain.Execution, error) {
	if a.Number < 1 {
		a.Number = 1
	}
	e := domain.Execution{
		ID:        uuid.New(),
		TenantID:  a.Trigger.TenantID,
		TriggerID: a.Trigger.ID,
		EventID:   a.Event.ID,
		Attempt:   a.Number,
		RetryOf:   a.RetryOf,
		Manual:    a.Manual,
		Status:    domain.ExecutionStatusPending,
		InputData: a.Event.Payload,
		CreatedAt: l.clock().UTC(),
	}
	if e.InputData == nil {
		e.InputData = map[string]any{}
	}
	if err := l.store.InsertExecution(ctx, e); err != nil {
		return domain.Execution{}, err
	}
	return e, nil
}

// Start moves a pending execution to running and stamps StartedAt.
func (l *Ledger) Start(ctx context.Context, e domain.Execution) (domain.Execution, error) {
	now := l.clock().UTC()
	e.Status = domain.ExecutionStatusRunning
	e.StartedAt = &now
	if err := l.store.TransitionExecution(ctx, e, domain.ExecutionStatusPending); err != nil {
		return domain.Execution{}, fmt.Errorf("start execution %s: %w", e.ID, err)
	}
	return e, nil
}

// Finish moves a running execution to its terminal state from the outcome.
func (l *Ledger) Finish(ctx context.Context, e domain.Execution, out domain.Outcome) (domain.Execution, error) {
	now := l.clock().UTC()
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.ExecutionTimeMs = now.Sub(*e.StartedAt).Milliseconds()
	}
	if out.Success {
		e.Status = domain.ExecutionStatusCompleted
		e.OutputData = out.Output
		e.ErrorKind = domain.ErrorKindNone
		e.ErrorMessage = ""
	} else {
		e.Status = domain.ExecutionStatusFailed
		e.ErrorKind = out.ErrorKind
		e.ErrorMessage = out.ErrorMessage
	}
	if err := l.store.TransitionExecution(ctx, e, domain.ExecutionStatusRunning); err != nil {
		return domain.Execution{}, fmt.Errorf("finish execution %s: %w", e.ID, err)
	}
	return e, nil
}

// Abandon fails a pending or running execution without a dispatch result.
// Used by the reconciler for stuck and interrupted executions.
func (l *Ledger) Abandon(ctx context.Context, e domain.Execution, kind domain.ErrorKind, msg string) (domain.Execution, error) {
	now := l.clock().UTC()
	e.Status = domain.ExecutionStatusFailed
	e.ErrorKind = kind
	e.ErrorMessage = msg
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.ExecutionTimeMs = now.Sub(*e.StartedAt).Milliseconds()
	}
	if err := l.store.TransitionExecution(ctx, e, domain.ExecutionStatusPending, domain.ExecutionStatusRunning); err != nil {
		return domain.Execution{}, fmt.Errorf("abandon execution %s: %w", e.ID, err)
	}
	return e, nil
}

func (l *Ledger) Get(ctx context.Context, tenantID, executionID uuid.UUID) (domain.Execution, error) {
	return l.store.GetExecution(ctx, tenantID, executionID)
}

// List returns a page of a trigger's executions, newest first.
func (l *Ledger) List(ctx context.Context, tenantID, triggerID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	limit, offset = NormalizePage(limit, offset)
	return l.store.ListExecutions(ctx, tenantID, triggerID, limit, offset)
}

func (l *Ledger) ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	return l.store.ListUnfinishedExecutions(ctx, olderThan, limit)
}

// NormalizePage clamps limit to [1, MaxPageSize], defaulting to DefaultPageSize.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
