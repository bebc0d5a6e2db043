// Package postgres persists triggers and executions in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/registry"
)

//go:embed schema.sql
var schema string

// Store implements registry.Store and ledger.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTx runs fn in a transaction. Store calls made with fn's context join
// it. A nested call reuses the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// Triggers

func (s *Store) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	conditions, actionConfig, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	cronExpr, tz := scheduleColumns(t.Schedule)

	_, err = s.conn(ctx).ExecContext(ctx, queryInsertTrigger,
		t.ID,
		t.TenantID,
		t.Name,
		string(t.Type),
		t.SourceModule,
		t.EventType,
		conditions,
		t.TargetModule,
		t.Action,
		actionConfig,
		t.IsActive,
		t.Priority,
		cronExpr,
		tz,
		t.LastTriggeredAt,
		t.TriggerCount,
		t.SuccessCount,
		t.FailureCount,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return registry.ErrDuplicateTrigger
	}
	return err
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	conditions, actionConfig, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	cronExpr, tz := scheduleColumns(t.Schedule)

	result, err := s.conn(ctx).ExecContext(ctx, queryUpdateTrigger,
		t.ID,
		t.TenantID,
		t.Name,
		string(t.Type),
		t.SourceModule,
		t.EventType,
		conditions,
		t.TargetModule,
		t.Action,
		actionConfig,
		t.IsActive,
		t.Priority,
		cronExpr,
		tz,
		t.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return registry.ErrDuplicateTrigger
	}
	if err != nil {
		return err
	}
	return requireAffected(result, registry.ErrTriggerNotFound)
}

func (s *Store) GetTrigger(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error) {
	t, err := scanTrigger(s.conn(ctx).QueryRowContext(ctx, queryGetTrigger, tenantID, triggerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, registry.ErrTriggerNotFound
	}
	return t, err
}

func (s *Store) GetTriggerByName(ctx context.Context, tenantID uuid.UUID, name string) (domain.Trigger, error) {
	t, err := scanTrigger(s.conn(ctx).QueryRowContext(ctx, queryGetTriggerByName, tenantID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, registry.ErrTriggerNotFound
	}
	return t, err
}

func (s *Store) ListTriggers(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListTriggers, tenantID, limit, offset)
}

func (s *Store) ListActiveTriggers(ctx context.Context, key domain.EventKey) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListActiveTriggers, key.TenantID, key.SourceModule, key.EventType)
}

func (s *Store) ListScheduledTriggers(ctx context.Context) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListScheduledTriggers)
}

// IncrementTriggerCounters is a single UPDATE so concurrent outcomes are never lost.
func (s *Store) IncrementTriggerCounters(ctx context.Context, triggerID uuid.UUID, success bool, at time.Time) error {
	result, err := s.conn(ctx).ExecContext(ctx, queryIncrementTriggerCounters, triggerID, success, at)
	if err != nil {
		return err
	}
	return requireAffected(result, registry.ErrTriggerNotFound)
}

func (s *Store) queryTriggers(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Executions

// InsertExecution returns ledger.ErrDuplicateExecution if
// (trigger_id, event_id, attempt) already exists.
func (s *Store) InsertExecution(ctx context.Context, e domain.Execution) error {
	input, err := encodeJSON(e.InputData, true)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	output, err := encodeJSON(e.OutputData, false)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	_, err = s.conn(ctx).ExecContext(ctx, queryInsertExecution,
		e.ID,
		e.TenantID,
		e.TriggerID,
		e.EventID,
		e.Attempt,
		e.RetryOf,
		e.Manual,
		string(e.Status),
		input,
		output,
		string(e.ErrorKind),
		e.ErrorMessage,
		e.ExecutionTimeMs,
		e.CreatedAt,
		e.StartedAt,
		e.CompletedAt,
	)
	if isDuplicateKey(err) {
		return ledger.ErrDuplicateExecution
	}
	return err
}

// TransitionExecution returns ledger.ErrStatusTransitionDenied if the stored
// status is not one of from.
func (s *Store) TransitionExecution(ctx context.Context, e domain.Execution, from ...domain.ExecutionStatus) error {
	output, err := encodeJSON(e.OutputData, false)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	q := s.conn(ctx)
	result, err := q.ExecContext(ctx, queryTransitionExecution,
		e.ID,
		e.TenantID,
		string(e.Status),
		output,
		string(e.ErrorKind),
		e.ErrorMessage,
		e.ExecutionTimeMs,
		e.StartedAt,
		e.CompletedAt,
		pq.Array(statusStrings(from)),
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Either the row is missing or its status did not match.
	var exists bool
	if err := q.QueryRowContext(ctx, queryExecutionExists, e.ID, e.TenantID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ledger.ErrExecutionNotFound
	}
	return ledger.ErrStatusTransitionDenied
}

func (s *Store) GetExecution(ctx context.Context, tenantID, executionID uuid.UUID) (domain.Execution, error) {
	e, err := scanExecution(s.conn(ctx).QueryRowContext(ctx, queryGetExecution, tenantID, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, ledger.ErrExecutionNotFound
	}
	return e, err
}

func (s *Store) ListExecutions(ctx context.Context, tenantID, triggerID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	return s.queryExecutions(ctx, queryListExecutions, tenantID, triggerID, limit, offset)
}

func (s *Store) ListUnfinishedExecutions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryExecutions(ctx, queryListUnfinishedExecutions, olderThan, lim)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Compile-time interface assertions
var (
	_ registry.Store = (*Store)(nil)
	_ ledger.Store   = (*Store)(nil)
)
