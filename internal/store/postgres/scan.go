package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var (
		t            domain.Trigger
		typ          string
		conditions   []byte
		actionConfig []byte
		cronExpr     sql.NullString
		tz           sql.NullString
		last         sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&typ,
		&t.SourceModule,
		&t.EventType,
		&conditions,
		&t.TargetModule,
		&t.Action,
		&actionConfig,
		&t.IsActive,
		&t.Priority,
		&cronExpr,
		&tz,
		&last,
		&t.TriggerCount,
		&t.SuccessCount,
		&t.FailureCount,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}

	t.Type = domain.TriggerType(typ)
	if len(conditions) > 0 {
		t.Conditions = json.RawMessage(conditions)
	}
	t.ActionConfig = map[string]any{}
	if err := decodeJSON(actionConfig, &t.ActionConfig); err != nil {
		return domain.Trigger{}, fmt.Errorf("decode action config of %s: %w", t.ID, err)
	}
	if cronExpr.Valid {
		t.Schedule = &domain.Schedule{CronExpression: cronExpr.String, Timezone: tz.String}
	}
	if last.Valid {
		at := last.Time
		t.LastTriggeredAt = &at
	}
	return t, nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e         domain.Execution
		status    string
		errorKind string
		retryOf   uuid.NullUUID
		input     []byte
		output    []byte
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.TriggerID,
		&e.EventID,
		&e.Attempt,
		&retryOf,
		&e.Manual,
		&status,
		&input,
		&output,
		&errorKind,
		&e.ErrorMessage,
		&e.ExecutionTimeMs,
		&e.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return domain.Execution{}, err
	}

	e.Status = domain.ExecutionStatus(status)
	e.ErrorKind = domain.ErrorKind(errorKind)
	if retryOf.Valid {
		id := retryOf.UUID
		e.RetryOf = &id
	}
	e.InputData = map[string]any{}
	if err := decodeJSON(input, &e.InputData); err != nil {
		return domain.Execution{}, fmt.Errorf("decode input of %s: %w", e.ID, err)
	}
	if len(output) > 0 {
		if err := decodeJSON(output, &e.OutputData); err != nil {
			return domain.Execution{}, fmt.Errorf("decode output of %s: %w", e.ID, err)
		}
	}
	if started.Valid {
		at := started.Time
		e.StartedAt = &at
	}
	if completed.Valid {
		at := completed.Time
		e.CompletedAt = &at
	}
	return e, nil
}

func encodeTrigger(t domain.Trigger) (conditions, actionConfig any, err error) {
	if len(t.Conditions) > 0 {
		conditions = string(t.Conditions)
	}
	actionConfig, err = encodeJSON(t.ActionConfig, true)
	if err != nil {
		return nil, nil, fmt.Errorf("encode action config: %w", err)
	}
	return conditions, actionConfig, nil
}

// encodeJSON renders m for a JSONB parameter. lib/pq sends []byte as bytea,
// so the document goes over the wire as a string. A nil map becomes NULL
// unless required is set, in which case it becomes {}.
func encodeJSON(m map[string]any, required bool) (any, error) {
	if m == nil {
		if required {
			return "{}", nil
		}
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(b []byte, dst *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}

func scheduleColumns(s *domain.Schedule) (cronExpr, tz sql.NullString) {
	if s == nil {
		return cronExpr, tz
	}
	return sql.NullString{String: s.CronExpression, Valid: true},
		sql.NullString{String: s.Timezone, Valid: true}
}

func statusStrings(statuses []domain.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func requireAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isDuplicateKey checks if err is a PostgreSQL unique_violation.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
