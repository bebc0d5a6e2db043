package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/registry"
)

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(&pq.Error{Code: "23505"}))
	assert.True(t, isDuplicateKey(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isDuplicateKey(&pq.Error{Code: "23503"}))
	assert.False(t, isDuplicateKey(errors.New("duplicate key value violates unique constraint")))
	assert.False(t, isDuplicateKey(nil))
}

func TestEncodeJSON(t *testing.T) {
	v, err := encodeJSON(nil, false)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = encodeJSON(nil, true)
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	v, err = encodeJSON(map[string]any{"score": 45}, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":45}`, v.(string))

	_, err = encodeJSON(map[string]any{"bad": make(chan int)}, false)
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	m := map[string]any{}
	require.NoError(t, decodeJSON(nil, &m))
	assert.Empty(t, m)

	require.NoError(t, decodeJSON([]byte("null"), &m))
	assert.NotNil(t, m)

	require.NoError(t, decodeJSON([]byte(`{"a":1}`), &m))
	assert.Equal(t, float64(1), m["a"])

	assert.Error(t, decodeJSON([]byte(`[1,2]`), &m))
}

func TestScheduleColumns(t *testing.T) {
	expr, tz := scheduleColumns(nil)
	assert.False(t, expr.Valid)
	assert.False(t, tz.Valid)

	expr, tz = scheduleColumns(&domain.Schedule{CronExpression: "0 8 * * 1", Timezone: "Asia/Riyadh"})
	assert.Equal(t, sql.NullString{String: "0 8 * * 1", Valid: true}, expr)
	assert.Equal(t, sql.NullString{String: "Asia/Riyadh", Valid: true}, tz)
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]domain.ExecutionStatus{domain.ExecutionStatusPending, domain.ExecutionStatusRunning})
	assert.Equal(t, []string{"pending", "running"}, got)
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schema, "UNIQUE (tenant_id, name)")
	assert.Contains(t, schema, "UNIQUE (trigger_id, event_id, attempt)")
	assert.Contains(t, schema, "REFERENCES triggers (id) ON DELETE RESTRICT")
	assert.NotContains(t, schema, "CASCADE")
}

func TestListTriggersOrder(t *testing.T) {
	assert.Contains(t, queryListTriggers, "ORDER BY created_at, id")
}

// openTestStore connects to TRIGGERS_TEST_DATABASE_URL, skipping when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TRIGGERS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRIGGERS_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	s := New(db)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTrigger(tenantID uuid.UUID) domain.Trigger {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Trigger{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Name:         "low score " + uuid.NewString(),
		Type:         domain.TriggerTypeEventBased,
		SourceModule: "performance",
		EventType:    "review_completed",
		Conditions:   []byte(`{"field":"score","op":"lt","value":50}`),
		TargetModule: "lxp",
		Action:       "assign_learning_path",
		ActionConfig: map[string]any{"path": "remedial"},
		IsActive:     true,
		Priority:     3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_Triggers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	tr := testTrigger(tenant)
	require.NoError(t, s.InsertTrigger(ctx, tr))
	assert.ErrorIs(t, s.InsertTrigger(ctx, func() domain.Trigger { d := tr; d.ID = uuid.New(); return d }()), registry.ErrDuplicateTrigger)

	got, err := s.GetTrigger(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Name, got.Name)
	assert.JSONEq(t, string(tr.Conditions), string(got.Conditions))
	assert.Equal(t, "remedial", got.ActionConfig["path"])
	assert.Nil(t, got.Schedule)

	_, err = s.GetTrigger(ctx, uuid.New(), tr.ID)
	assert.ErrorIs(t, err, registry.ErrTriggerNotFound)

	active, err := s.ListActiveTriggers(ctx, tr.Key())
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.IncrementTriggerCounters(ctx, tr.ID, true, time.Now()))
	require.NoError(t, s.IncrementTriggerCounters(ctx, tr.ID, false, time.Now()))
	assert.ErrorIs(t, s.IncrementTriggerCounters(ctx, uuid.New(), true, time.Now()), registry.ErrTriggerNotFound)

	tr.IsActive = false
	require.NoError(t, s.UpdateTrigger(ctx, tr))
	got, err = s.GetTrigger(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.EqualValues(t, 2, got.TriggerCount)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestStore_Executions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	tr := testTrigger(tenant)
	require.NoError(t, s.InsertTrigger(ctx, tr))

	e := domain.Execution{
		ID:        uuid.New(),
		TenantID:  tenant,
		TriggerID: tr.ID,
		EventID:   uuid.New(),
		Attempt:   1,
		Status:    domain.ExecutionStatusPending,
		InputData: map[string]any{"score": 45},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertExecution(ctx, e))

	dup := e
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.InsertExecution(ctx, dup), ledger.ErrDuplicateExecution)

	started := time.Now().UTC()
	e.Status = domain.ExecutionStatusRunning
	e.StartedAt = &started
	require.NoError(t, s.TransitionExecution(ctx, e, domain.ExecutionStatusPending))

	e.Status = domain.ExecutionStatusCompleted
	e.OutputData = map[string]any{"assigned": true}
	require.NoError(t, s.TransitionExecution(ctx, e, domain.ExecutionStatusRunning))

	e.Status = domain.ExecutionStatusFailed
	assert.ErrorIs(t, s.TransitionExecution(ctx, e, domain.ExecutionStatusRunning), ledger.ErrStatusTransitionDenied)

	missing := e
	missing.ID = uuid.New()
	assert.ErrorIs(t, s.TransitionExecution(ctx, missing, domain.ExecutionStatusRunning), ledger.ErrExecutionNotFound)

	got, err := s.GetExecution(ctx, tenant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, true, got.OutputData["assigned"])
	assert.Equal(t, float64(45), got.InputData["score"])
}

func TestStore_ListTriggersOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	older := testTrigger(tenant)
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := testTrigger(tenant)
	require.NoError(t, s.InsertTrigger(ctx, newer))
	require.NoError(t, s.InsertTrigger(ctx, older))

	got, err := s.ListTriggers(ctx, tenant, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)
}

func TestStore_ExecutionHistoryBlocksTriggerDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	tr := testTrigger(tenant)
	require.NoError(t, s.InsertTrigger(ctx, tr))
	require.NoError(t, s.InsertExecution(ctx, domain.Execution{
		ID:        uuid.New(),
		TenantID:  tenant,
		TriggerID: tr.ID,
		EventID:   uuid.New(),
		Attempt:   1,
		Status:    domain.ExecutionStatusPending,
		CreatedAt: time.Now().UTC(),
	}))

	_, err := s.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = $1", tr.ID)
	var pqErr *pq.Error
	require.True(t, errors.As(err, &pqErr), "delete must be refused: %v", err)
	assert.EqualValues(t, "23503", pqErr.Code)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()
	tr := testTrigger(tenant)

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.InsertTrigger(ctx, tr))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetTrigger(ctx, tenant, tr.ID)
	assert.ErrorIs(t, err, registry.ErrTriggerNotFound)
}
