package ledger_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/store/memory"
	"github.com/Annas82200/mizan-triggers/internal/testutil"
)

func fixture() (domain.Trigger, domain.Event) {
	tenant := uuid.New()
	tr := domain.Trigger{ID: uuid.New(), TenantID: tenant, Name: "t", Priority: 1}
	ev := domain.Event{
		ID:           uuid.New(),
		TenantID:     tenant,
		SourceModule: "performance",
		EventType:    "review_completed",
		Payload:      map[string]any{"priority": "high"},
	}
	return tr, ev
}

func newLedger() (*ledger.Ledger, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return ledger.New(memory.New()).WithClock(clock.Now), clock
}

func TestLifecycle_Completed(t *testing.T) {
	l, clock := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPending, e.Status)
	assert.Equal(t, ev.Payload, e.InputData)
	assert.Nil(t, e.StartedAt)

	e, err = l.Start(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, e.StartedAt)

	clock.Advance(250 * time.Millisecond)
	e, err = l.Finish(ctx, e, domain.Outcome{Success: true, Output: map[string]any{"course": "c-1"}})
	require.NoError(t, err)

	got, err := l.Get(ctx, tr.TenantID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.EqualValues(t, 250, got.ExecutionTimeMs)
	assert.Equal(t, "c-1", got.OutputData["course"])
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestLifecycle_Failed(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempt, "attempt defaults to 1")

	e, err = l.Start(ctx, e)
	require.NoError(t, err)
	_, err = l.Finish(ctx, e, domain.Outcome{ErrorKind: domain.ErrorKindModuleHandlerError, ErrorMessage: "lxp down"})
	require.NoError(t, err)

	got, err := l.Get(ctx, tr.TenantID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, domain.ErrorKindModuleHandlerError, got.ErrorKind)
	assert.Equal(t, "lxp down", got.ErrorMessage)
}

func TestTerminalIsFinal(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)
	e, err = l.Start(ctx, e)
	require.NoError(t, err)
	done, err := l.Finish(ctx, e, domain.Outcome{Success: true})
	require.NoError(t, err)

	_, err = l.Finish(ctx, e, domain.Outcome{ErrorKind: domain.ErrorKindTimeout})
	require.ErrorIs(t, err, ledger.ErrStatusTransitionDenied)
	_, err = l.Abandon(ctx, done, domain.ErrorKindInterrupted, "restart")
	require.ErrorIs(t, err, ledger.ErrStatusTransitionDenied)
	_, err = l.Start(ctx, done)
	require.ErrorIs(t, err, ledger.ErrStatusTransitionDenied)

	got, err := l.Get(ctx, tr.TenantID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
}

func TestFinish_RequiresRunning(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)

	_, err = l.Finish(ctx, e, domain.Outcome{Success: true})
	require.ErrorIs(t, err, ledger.ErrStatusTransitionDenied)
}

func TestAbandon_PendingOrRunning(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	pending, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)
	_, err = l.Abandon(ctx, pending, domain.ErrorKindInterrupted, "process restarted")
	require.NoError(t, err)

	running, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 2, RetryOf: &pending.ID})
	require.NoError(t, err)
	running, err = l.Start(ctx, running)
	require.NoError(t, err)
	_, err = l.Abandon(ctx, running, domain.ErrorKindTimeout, "stuck")
	require.NoError(t, err)

	got, err := l.Get(ctx, tr.TenantID, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorKindTimeout, got.ErrorKind)
	require.NotNil(t, got.RetryOf)
	assert.Equal(t, pending.ID, *got.RetryOf)
}

func TestCreate_DuplicateFiring(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	_, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)

	_, err = l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.ErrorIs(t, err, ledger.ErrDuplicateExecution)

	_, err = l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 2})
	require.NoError(t, err, "a retry attempt is a distinct firing")
}

func TestGet_TenantScoped(t *testing.T) {
	l, _ := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)

	_, err = l.Get(ctx, uuid.New(), e.ID)
	require.ErrorIs(t, err, ledger.ErrExecutionNotFound)
}

func TestList_NewestFirstPaginated(t *testing.T) {
	l, clock := newLedger()
	ctx := testutil.TestContext(t)
	tr, _ := fixture()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ev := domain.Event{ID: uuid.New(), TenantID: tr.TenantID}
		e, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
		require.NoError(t, err)
		ids = append(ids, e.ID)
		clock.Advance(time.Second)
	}

	first, err := l.List(ctx, tr.TenantID, tr.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[4], first[0].ID)
	assert.Equal(t, ids[3], first[1].ID)

	rest, err := l.List(ctx, tr.TenantID, tr.ID, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	other, err := l.List(ctx, uuid.New(), tr.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestListUnfinished(t *testing.T) {
	l, clock := newLedger()
	ctx := testutil.TestContext(t)
	tr, ev := fixture()

	old, err := l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 1})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = l.Create(ctx, ledger.Attempt{Trigger: tr, Event: ev, Number: 2})
	require.NoError(t, err)

	got, err := l.ListUnfinished(ctx, clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		limit, offset int
		wantL, wantO  int
	}{
		{0, 0, ledger.DefaultPageSize, 0},
		{-3, -1, ledger.DefaultPageSize, 0},
		{50, 10, 50, 10},
		{5000, 0, ledger.MaxPageSize, 0},
	}
	for _, tt := range tests {
		l, o := ledger.NormalizePage(tt.limit, tt.offset)
		assert.Equal(t, tt.wantL, l)
		assert.Equal(t, tt.wantO, o)
	}
}
