package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/testutil"
	"github.com/Annas82200/mizan-triggers/internal/transport/channel"
)

func TestEmit_WaitReturnsResults(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)
	tenant := uuid.New()

	h.dispatch.RegisterFunc("lxp", "create_learning_path", func(context.Context, dispatcher.Request) (map[string]any, error) {
		return map[string]any{"path_id": "lp-7"}, nil
	})
	tr := h.trigger(t, tenant, "async", 1, "", "lxp", "create_learning_path")

	bus := channel.NewEventBus(10)
	h.orch.WithEmitter(bus)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		h.orch.Run(runCtx, bus.Channel(), 2)
		close(done)
	}()

	ticket, err := h.orch.Emit(ctx, gapEvent(tenant, map[string]any{"employeeId": "E1"}))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ticket.EventID)

	results, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tr.ID, results[0].TriggerID)

	final, _ := results[0].Final()
	assert.Equal(t, ticket.EventID, final.EventID)
	assert.Equal(t, "lp-7", final.OutputData["path_id"])

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestEmit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	_, err := h.orch.Emit(ctx, gapEvent(uuid.New(), nil))
	require.ErrorIs(t, err, ErrNoEventBus)

	h.orch.WithEmitter(channel.NewEventBus(1))
	_, err = h.orch.Emit(ctx, domain.Event{TenantID: uuid.New()})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEmit_BufferFull(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)
	h.orch.WithEmitter(channel.NewEventBus(1, channel.WithEmitTimeout(10*time.Millisecond)))

	_, err := h.orch.Emit(ctx, gapEvent(uuid.New(), nil))
	require.NoError(t, err)
	_, err = h.orch.Emit(ctx, gapEvent(uuid.New(), nil))
	require.ErrorIs(t, err, channel.ErrBufferFull)
}

func TestRun_DrainsBufferedEventsOnShutdown(t *testing.T) {
	h := newHarness(t)
	tenant := uuid.New()

	var handled atomic.Int32
	h.dispatch.RegisterFunc("lxp", "create_learning_path", func(context.Context, dispatcher.Request) (map[string]any, error) {
		handled.Add(1)
		return nil, nil
	})
	h.trigger(t, tenant, "drained", 1, "", "lxp", "create_learning_path")

	bus := channel.NewEventBus(10)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(context.Background(), domain.Envelope{Event: gapEvent(tenant, nil)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.orch.Run(ctx, bus.Channel(), 1)

	assert.EqualValues(t, 3, handled.Load())
	assert.Zero(t, bus.Len())
}

func TestTicket_WaitHonoursContext(t *testing.T) {
	ticket := &Ticket{reply: make(chan domain.EventReport)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ticket.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_ShutdownFinishesEventInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)
	tenant := uuid.New()

	started := make(chan struct{})
	release := make(chan struct{})
	h.dispatch.RegisterFunc("lxp", "create_learning_path", func(ctx context.Context, _ dispatcher.Request) (map[string]any, error) {
		close(started)
		select {
		case <-release:
			return map[string]any{"path_id": "lp-1"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h.dispatch.RegisterFunc("onboarding", "assign_buddy", func(context.Context, dispatcher.Request) (map[string]any, error) {
		return nil, nil
	})
	first := h.trigger(t, tenant, "first", 1, "", "lxp", "create_learning_path")
	second := h.trigger(t, tenant, "second", 2, "", "onboarding", "assign_buddy")

	bus := channel.NewEventBus(10)
	h.orch.WithEmitter(bus)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		h.orch.Run(runCtx, bus.Channel(), 1)
		close(done)
	}()

	ticket, err := h.orch.Emit(ctx, gapEvent(tenant, nil))
	require.NoError(t, err)
	<-started

	stop()
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	results, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, tr := range []domain.Trigger{first, second} {
		execs := h.executions(t, tr)
		require.Len(t, execs, 1, tr.Name)
		assert.Equal(t, domain.ExecutionStatusCompleted, execs[0].Status, tr.Name)
		assert.Equal(t, domain.ErrorKindNone, execs[0].ErrorKind, tr.Name)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the event finished")
	}
}

func TestDetach(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := detach(parent, 30*time.Millisecond)
	defer cancel()

	cancelParent()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, ctx.Err(), "still live during the grace period")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after the grace period")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = detach(context.Background(), time.Hour)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
