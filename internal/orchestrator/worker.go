package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

// DrainTimeout is the maximum time to spend on buffered events during shutdown.
const DrainTimeout = 30 * time.Second

type Emitter interface {
	Emit(ctx context.Context, env domain.Envelope) error
}

// Ticket is returned by Emit. Wait blocks until the event has been handled.
type Ticket struct {
	EventID uuid.UUID
	reply   <-chan domain.EventReport
}

func (t *Ticket) Wait(ctx context.Context) ([]domain.ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-t.reply:
		return r.Results, r.Err
	}
}

// Emit validates the event and queues it for asynchronous handling.
// It fails only when the event is invalid or the bus rejects it.
func (o *Orchestrator) Emit(ctx context.Context, event domain.Event) (*Ticket, error) {
	if o.emitter == nil {
		return nil, ErrNoEventBus
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	event = o.prepare(event)

	reply := make(chan domain.EventReport, 1)
	if err := o.emitter.Emit(ctx, domain.Envelope{Event: event, Reply: reply}); err != nil {
		return nil, err
	}
	return &Ticket{EventID: event.ID, reply: reply}, nil
}

// Run starts workers consuming ch until ctx is cancelled, then drains what
// is still buffered. An event already being handled when ctx is cancelled
// is finished, all candidates and retries included, within DrainTimeout.
// It returns when every worker has stopped.
func (o *Orchestrator) Run(ctx context.Context, ch <-chan domain.Envelope, workers int) {
	if workers < 1 {
		workers = 1
	}
	o.logger.WithField("workers", workers).Info("started")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx, ch)
		}()
	}
	wg.Wait()
	o.logger.Info("stopped")
}

func (o *Orchestrator) work(ctx context.Context, ch <-chan domain.Envelope) {
	for {
		if ctx.Err() != nil {
			o.drain(ch)
			return
		}
		select {
		case <-ctx.Done():
			o.drain(ch)
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			hctx, cancel := detach(ctx, DrainTimeout)
			o.process(hctx, env)
			cancel()
		}
	}
}

// detach returns a context for handling one accepted event. Cancelling
// parent does not stop the handling; it only starts a grace period after
// which the returned context is cancelled.
func detach(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// drain handles remaining buffered events after shutdown starts.
// Uses a background context since the main context is already cancelled.
func (o *Orchestrator) drain(ch <-chan domain.Envelope) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	defer func() {
		if count > 0 {
			o.logger.WithField("events", count).Info("drain complete")
		}
	}()

	for {
		select {
		case <-drainCtx.Done():
			o.logger.WithField("events", count).Warn("drain timeout")
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			o.process(drainCtx, env)
			count++
		default:
			return
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, env domain.Envelope) {
	results, err := o.HandleEvent(ctx, env.Event)
	if err != nil {
		o.logger.WithError(err).WithField("event_id", env.Event.ID).Error("event handling failed")
	}
	if env.Reply != nil {
		select {
		case env.Reply <- domain.EventReport{EventID: env.Event.ID, Results: results, Err: err}:
		default:
		}
	}
}
