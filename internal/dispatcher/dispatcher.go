// Package dispatcher routes (targetModule, action) pairs to registered module
// handlers and converts whatever happens into a domain.Outcome.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

const (
	DefaultTimeout = 30 * time.Second
	tracerName     = "github.com/Annas82200/mizan-triggers/dispatcher"
)

// Request is what a module handler receives.
type Request struct {
	TenantID     uuid.UUID
	TriggerID    uuid.UUID
	ExecutionID  uuid.UUID
	Attempt      int
	TargetModule string
	Action       string
	ActionConfig map[string]any
	Payload      map[string]any
}

// Handler performs one action in a target module. A nil error is success and
// the returned map is stored as the execution output.
type Handler interface {
	Handle(ctx context.Context, req Request) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

type Breaker interface {
	Allow(module string) error
	RecordSuccess(module string)
	RecordFailure(module string)
	ReleaseTrial(module string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DispatchCompleted(targetModule string, errorKind domain.ErrorKind, duration time.Duration)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()
}

// Limits caps the load put on each target module. Zero values disable a limit.
type Limits struct {
	Concurrency int
	RateLimit   float64 // dispatches per second
	RateBurst   int
}

type gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	gatesMu sync.Mutex
	gates   map[string]*gate

	timeout time.Duration
	limits  Limits
	breaker Breaker     // optional
	metrics MetricsSink // optional
	tracer  trace.Tracer
	logger  logrus.FieldLogger
}

type Option func(*Dispatcher)

// WithTimeout bounds each dispatch, including time spent waiting for module capacity.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.timeout = d
		}
	}
}

func WithLimits(l Limits) Option {
	return func(ds *Dispatcher) { ds.limits = l }
}

func WithBreaker(b Breaker) Option {
	return func(ds *Dispatcher) { ds.breaker = b }
}

func WithMetrics(m MetricsSink) Option {
	return func(ds *Dispatcher) { ds.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(ds *Dispatcher) { ds.tracer = t }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(ds *Dispatcher) { ds.logger = l }
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		gates:    make(map[string]*gate),
		timeout:  DefaultTimeout,
		tracer:   otel.Tracer(tracerName),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithField("component", "dispatcher")
	return d
}

func handlerKey(module, action string) string {
	return module + "/" + action
}

// Register binds a handler to (targetModule, action). Registering the same
// pair again replaces the previous handler.
func (d *Dispatcher) Register(targetModule, action string, h Handler) {
	key := handlerKey(targetModule, action)

	d.mu.Lock()
	_, replaced := d.handlers[key]
	d.handlers[key] = h
	d.mu.Unlock()

	if replaced {
		d.logger.WithField("action", key).Warn("handler replaced")
	}
}

func (d *Dispatcher) RegisterFunc(targetModule, action string, fn HandlerFunc) {
	d.Register(targetModule, action, fn)
}

// Registered lists the bound "module/action" pairs, sorted.
func (d *Dispatcher) Registered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for key := range d.handlers {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) lookup(module, action string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[handlerKey(module, action)]
	return h, ok
}

// Dispatch invokes the handler for req and always returns an outcome.
// Failures never escape as errors or panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) domain.Outcome {
	if d.metrics != nil {
		d.metrics.DispatchesInFlightIncr()
		defer d.metrics.DispatchesInFlightDecr()
	}

	ctx, span := d.tracer.Start(ctx, "triggers.dispatch",
		trace.WithAttributes(
			attribute.String("triggers.tenant_id", req.TenantID.String()),
			attribute.String("triggers.trigger_id", req.TriggerID.String()),
			attribute.String("triggers.execution_id", req.ExecutionID.String()),
			attribute.String("triggers.target_module", req.TargetModule),
			attribute.String("triggers.action", req.Action),
			attribute.Int("triggers.attempt", req.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	out := d.dispatch(ctx, req)
	elapsed := time.Since(start)

	if out.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("triggers.error_kind", string(out.ErrorKind)))
		span.SetStatus(codes.Error, out.ErrorMessage)
	}
	if d.metrics != nil {
		d.metrics.DispatchCompleted(req.TargetModule, out.ErrorKind, elapsed)
	}
	return out
}

type handlerResult struct {
	output map[string]any
	err    error
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) domain.Outcome {
	h, ok := d.lookup(req.TargetModule, req.Action)
	if !ok {
		return domain.Outcome{
			ErrorKind:    domain.ErrorKindUnknownAction,
			ErrorMessage: fmt.Sprintf("no handler registered for %s", handlerKey(req.TargetModule, req.Action)),
		}
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(req.TargetModule); err != nil {
			return domain.Outcome{
				ErrorKind:    domain.ErrorKindCircuitOpen,
				ErrorMessage: fmt.Sprintf("%s: %v", req.TargetModule, err),
				Transient:    true,
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	release, err := d.acquire(ctx, req.TargetModule)
	if err != nil {
		// rate.Limiter fails fast with its own error when the wait would pass the deadline.
		out := domain.Outcome{
			ErrorKind:    domain.ErrorKindTimeout,
			ErrorMessage: fmt.Sprintf("waiting for %s capacity: %v", req.TargetModule, err),
			Transient:    true,
		}
		d.recordBreaker(req.TargetModule, out)
		return out
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithFields(logrus.Fields{
					"action": handlerKey(req.TargetModule, req.Action),
					"panic":  r,
					"stack":  string(debug.Stack()),
				}).Error("handler panicked")
				done <- handlerResult{err: Failure(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		output, err := h.Handle(ctx, req)
		done <- handlerResult{output: output, err: err}
	}()

	var out domain.Outcome
	select {
	case res := <-done:
		if res.err != nil {
			out = outcomeFromError(res.err)
			break
		}
		out = domain.Outcome{Success: true, Output: res.output}
		if out.Output == nil {
			out.Output = map[string]any{}
		}
	case <-ctx.Done():
		// The handler keeps its module slot until it returns.
		out = outcomeFromError(fmt.Errorf("%s did not respond: %w", handlerKey(req.TargetModule, req.Action), ctx.Err()))
	}

	d.recordBreaker(req.TargetModule, out)
	return out
}

func (d *Dispatcher) recordBreaker(module string, out domain.Outcome) {
	if d.breaker == nil {
		return
	}
	switch {
	case out.Success:
		d.breaker.RecordSuccess(module)
	case out.Transient && (out.ErrorKind == domain.ErrorKindTimeout || out.ErrorKind == domain.ErrorKindModuleHandlerError):
		d.breaker.RecordFailure(module)
	default:
		// Neither healthy nor failing.
		d.breaker.ReleaseTrial(module)
	}
}

func (d *Dispatcher) gate(module string) *gate {
	d.gatesMu.Lock()
	defer d.gatesMu.Unlock()

	g, ok := d.gates[module]
	if !ok {
		g = &gate{}
		if d.limits.Concurrency > 0 {
			g.sem = semaphore.NewWeighted(int64(d.limits.Concurrency))
		}
		if d.limits.RateLimit > 0 {
			burst := d.limits.RateBurst
			if burst <= 0 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(d.limits.RateLimit), burst)
		}
		d.gates[module] = g
	}
	return g
}

// acquire waits for a concurrency slot and a rate token for module.
func (d *Dispatcher) acquire(ctx context.Context, module string) (func(), error) {
	g := d.gate(module)

	release := func() {}
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { g.sem.Release(1) }
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}
