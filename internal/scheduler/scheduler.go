// Package scheduler fires scheduled triggers at their cron occurrences.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Annas82200/mizan-triggers/internal/cron"
	"github.com/Annas82200/mizan-triggers/internal/domain"
)

type Registry interface {
	ListScheduled(ctx context.Context) ([]domain.Trigger, error)
}

type CronParser interface {
	Parse(expression string, timezone string) (cron.Schedule, error)
}

// Firer runs one trigger against one event, retries included.
type Firer interface {
	Fire(ctx context.Context, t domain.Trigger, event domain.Event) (domain.ExecutionResult, bool)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	TickDrift(drift time.Duration)
}

type Config struct {
	TickInterval time.Duration
	// MaxConcurrentFirings bounds parallel firings within one tick. Default 8.
	MaxConcurrentFirings int
}

type Scheduler struct {
	config   Config
	registry Registry
	parser   CronParser
	firer    Firer
	metrics  MetricsSink // optional
	logger   logrus.FieldLogger
	clock    func() time.Time
	lastTick time.Time
}

func New(config Config, reg Registry, parser CronParser, firer Firer, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.MaxConcurrentFirings <= 0 {
		config.MaxConcurrentFirings = 8
	}
	return &Scheduler{
		config:   config,
		registry: reg,
		parser:   parser,
		firer:    firer,
		logger:   logger.WithField("component", "scheduler"),
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Run ticks until ctx is cancelled. Occurrences missed while the process
// was down are not replayed.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.WithField("tick", s.config.TickInterval.String()).Info("started")
	s.lastTick = s.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return ctx.Err()
		case tick := <-ticker.C:
			if s.metrics != nil {
				s.metrics.TickDrift(time.Since(tick))
			}
			if err := s.processTick(ctx); err != nil {
				s.logger.WithError(err).Error("tick failed")
			}
		}
	}
}

func (s *Scheduler) processTick(ctx context.Context) (err error) {
	start := time.Now()
	fired := 0
	if s.metrics != nil {
		s.metrics.TickStarted()
		defer func() { s.metrics.TickCompleted(time.Since(start), fired, err) }()
	}

	now := s.clock().UTC()

	triggers, err := s.registry.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled triggers: %w", err)
	}

	type occurrence struct {
		trigger domain.Trigger
		at      time.Time
	}
	var due []occurrence
	for _, t := range triggers {
		times, err := s.dueTimes(t, s.lastTick, now)
		if err != nil {
			s.logger.WithError(err).WithField("trigger_id", t.ID).Warn("skipping trigger with bad schedule")
			continue
		}
		for _, at := range times {
			due = append(due, occurrence{trigger: t, at: at})
		}
	}

	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrentFirings)
	results := make([]bool, len(due))
	for i, occ := range due {
		i, occ := i, occ // per-iteration copy (go1.21 loop semantics)
		g.Go(func() error {
			results[i] = s.fire(ctx, occ.trigger, occ.at)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			fired++
		}
	}

	s.lastTick = now
	return nil
}

func (s *Scheduler) dueTimes(t domain.Trigger, from, to time.Time) ([]time.Time, error) {
	if t.Schedule == nil {
		return nil, fmt.Errorf("trigger %s has no schedule", t.ID)
	}
	tz := t.Schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sched, err := s.parser.Parse(t.Schedule.CronExpression, tz)
	if err != nil {
		return nil, err
	}
	return cron.Between(sched, from, to), nil
}

// fire reports whether the occurrence produced a new firing.
func (s *Scheduler) fire(ctx context.Context, t domain.Trigger, at time.Time) bool {
	res, matched := s.firer.Fire(ctx, t, ScheduledEvent(t, at))
	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":    t.TenantID,
		"trigger_id":   t.ID,
		"scheduled_at": at.Format(time.RFC3339),
	})

	switch {
	case !matched:
		log.Debug("scheduled occurrence did not match conditions")
		return false
	case res.Skipped:
		log.Debug("scheduled occurrence already fired")
		return false
	case res.Err != nil:
		log.WithError(res.Err).Error("scheduled firing failed")
		return false
	}
	log.Info("scheduled trigger fired")
	return true
}

// ScheduledEvent builds the synthetic event for an occurrence. Its id is
// derived from the trigger and time, so firing the same occurrence twice is
// detected by the ledger.
func ScheduledEvent(t domain.Trigger, at time.Time) domain.Event {
	at = at.UTC()
	return domain.Event{
		ID:           uuid.NewSHA1(t.ID, []byte(at.Format(time.RFC3339))),
		TenantID:     t.TenantID,
		SourceModule: t.SourceModule,
		EventType:    t.EventType,
		Payload: map[string]any{
			"scheduled_at": at.Format(time.RFC3339),
			"trigger_id":   t.ID.String(),
		},
		OccurredAt: at,
	}
}
