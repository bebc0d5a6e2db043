// Package reconciler is the liveness safety net for executions that never
// reach a terminal state.
//
// Two sweeps exist. The periodic sweep fails executions left pending or
// running longer than the threshold with errorKind Timeout. The startup sweep
// fails everything unfinished from before the process started with
// errorKind Interrupted. Both write the terminal state and the trigger's
// failure counter in one unit, guarded by the ledger's transition check, so
// an execution is never counted twice.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
)

type Ledger interface {
	ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error)
	Abandon(ctx context.Context, e domain.Execution, kind domain.ErrorKind, msg string) (domain.Execution, error)
}

type Registry interface {
	RecordOutcome(ctx context.Context, triggerID uuid.UUID, success bool) error
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MetricsSink defines the interface for recording reconciler metrics.
type MetricsSink interface {
	ExecutionsReconciled(kind domain.ErrorKind, count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the periodic sweep runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which an unfinished execution is stuck.
	// Must exceed the dispatch timeout plus the longest retry backoff.
	// Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of executions handled per query.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config   Config
	ledger   Ledger
	registry Registry
	tx       Transactor
	metrics  MetricsSink // optional
	logger   logrus.FieldLogger
	clock    func() time.Time
}

func New(config Config, l Ledger, reg Registry, tx Transactor, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		config:   config,
		ledger:   l,
		registry: reg,
		tx:       tx,
		logger:   logger.WithField("component", "reconciler"),
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the periodic sweep. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"interval":  r.config.Interval.String(),
		"threshold": r.config.Threshold.String(),
		"batch":     r.config.BatchSize,
	}).Info("started")

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle fails one batch of stuck executions and returns how many it failed.
func (r *Reconciler) runCycle(ctx context.Context) int {
	cutoff := r.clock().UTC().Add(-r.config.Threshold)

	stuck, err := r.ledger.ListUnfinished(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		r.logger.WithError(err).Error("failed to list unfinished executions")
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	msg := fmt.Sprintf("no terminal state within %s", r.config.Threshold)
	n := r.abandonAll(ctx, stuck, domain.ErrorKindTimeout, msg)
	r.logger.WithFields(logrus.Fields{"found": len(stuck), "failed": n}).Info("stuck executions failed")
	return n
}

// RecoverInterrupted fails every execution left unfinished by a previous
// process, i.e. created before startedAt. Call once before handling events.
func (r *Reconciler) RecoverInterrupted(ctx context.Context, startedAt time.Time) (int, error) {
	total := 0
	for {
		batch, err := r.ledger.ListUnfinished(ctx, startedAt, r.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list unfinished executions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		n := r.abandonAll(ctx, batch, domain.ErrorKindInterrupted, "process restarted before the execution finished")
		total += n
		if n == 0 {
			// Nothing in the batch could be updated; stop rather than spin.
			r.logger.WithField("remaining", len(batch)).Warn("interrupted executions left unfinished")
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 {
		r.logger.WithField("count", total).Warn("interrupted executions failed")
	}
	return total, nil
}

func (r *Reconciler) abandonAll(ctx context.Context, execs []domain.Execution, kind domain.ErrorKind, msg string) int {
	n := 0
	for _, exec := range execs {
		// Check context before each write to allow graceful shutdown
		if ctx.Err() != nil {
			r.logger.WithField("processed", n).Warn("sweep interrupted")
			break
		}
		if r.abandon(ctx, exec, kind, msg) {
			n++
		}
	}
	if n > 0 && r.metrics != nil {
		r.metrics.ExecutionsReconciled(kind, n)
	}
	return n
}

func (r *Reconciler) abandon(ctx context.Context, exec domain.Execution, kind domain.ErrorKind, msg string) bool {
	log := r.logger.WithFields(logrus.Fields{
		"tenant_id":    exec.TenantID,
		"trigger_id":   exec.TriggerID,
		"execution_id": exec.ID,
		"status":       exec.Status,
		"age":          r.clock().Sub(exec.CreatedAt).Round(time.Second).String(),
	})

	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := r.ledger.Abandon(ctx, exec, kind, msg); err != nil {
			return err
		}
		return r.registry.RecordOutcome(ctx, exec.TriggerID, false)
	})
	switch {
	case err == nil:
		log.WithField("error_kind", kind).Info("execution failed by reconciler")
		return true
	case errors.Is(err, ledger.ErrStatusTransitionDenied):
		// Finished between the query and the update.
		log.Debug("execution already terminal")
		return false
	default:
		log.WithError(err).Error("failed to abandon execution")
		return false
	}
}
