package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/reconciler"
	"github.com/Annas82200/mizan-triggers/internal/scheduler"
)

// leaderDuties runs the work only one instance may do at a time: cron
// firings and the reconciler sweep. start and stop are the leader election
// callbacks; without election they are called once each.
type leaderDuties struct {
	reconciler        *reconciler.Reconciler
	scheduler         *scheduler.Scheduler // nil when disabled
	periodicReconcile bool
	startedAt         time.Time
	logger            logrus.FieldLogger

	// recoverGrace, when set, also keeps the startup sweep away from
	// executions younger than it. Other instances may still be running them.
	recoverGrace time.Duration

	recoverOnce sync.Once
	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// recover fails executions left pending or running by an earlier process.
// It runs at most once per process.
func (d *leaderDuties) recover(ctx context.Context) {
	d.recoverOnce.Do(func() {
		if _, err := d.reconciler.RecoverInterrupted(ctx, d.recoverCutoff(time.Now())); err != nil {
			d.logger.WithError(err).Error("startup recovery failed")
		}
	})
}

func (d *leaderDuties) recoverCutoff(now time.Time) time.Time {
	cutoff := d.startedAt
	if d.recoverGrace > 0 {
		if c := now.Add(-d.recoverGrace); c.Before(cutoff) {
			cutoff = c
		}
	}
	return cutoff
}

func (d *leaderDuties) start(ctx context.Context) {
	d.recover(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil || d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.scheduler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
				d.logger.WithError(err).Error("scheduler stopped")
			}
		}()
	}
	if d.periodicReconcile {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(runCtx)
		}()
	}
	d.logger.Info("leader duties started")
}

// stop cancels the running duties and waits for them. Safe to call repeatedly.
func (d *leaderDuties) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}
