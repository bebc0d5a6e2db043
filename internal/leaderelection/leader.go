// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres automatically
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Locker tries to take the leader lock without blocking.
type Locker interface {
	// TryAcquire returns a held Session, or ok=false if another instance holds the lock.
	TryAcquire(ctx context.Context) (s Session, ok bool, err error)
}

// Session is a held lock.
type Session interface {
	// Ping reports whether the lock is still held.
	Ping(ctx context.Context) error
	Release() error
}

type Config struct {
	// RetryInterval is how often a follower tries to take the lock.
	// It bounds the failover gap.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its session.
	HeartbeatInterval time.Duration
}

// Elector runs leader-only duties (scheduler, periodic reconciler) while
// this instance holds the lock.
type Elector struct {
	locker    Locker
	config    Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	logger    logrus.FieldLogger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(locker Locker, config Config, onElected func(ctx context.Context), onDemoted func(), logger logrus.FieldLogger) *Elector {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Elector{
		locker:    locker,
		config:    config,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    logger.WithField("component", "leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.WithFields(logrus.Fields{
		"retry":     e.config.RetryInterval.String(),
		"heartbeat": e.config.HeartbeatInterval.String(),
	}).Info("starting election loop")

	for {
		if ctx.Err() != nil {
			e.logger.Info("election loop stopped")
			return
		}

		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			e.logger.WithField("reason", reason).Warn("lost leadership, will retry")
		}

		select {
		case <-ctx.Done():
			e.logger.Info("election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	session, acquired, err := e.locker.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.WithError(err).Warn("lock attempt failed")
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another instance")
		return ""
	}
	defer func() {
		if err := session.Release(); err != nil {
			e.logger.WithError(err).Warn("failed to release lock")
		}
	}()

	e.logger.Info("acquired leadership")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, session)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.logger.WithField("reason", reason).Info("released leadership")
	return reason
}

// holdLock blocks while pinging the session.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.WithError(err).Warn("leader session ping failed")
				return "conn_lost"
			}
		}
	}
}
