// Package analytics keeps per-trigger firing counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

const writeTimeout = 2 * time.Second

type Config struct {
	// Window is the bucket width. Default: 1 hour.
	Window time.Duration
	// Retention is how long a bucket is kept. Default: 7 days.
	Retention time.Duration
}

// RedisSink counts finished executions by tenant, trigger, outcome and
// time bucket. Write failures are logged and never reach the caller.
type RedisSink struct {
	client redis.UniversalClient
	config Config
	logger logrus.FieldLogger
}

func NewRedisSink(client redis.UniversalClient, config Config, logger logrus.FieldLogger) *RedisSink {
	if config.Window < time.Minute {
		config.Window = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisSink{client: client, config: config, logger: logger.WithField("component", "analytics")}
}

// Record increments the bucket of a terminal execution. Non-terminal
// executions are ignored.
func (s *RedisSink) Record(ctx context.Context, exec domain.Execution) {
	if !exec.Status.Terminal() {
		return
	}
	at := exec.CreatedAt
	if exec.CompletedAt != nil {
		at = *exec.CompletedAt
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.write(ctx, buildKey(exec.TenantID, exec.TriggerID, string(exec.Status), at, s.config.Window)); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    exec.TenantID,
			"trigger_id":   exec.TriggerID,
			"execution_id": exec.ID,
		}).Warn("failed to record analytics")
	}
}

func (s *RedisSink) write(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Counts returns completed and failed totals for the bucket containing at.
func (s *RedisSink) Counts(ctx context.Context, tenantID, triggerID uuid.UUID, at time.Time) (completed, failed int64, err error) {
	keys := []string{
		buildKey(tenantID, triggerID, string(domain.ExecutionStatusCompleted), at, s.config.Window),
		buildKey(tenantID, triggerID, string(domain.ExecutionStatusFailed), at, s.config.Window),
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis mget: %w", err)
	}
	return parseCount(vals[0]), parseCount(vals[1]), nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseCount(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscan(str, &n); err != nil {
		return 0
	}
	return n
}

func buildKey(tenantID, triggerID uuid.UUID, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%s:tr:%s:%s:%s", tenantID, triggerID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch {
	case window >= 24*time.Hour && window%(24*time.Hour) == 0:
		return t.Truncate(window).Format("20060102")
	case window >= time.Hour && window%time.Hour == 0:
		return t.Truncate(window).Format("2006010215")
	default:
		return t.Truncate(window).Format("200601021504")
	}
}
