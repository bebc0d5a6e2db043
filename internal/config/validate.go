package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case DriverMemory:
		if cfg.LeaderElectionEnabled {
			add("LEADER_ELECTION_ENABLED", "requires STORE_DRIVER=postgres")
		}
	default:
		add("STORE_DRIVER", "must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}

	positive := []struct {
		field string
		d     time.Duration
	}{
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout},
		{"EVENTBUS_EMIT_TIMEOUT", cfg.EventBusEmitTimeout},
		{"DISPATCH_TIMEOUT", cfg.DispatchTimeout},
		{"RETRY_BASE_DELAY", cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", cfg.RetryMaxDelay},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown},
		{"RECONCILE_INTERVAL", cfg.ReconcileInterval},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThreshold},
		{"SCHEDULER_TICK_INTERVAL", cfg.SchedulerTickInterval},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatInterval},
		{"ANALYTICS_WINDOW", cfg.AnalyticsWindow},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetention},
	}
	for _, p := range positive {
		if p.d <= 0 {
			add(p.field, "must be positive")
		}
	}

	if cfg.ReconcileThreshold > 0 && cfg.ReconcileThreshold <= cfg.DispatchTimeout {
		add("RECONCILE_THRESHOLD", "must exceed DISPATCH_TIMEOUT (%s)", cfg.DispatchTimeout)
	}
	if cfg.RetryMaxAttempts < 1 {
		add("RETRY_MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		add("RETRY_BASE_DELAY", "must not exceed RETRY_MAX_DELAY (%s)", cfg.RetryMaxDelay)
	}
	if cfg.EventBusBufferSize < 1 {
		add("EVENTBUS_BUFFER_SIZE", "must be a positive integer")
	}
	if cfg.OrchestratorWorkers < 1 {
		add("ORCHESTRATOR_WORKERS", "must be a positive integer")
	}
	if cfg.ModuleConcurrency < 0 {
		add("MODULE_CONCURRENCY", "must not be negative")
	}
	if cfg.ModuleRateLimit < 0 {
		add("MODULE_RATE_LIMIT", "must not be negative")
	}
	if cfg.ModuleRateLimit > 0 && cfg.ModuleRateBurst < 1 {
		add("MODULE_RATE_BURST", "must be at least 1 when MODULE_RATE_LIMIT is set")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.ReconcileBatchSize < 1 {
		add("RECONCILE_BATCH_SIZE", "must be a positive integer")
	}
	if cfg.LeaderLockKey <= 0 {
		add("LEADER_LOCK_KEY", "must be a positive integer")
	}
	if cfg.TracingSampleRatio < 0 || cfg.TracingSampleRatio > 1 {
		add("TRACING_SAMPLE_RATIO", "must be between 0 and 1")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		add("LOG_FORMAT", "must be 'text' or 'json', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

type Severity string

const (
	SeverityP0   Severity = "P0"
	SeverityP1   Severity = "P1"
	SeverityInfo Severity = "INFO"
)

// Warning is a valid but risky configuration choice.
type Warning struct {
	Severity Severity
	Message  string
}

// Warnings lists risky settings, most severe first.
func Warnings(cfg Config) []Warning {
	var out []Warning
	if !cfg.ReconcileEnabled {
		out = append(out, Warning{SeverityP0,
			"RECONCILE_ENABLED=false: executions stuck in a live process are only failed at the next restart"})
	}
	if cfg.StoreDriver == DriverMemory {
		out = append(out, Warning{SeverityP0,
			"STORE_DRIVER=memory: triggers and executions are lost on restart"})
	}
	if cfg.SchedulerEnabled && cfg.StoreDriver == DriverPostgres && !cfg.LeaderElectionEnabled {
		out = append(out, Warning{SeverityP1,
			"LEADER_ELECTION_ENABLED=false: run a single replica or scheduled triggers fire on every instance (duplicates are skipped by the ledger)"})
	}
	if !cfg.MetricsEnabled {
		out = append(out, Warning{SeverityP1,
			"METRICS_ENABLED=false: no visibility into dispatch failures or buffer saturation"})
	}
	if cfg.CircuitBreakerThreshold == 0 {
		out = append(out, Warning{SeverityInfo,
			"CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled"})
	}
	return out
}
