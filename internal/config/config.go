// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the trigger service.
// Every key can be set through the environment variable of the same name
// in upper case.
type Config struct {
	StoreDriver       string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBAutoMigrate     bool

	HTTPAddr            string
	HTTPShutdownTimeout time.Duration

	EventBusBufferSize  int
	EventBusEmitTimeout time.Duration
	OrchestratorWorkers int

	DispatchTimeout   time.Duration
	ModuleConcurrency int
	ModuleRateLimit   float64
	ModuleRateBurst   int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	ReconcileEnabled   bool
	ReconcileInterval  time.Duration
	ReconcileThreshold time.Duration
	ReconcileBatchSize int

	SchedulerEnabled      bool
	SchedulerTickInterval time.Duration

	LeaderElectionEnabled bool
	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64
	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval     time.Duration
	LeaderHeartbeatInterval time.Duration

	MetricsEnabled bool
	MetricsPath    string
	MetricsPort    int

	RedisAddr          string
	AnalyticsWindow    time.Duration
	AnalyticsRetention time.Duration

	TracingEnabled     bool
	TracingEndpoint    string
	TracingSampleRatio float64

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	SeedFile string
}

var defaults = map[string]any{
	"store_driver":          DriverPostgres,
	"database_url":          "",
	"db_max_open_conns":     25,
	"db_max_idle_conns":     5,
	"db_conn_max_lifetime":  "30m",
	"db_conn_max_idle_time": "5m",
	"db_auto_migrate":       true,

	"http_addr":             "",
	"port":                  "",
	"http_shutdown_timeout": "10s",

	"eventbus_buffer_size":  100,
	"eventbus_emit_timeout": "100ms",
	"orchestrator_workers":  4,

	"dispatch_timeout":   "30s",
	"module_concurrency": 8,
	"module_rate_limit":  0.0,
	"module_rate_burst":  1,

	"retry_max_attempts": 4,
	"retry_base_delay":   "1s",
	"retry_max_delay":    "1m",

	"circuit_breaker_threshold": 5,
	"circuit_breaker_cooldown":  "2m",

	"reconcile_enabled":    true,
	"reconcile_interval":   "5m",
	"reconcile_threshold":  "15m",
	"reconcile_batch_size": 100,

	"scheduler_enabled":       true,
	"scheduler_tick_interval": "30s",

	"leader_election_enabled":   false,
	"leader_lock_key":           728379,
	"leader_retry_interval":     "5s",
	"leader_heartbeat_interval": "2s",

	"metrics_enabled": false,
	"metrics_path":    "/metrics",
	"metrics_port":    9090,

	"redis_addr":          "",
	"analytics_window":    "1h",
	"analytics_retention": "168h",

	"tracing_enabled":      false,
	"tracing_endpoint":     "localhost:4317",
	"tracing_sample_ratio": 0.1,

	"log_level":        "info",
	"log_format":       "text",
	"log_file":         "",
	"log_max_size_mb":  100,
	"log_max_backups":  5,
	"log_max_age_days": 28,

	"seed_file": "",
}

// NewViper returns a viper instance with every default registered and
// environment lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// Load reads configuration from v. A nil v uses NewViper.
// Values that cannot be parsed are reported as ValidationErrors; the rest
// of the configuration is still populated.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	p := &parser{v: v}

	cfg := Config{
		StoreDriver:       strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:       v.GetString("database_url"),
		DBMaxOpenConns:    p.int("db_max_open_conns"),
		DBMaxIdleConns:    p.int("db_max_idle_conns"),
		DBConnMaxLifetime: p.duration("db_conn_max_lifetime"),
		DBConnMaxIdleTime: p.duration("db_conn_max_idle_time"),
		DBAutoMigrate:     p.bool("db_auto_migrate"),

		HTTPAddr:            v.GetString("http_addr"),
		HTTPShutdownTimeout: p.duration("http_shutdown_timeout"),

		EventBusBufferSize:  p.int("eventbus_buffer_size"),
		EventBusEmitTimeout: p.duration("eventbus_emit_timeout"),
		OrchestratorWorkers: p.int("orchestrator_workers"),

		DispatchTimeout:   p.duration("dispatch_timeout"),
		ModuleConcurrency: p.int("module_concurrency"),
		ModuleRateLimit:   p.float("module_rate_limit"),
		ModuleRateBurst:   p.int("module_rate_burst"),

		RetryMaxAttempts: p.int("retry_max_attempts"),
		RetryBaseDelay:   p.duration("retry_base_delay"),
		RetryMaxDelay:    p.duration("retry_max_delay"),

		CircuitBreakerThreshold: p.int("circuit_breaker_threshold"),
		CircuitBreakerCooldown:  p.duration("circuit_breaker_cooldown"),

		ReconcileEnabled:   p.bool("reconcile_enabled"),
		ReconcileInterval:  p.duration("reconcile_interval"),
		ReconcileThreshold: p.duration("reconcile_threshold"),
		ReconcileBatchSize: p.int("reconcile_batch_size"),

		SchedulerEnabled:      p.bool("scheduler_enabled"),
		SchedulerTickInterval: p.duration("scheduler_tick_interval"),

		LeaderElectionEnabled:   p.bool("leader_election_enabled"),
		LeaderLockKey:           int64(p.int("leader_lock_key")),
		LeaderRetryInterval:     p.duration("leader_retry_interval"),
		LeaderHeartbeatInterval: p.duration("leader_heartbeat_interval"),

		MetricsEnabled: p.bool("metrics_enabled"),
		MetricsPath:    v.GetString("metrics_path"),
		MetricsPort:    p.int("metrics_port"),

		RedisAddr:          v.GetString("redis_addr"),
		AnalyticsWindow:    p.duration("analytics_window"),
		AnalyticsRetention: p.duration("analytics_retention"),

		TracingEnabled:     p.bool("tracing_enabled"),
		TracingEndpoint:    v.GetString("tracing_endpoint"),
		TracingSampleRatio: p.float("tracing_sample_ratio"),

		LogLevel:      v.GetString("log_level"),
		LogFormat:     strings.ToLower(v.GetString("log_format")),
		LogFile:       v.GetString("log_file"),
		LogMaxSizeMB:  p.int("log_max_size_mb"),
		LogMaxBackups: p.int("log_max_backups"),
		LogMaxAgeDays: p.int("log_max_age_days"),

		SeedFile: v.GetString("seed_file"),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("port"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	if len(p.errs) > 0 {
		return cfg, p.errs
	}
	return cfg, nil
}

// parser reads typed values from viper, collecting the keys whose raw
// value does not parse. viper's own getters silently return zero values.
type parser struct {
	v    *viper.Viper
	errs ValidationErrors
}

func (p *parser) fail(key, kind string, err error) {
	p.errs = append(p.errs, ValidationError{
		Field:   strings.ToUpper(key),
		Message: fmt.Sprintf("invalid %s: %v", kind, err),
	})
}

func (p *parser) duration(key string) time.Duration {
	raw := p.v.Get(key)
	if d, ok := raw.(time.Duration); ok {
		return d
	}
	d, err := time.ParseDuration(strings.TrimSpace(fmt.Sprint(raw)))
	if err != nil {
		p.fail(key, "duration", err)
		return 0
	}
	return d
}

func (p *parser) int(key string) int {
	raw := p.v.Get(key)
	switch n := raw.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	var n int
	if _, err := fmt.Sscan(strings.TrimSpace(fmt.Sprint(raw)), &n); err != nil {
		p.fail(key, "integer", err)
		return 0
	}
	return n
}

func (p *parser) float(key string) float64 {
	raw := p.v.Get(key)
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	var f float64
	if _, err := fmt.Sscan(strings.TrimSpace(fmt.Sprint(raw)), &f); err != nil {
		p.fail(key, "number", err)
		return 0
	}
	return f
}

func (p *parser) bool(key string) bool {
	raw := p.v.Get(key)
	if b, ok := raw.(bool); ok {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(raw))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off", "":
		return false
	}
	p.fail(key, "boolean", fmt.Errorf("%q", raw))
	return false
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreDriver             string  `json:"store_driver"`
		DatabaseURL             string  `json:"database_url"`
		DBMaxOpenConns          int     `json:"db_max_open_conns"`
		DBMaxIdleConns          int     `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string  `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string  `json:"db_conn_max_idle_time"`
		DBAutoMigrate           bool    `json:"db_auto_migrate"`
		HTTPAddr                string  `json:"http_addr"`
		HTTPShutdownTimeout     string  `json:"http_shutdown_timeout"`
		EventBusBufferSize      int     `json:"eventbus_buffer_size"`
		EventBusEmitTimeout     string  `json:"eventbus_emit_timeout"`
		OrchestratorWorkers     int     `json:"orchestrator_workers"`
		DispatchTimeout         string  `json:"dispatch_timeout"`
		ModuleConcurrency       int     `json:"module_concurrency"`
		ModuleRateLimit         float64 `json:"module_rate_limit"`
		ModuleRateBurst         int     `json:"module_rate_burst"`
		RetryMaxAttempts        int     `json:"retry_max_attempts"`
		RetryBaseDelay          string  `json:"retry_base_delay"`
		RetryMaxDelay           string  `json:"retry_max_delay"`
		CircuitBreakerThreshold int     `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string  `json:"circuit_breaker_cooldown"`
		ReconcileEnabled        bool    `json:"reconcile_enabled"`
		ReconcileInterval       string  `json:"reconcile_interval"`
		ReconcileThreshold      string  `json:"reconcile_threshold"`
		ReconcileBatchSize      int     `json:"reconcile_batch_size"`
		SchedulerEnabled        bool    `json:"scheduler_enabled"`
		SchedulerTickInterval   string  `json:"scheduler_tick_interval"`
		LeaderElectionEnabled   bool    `json:"leader_election_enabled"`
		LeaderLockKey           int64   `json:"leader_lock_key"`
		LeaderRetryInterval     string  `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string  `json:"leader_heartbeat_interval"`
		MetricsEnabled          bool    `json:"metrics_enabled"`
		MetricsPath             string  `json:"metrics_path"`
		MetricsPort             int     `json:"metrics_port"`
		RedisAddr               string  `json:"redis_addr,omitempty"`
		AnalyticsWindow         string  `json:"analytics_window"`
		AnalyticsRetention      string  `json:"analytics_retention"`
		TracingEnabled          bool    `json:"tracing_enabled"`
		TracingEndpoint         string  `json:"tracing_endpoint"`
		TracingSampleRatio      float64 `json:"tracing_sample_ratio"`
		LogLevel                string  `json:"log_level"`
		LogFormat               string  `json:"log_format"`
		LogFile                 string  `json:"log_file,omitempty"`
		SeedFile                string  `json:"seed_file,omitempty"`
	}{
		StoreDriver:             c.StoreDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		DBAutoMigrate:           c.DBAutoMigrate,
		HTTPAddr:                c.HTTPAddr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		EventBusBufferSize:      c.EventBusBufferSize,
		EventBusEmitTimeout:     c.EventBusEmitTimeout.String(),
		OrchestratorWorkers:     c.OrchestratorWorkers,
		DispatchTimeout:         c.DispatchTimeout.String(),
		ModuleConcurrency:       c.ModuleConcurrency,
		ModuleRateLimit:         c.ModuleRateLimit,
		ModuleRateBurst:         c.ModuleRateBurst,
		RetryMaxAttempts:        c.RetryMaxAttempts,
		RetryBaseDelay:          c.RetryBaseDelay.String(),
		RetryMaxDelay:           c.RetryMaxDelay.String(),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileInterval.String(),
		ReconcileThreshold:      c.ReconcileThreshold.String(),
		ReconcileBatchSize:      c.ReconcileBatchSize,
		SchedulerEnabled:        c.SchedulerEnabled,
		SchedulerTickInterval:   c.SchedulerTickInterval.String(),
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryInterval.String(),
		LeaderHeartbeatInterval: c.LeaderHeartbeatInterval.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		RedisAddr:               maskSecret(c.RedisAddr),
		AnalyticsWindow:         c.AnalyticsWindow.String(),
		AnalyticsRetention:      c.AnalyticsRetention.String(),
		TracingEnabled:          c.TracingEnabled,
		TracingEndpoint:         c.TracingEndpoint,
		TracingSampleRatio:      c.TracingSampleRatio,
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
		LogFile:                 c.LogFile,
		SeedFile:                c.SeedFile,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks credentials in a connection string, keeping the scheme
// and host when the value is a URL.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			rest := s[len(scheme):]
			if at := strings.LastIndex(rest, "@"); at >= 0 {
				return scheme + "***@" + rest[at+1:]
			}
			return scheme + rest
		}
	}
	if strings.Contains(s, "password=") {
		return "***"
	}
	return s
}
