package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/analytics"
	"github.com/Annas82200/mizan-triggers/internal/api"
	"github.com/Annas82200/mizan-triggers/internal/circuitbreaker"
	"github.com/Annas82200/mizan-triggers/internal/config"
	"github.com/Annas82200/mizan-triggers/internal/cron"
	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/leaderelection"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/logging"
	"github.com/Annas82200/mizan-triggers/internal/metrics"
	"github.com/Annas82200/mizan-triggers/internal/observability"
	"github.com/Annas82200/mizan-triggers/internal/orchestrator"
	"github.com/Annas82200/mizan-triggers/internal/reconciler"
	"github.com/Annas82200/mizan-triggers/internal/registry"
	"github.com/Annas82200/mizan-triggers/internal/scheduler"
	"github.com/Annas82200/mizan-triggers/internal/seed"
	"github.com/Annas82200/mizan-triggers/internal/store/memory"
	"github.com/Annas82200/mizan-triggers/internal/store/postgres"
	"github.com/Annas82200/mizan-triggers/internal/transport/channel"

	_ "github.com/lib/pq"
)

const dbConnectTimeout = 5 * time.Second

// storage is what both store drivers provide.
type storage interface {
	registry.Store
	ledger.Store
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close() error
}

func cronParser() *cron.Parser {
	return cron.NewParser()
}

// openDatabase opens and pings the Postgres pool.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// openStore returns the configured store. db is nil for the memory driver.
func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (storage, *sql.DB, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil, nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.WithFields(logrus.Fields{
		"max_open":      cfg.DBMaxOpenConns,
		"max_idle":      cfg.DBMaxIdleConns,
		"max_lifetime":  cfg.DBConnMaxLifetime.String(),
		"max_idle_time": cfg.DBConnMaxIdleTime.String(),
	}).Info("db pool configured")

	st := postgres.New(db)
	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("schema migrated")
	}
	return st, db, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, logCloser, err := logging.New(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	defer logCloser.Close()
	log := logger.WithField("component", "main")

	logConfigWarnings(log, cfg)
	startedAt := time.Now().UTC()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg, version)
	if err != nil {
		return err
	}

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithFields(logrus.Fields{"port": cfg.MetricsPort, "path": cfg.MetricsPath}).Info("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	} else {
		log.Info("METRICS_ENABLED not set; metrics disabled")
	}

	reg := registry.New(st, logger).WithCronValidator(cronParser())
	led := ledger.New(st)

	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithTimeout(cfg.DispatchTimeout),
		dispatcher.WithLimits(dispatcher.Limits{
			Concurrency: cfg.ModuleConcurrency,
			RateLimit:   cfg.ModuleRateLimit,
			RateBurst:   cfg.ModuleRateBurst,
		}),
		dispatcher.WithMetrics(sink),
	}
	if cfg.CircuitBreakerThreshold > 0 {
		breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
			OnStateChange(func(module string, to circuitbreaker.State) {
				sink.CircuitStateChanged(module, to.String())
				log.WithFields(logrus.Fields{"target_module": module, "state": to.String()}).Warn("circuit state changed")
			})
		dispOpts = append(dispOpts, dispatcher.WithBreaker(breaker))
	}
	disp := dispatcher.New(dispOpts...)

	bus := channel.NewEventBus(cfg.EventBusBufferSize,
		channel.WithEmitTimeout(cfg.EventBusEmitTimeout),
		channel.WithMetrics(sink),
	)

	orch := orchestrator.New(reg, led, disp, st, logger).
		WithRetryPolicy(orchestrator.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		}).
		WithEmitter(bus).
		WithMetrics(sink)

	var stats api.Stats
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		rs := analytics.NewRedisSink(client, analytics.Config{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}, logger)
		if err := rs.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unreachable; analytics writes will be dropped until it recovers")
		}
		orch = orch.WithAnalytics(rs)
		stats = rs
		log.WithField("redis", cfg.RedisAddr).Info("analytics enabled")
	} else {
		log.Info("REDIS_ADDR not set; analytics disabled")
	}

	if cfg.SeedFile != "" {
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return invalidConfig(err)
		}
		if _, err := seed.New(reg, disp, logger).WithWebhookMetrics(sink).Apply(ctx, f); err != nil {
			return err
		}
	}

	duties := &leaderDuties{
		reconciler: reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, led, reg, st, logger).WithMetrics(sink),
		periodicReconcile: cfg.ReconcileEnabled,
		startedAt:         startedAt,
		logger:            log,
	}
	if cfg.LeaderElectionEnabled {
		// Followers keep handling events while a new leader sweeps.
		duties.recoverGrace = cfg.ReconcileThreshold
	}
	if cfg.SchedulerEnabled {
		duties.scheduler = scheduler.New(
			scheduler.Config{TickInterval: cfg.SchedulerTickInterval},
			reg, cronParser(), orch, logger,
		).WithMetrics(sink)
	}

	// Leader duties and the election loop live under dutiesCtx; they stop first.
	dutiesCtx, cancelDuties := context.WithCancel(context.Background())
	defer cancelDuties()
	var electionWg sync.WaitGroup

	if cfg.LeaderElectionEnabled {
		elector := leaderelection.New(
			leaderelection.NewPostgresLocker(db, cfg.LeaderLockKey),
			leaderelection.Config{
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			},
			duties.start, duties.stop, logger,
		).WithMetrics(sink)
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(dutiesCtx)
		}()
	} else {
		// Fail what a previous process left behind before taking new events.
		duties.recover(ctx)
		duties.start(dutiesCtx)
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workersWg sync.WaitGroup
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		orch.Run(workersCtx, bus.Channel(), cfg.OrchestratorWorkers)
	}()

	handler := api.NewHandler(reg, led, orch, logger).WithHealthChecker(st)
	if stats != nil {
		handler = handler.WithStats(stats)
	}
	routerCfg := api.RouterConfig{Debug: cfg.LogLevel == "debug"}
	if cfg.TracingEnabled {
		routerCfg.ServiceName = observability.ServiceName
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, routerCfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"store":     cfg.StoreDriver,
		"http":      cfg.HTTPAddr,
		"workers":   cfg.OrchestratorWorkers,
		"scheduler": cfg.SchedulerEnabled,
		"leader":    cfg.LeaderElectionEnabled,
		"actions":   len(disp.Registered()),
	}).Info("started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		log.WithError(err).Error("http server failed, shutting down")
		runErr = err
	}

	// Phase 1: stop scheduler and reconciler (no new firings).
	cancelDuties()
	electionWg.Wait()
	duties.stop()
	log.Info("leader duties stopped")

	// Phase 2: stop accepting events over HTTP.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	log.Info("http server stopped")

	// Phase 3: stop workers; events in flight finish and buffered ones are
	// drained before Run returns.
	cancelWorkers()
	workersWg.Wait()
	log.Info("orchestrator stopped")

	if metricsServer != nil {
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsCancel()
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown error")
		}
	}

	tracingCtx, tracingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracingCancel()
	if err := shutdownTracing(tracingCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown error")
	}

	log.Info("stopped")
	return runErr
}
