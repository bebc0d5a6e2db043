package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

const namespace = "triggers"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger logrus.FieldLogger

	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	firedTotal      prometheus.Counter
	tickDuration    prometheus.Histogram
	tickDrift       prometheus.Histogram

	// Orchestrator metrics
	eventsTotal            *prometheus.CounterVec
	matchesTotal           *prometheus.CounterVec
	conditionRejectedTotal prometheus.Counter
	firingsSkippedTotal    prometheus.Counter
	executionsTotal        *prometheus.CounterVec
	executionDuration      *prometheus.HistogramVec
	retriesTotal           *prometheus.CounterVec

	// Dispatcher metrics
	dispatchesTotal    *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	dispatchesInFlight prometheus.Gauge
	webhooksTotal      *prometheus.CounterVec
	webhookDuration    prometheus.Histogram
	circuitState       *prometheus.GaugeVec

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	reconciledTotal *prometheus.CounterVec

	// Leader election metrics
	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink;
// the unregistered collectors still accept observations.
func NewPrometheusSink(reg prometheus.Registerer, logger logrus.FieldLogger) *PrometheusSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &PrometheusSink{logger: logger.WithField("component", "metrics")}
	s.initSchedulerMetrics(reg)
	s.initOrchestratorMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_ticks_total",
		Help:      "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_tick_errors_total",
		Help:      "Total number of scheduler tick errors.",
	})
	s.firedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_fired_total",
		Help:      "Total number of scheduled occurrences fired.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Duration of each scheduler tick in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_tick_drift_seconds",
		Help:      "Difference between actual tick time and expected interval in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, s.tickErrorsTotal, s.firedTotal, s.tickDuration, s.tickDrift)
}

func (s *PrometheusSink) initOrchestratorMetrics(reg prometheus.Registerer) {
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Total number of domain events handled.",
	}, []string{"source_module", "event_type"})
	s.matchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_matched_total",
		Help:      "Total number of triggers whose conditions matched an event.",
	}, []string{"target_module"})
	s.conditionRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conditions_rejected_total",
		Help:      "Total number of candidate triggers whose conditions did not match.",
	})
	s.firingsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firings_skipped_total",
		Help:      "Total number of firings skipped because they were already recorded.",
	})
	s.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Total number of finished executions.",
	}, []string{"status", "error_kind"})
	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Execution time from start to finish in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"status"})
	s.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Total number of retry attempts scheduled (excludes first attempt).",
	}, []string{"attempt"})

	s.register(reg, s.eventsTotal, s.matchesTotal, s.conditionRejectedTotal,
		s.firingsSkippedTotal, s.executionsTotal, s.executionDuration, s.retriesTotal)
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Total number of action dispatches by target module and outcome.",
	}, []string{"target_module", "error_kind"})
	s.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Handler latency in seconds, including capacity waits.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"target_module"})
	s.dispatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatches_in_flight",
		Help:      "Number of dispatches currently running.",
	})
	s.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Total number of webhook deliveries by status class.",
	}, []string{"target_module", "status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook request latency in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state per target module (0 closed, 1 half_open, 2 open).",
	}, []string{"target_module"})

	s.register(reg, s.dispatchesTotal, s.dispatchDuration, s.dispatchesInFlight,
		s.webhooksTotal, s.webhookDuration, s.circuitState)
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eventbus_buffer_size",
		Help:      "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eventbus_buffer_capacity",
		Help:      "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eventbus_buffer_saturation",
		Help:      "Fraction of the event bus buffer in use.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_emit_errors_total",
		Help:      "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, s.bufferCapacity, s.bufferSaturation, s.emitErrorsTotal)
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciled_executions_total",
		Help:      "Total number of stuck executions marked failed by the reconciler.",
	}, []string{"error_kind"})

	s.register(reg, s.reconciledTotal)
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader",
		Help:      "1 if this instance holds the scheduler lock.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_acquired_total",
		Help:      "Total number of times this instance became leader.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_lost_total",
		Help:      "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, s.leaderAcquired, s.leaderLostTotal)
}

// register attempts to register collectors, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			s.logger.WithError(err).Warn("failed to register collector")
		}
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.firedTotal.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Record absolute drift value
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

// Orchestrator metrics implementation

func (s *PrometheusSink) EventReceived(sourceModule, eventType string) {
	s.eventsTotal.WithLabelValues(sourceModule, eventType).Inc()
}

func (s *PrometheusSink) TriggerMatched(targetModule string) {
	s.matchesTotal.WithLabelValues(targetModule).Inc()
}

func (s *PrometheusSink) ConditionRejected() {
	s.conditionRejectedTotal.Inc()
}

func (s *PrometheusSink) FiringSkipped() {
	s.firingsSkippedTotal.Inc()
}

func (s *PrometheusSink) ExecutionFinished(status domain.ExecutionStatus, kind domain.ErrorKind, duration time.Duration) {
	s.executionsTotal.WithLabelValues(string(status), kindLabel(kind)).Inc()
	s.executionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled(attempt int) {
	s.retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DispatchCompleted(targetModule string, kind domain.ErrorKind, duration time.Duration) {
	s.dispatchesTotal.WithLabelValues(targetModule, kindLabel(kind)).Inc()
	s.dispatchDuration.WithLabelValues(targetModule).Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchesInFlightIncr() {
	s.dispatchesInFlight.Inc()
}

func (s *PrometheusSink) DispatchesInFlightDecr() {
	s.dispatchesInFlight.Dec()
}

func (s *PrometheusSink) WebhookDelivered(targetModule, statusClass string, duration time.Duration) {
	s.webhooksTotal.WithLabelValues(targetModule, statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CircuitStateChanged(targetModule, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	s.circuitState.WithLabelValues(targetModule).Set(v)
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) ExecutionsReconciled(kind domain.ErrorKind, count int) {
	s.reconciledTotal.WithLabelValues(kindLabel(kind)).Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
