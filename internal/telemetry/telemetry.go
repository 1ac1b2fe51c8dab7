// Package telemetry provides observability with Prometheus metrics and
// structured logging for ratefleet.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric ratefleet exposes.
type Metrics struct {
	JobsAdmitted   *prometheus.CounterVec // by job_type, model
	JobsRejected   *prometheus.CounterVec // by job_type, model, reason
	JobsEscalated  *prometheus.CounterVec // by job_type, from_model, to_model
	QueueWait      *prometheus.HistogramVec
	JobCostUSD     *prometheus.CounterVec // by model
	TokensReserved *prometheus.CounterVec // by model, class (input/cached/output)

	AllocatedSlots  *prometheus.GaugeVec // by job_type
	JobTypeInFlight *prometheus.GaugeVec // by job_type
	JobTypeLoad     *prometheus.GaugeVec // by job_type

	MemoryAvailableKB prometheus.Gauge
	MemoryInUseKB     prometheus.Gauge

	BackendAcquireFailures *prometheus.CounterVec // by model, reason
	CircuitBreakerState    *prometheus.GaugeVec    // by backend; 0=closed,1=half-open,2=open
	RetryAttempts          *prometheus.CounterVec  // by backend, reason
}

// NewMetrics creates and registers every metric against registry (or the
// default registerer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		JobsAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_jobs_admitted_total", Help: "Total jobs admitted per model"},
			[]string{"job_type", "model"},
		),
		JobsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_jobs_rejected_total", Help: "Total job attempts rejected"},
			[]string{"job_type", "model", "reason"},
		),
		JobsEscalated: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_jobs_escalated_total", Help: "Total escalations to the next model"},
			[]string{"job_type", "from_model", "to_model"},
		),
		QueueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefleet_queue_wait_seconds",
				Help:    "Time spent waiting for a job-type slot",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"job_type"},
		),
		JobCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_job_cost_usd_total", Help: "Total accumulated cost per model"},
			[]string{"model"},
		),
		TokensReserved: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_tokens_reserved_total", Help: "Total tokens reserved per model"},
			[]string{"model", "class"},
		),
		AllocatedSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ratefleet_allocated_slots", Help: "Slots allocated to a job type"},
			[]string{"job_type"},
		),
		JobTypeInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ratefleet_job_type_in_flight", Help: "In-flight jobs per job type"},
			[]string{"job_type"},
		),
		JobTypeLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ratefleet_job_type_load", Help: "InFlight/AllocatedSlots per job type"},
			[]string{"job_type"},
		),
		MemoryAvailableKB: factory.NewGauge(
			prometheus.GaugeOpts{Name: "ratefleet_memory_available_kb", Help: "Remaining shared memory pool, in KB"},
		),
		MemoryInUseKB: factory.NewGauge(
			prometheus.GaugeOpts{Name: "ratefleet_memory_in_use_kb", Help: "Shared memory pool currently reserved, in KB"},
		),
		BackendAcquireFailures: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_backend_acquire_failures_total", Help: "Backend acquire failures"},
			[]string{"model", "reason"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ratefleet_circuit_breaker_state", Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)"},
			[]string{"backend"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ratefleet_retry_attempts_total", Help: "Total retry attempts against the distributed backend"},
			[]string{"backend", "reason"},
		),
	}
}

// Handler returns an HTTP handler serving Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQueueWait implements scheduler.Metrics.
func (m *Metrics) ObserveQueueWait(jobType string, d time.Duration) {
	m.QueueWait.WithLabelValues(jobType).Observe(d.Seconds())
}

// IncEscalation implements scheduler.Metrics.
func (m *Metrics) IncEscalation(jobType, fromModel, toModel string) {
	m.JobsEscalated.WithLabelValues(jobType, fromModel, toModel).Inc()
}

// IncOutcome implements scheduler.Metrics, fanning "resolved" into
// JobsAdmitted and everything else into JobsRejected.
func (m *Metrics) IncOutcome(jobType, modelID, outcome string) {
	if outcome == "resolved" {
		m.JobsAdmitted.WithLabelValues(jobType, modelID).Inc()
		return
	}
	m.JobsRejected.WithLabelValues(jobType, modelID, outcome).Inc()
}

// UpdateCircuitBreakerState records a state transition by name.
func (m *Metrics) UpdateCircuitBreakerState(backend, state string) {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(v)
}

// RecordRetryAttempt records a retry attempt against the distributed backend.
func (m *Metrics) RecordRetryAttempt(backend, reason string) {
	m.RetryAttempts.WithLabelValues(backend, reason).Inc()
}

// Logger is the structured-logging interface passed through context,
// matching the teacher's pattern so components don't import log/slog
// directly in their hot paths.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

type loggerContextKey struct{}

// LoggerFromContext retrieves the logger from ctx, or a no-op logger.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return noopLogger{}
}

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
func (l noopLogger) With(fields ...any) Logger     { return l }
