// Package scheduler implements the multi-model escalation scheduler (spec
// §4.7): the top-level entry point that ties a job type's slot allocation,
// a fixed-order chain of per-model limiters, and a pluggable global-budget
// Backend into one queueJob/queueJobForModel API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratefleet/internal/allocator"
	"ratefleet/internal/backend"
	"ratefleet/internal/domain"
	"ratefleet/internal/memory"
	"ratefleet/internal/modellimiter"
	"ratefleet/internal/stats"
)

// Metrics is the hook telemetry wires into; callers not configuring
// telemetry get NoopMetrics.
type Metrics interface {
	ObserveQueueWait(jobType string, d time.Duration)
	IncEscalation(jobType, fromModel, toModel string)
	IncOutcome(jobType, modelID, outcome string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveQueueWait(string, time.Duration) {}
func (NoopMetrics) IncEscalation(string, string, string)   {}
func (NoopMetrics) IncOutcome(string, string, string)      {}

// Config builds a Scheduler. EscalationOrder lists model IDs in the order
// queueJob tries them; every ID must also appear in Models.
type Config struct {
	Label           string
	Models          []domain.ModelConfig
	EscalationOrder []string
	JobTypes        []domain.JobTypeConfig
	Thresholds      allocator.Thresholds
	Backend         backend.Backend // nil means single-process: a Local backend is created
	Memory          *memory.Manager // nil disables the shared memory sub-limit
	Logger          *slog.Logger
	Metrics         Metrics
}

// Scheduler is the multi-model escalation scheduler, parameterized by the
// job's result type T (spec §9: Outcome[T] replaces the callback pair).
type Scheduler[T any] struct {
	label           string
	models          map[string]*modellimiter.Limiter
	modelConfigs    map[string]domain.ModelConfig
	escalationOrder []string
	jobTypeEstimate map[string]domain.ResourceEstimate
	alloc           *allocator.Allocator
	mem             *memory.Manager
	backend         backend.Backend
	logger          *slog.Logger
	metrics         Metrics

	mu           sync.Mutex
	started      bool
	instanceID   string
	currentAlloc domain.Allocation
	unsubscribe  func()
	cancels      map[string]context.CancelFunc
}

// New validates cfg and builds a Scheduler. It does not start background
// work; call Start for that.
func New[T any](cfg Config) (*Scheduler[T], error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("scheduler: at least one model required")
	}
	if len(cfg.EscalationOrder) == 0 {
		return nil, errors.New("scheduler: escalation order required")
	}

	models := make(map[string]*modellimiter.Limiter, len(cfg.Models))
	modelConfigs := make(map[string]domain.ModelConfig, len(cfg.Models))
	for _, m := range cfg.Models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		modelConfigs[m.ID] = m
		models[m.ID] = modellimiter.New(m.ID, modellimiter.Config{
			RequestsPerMinute:     m.RequestsPerMinute,
			RequestsPerDay:        m.RequestsPerDay,
			TokensPerMinute:       m.TokensPerMinute,
			TokensPerDay:          m.TokensPerDay,
			MaxConcurrentRequests: m.MaxConcurrentRequests,
			Memory:                cfg.Memory,
		})
	}
	for _, id := range cfg.EscalationOrder {
		if _, ok := models[id]; !ok {
			return nil, domain.ErrUnknownModel(id)
		}
	}

	jobTypeEstimate := make(map[string]domain.ResourceEstimate, len(cfg.JobTypes))
	for _, jt := range cfg.JobTypes {
		jobTypeEstimate[jt.ID] = domain.ResourceEstimate{
			Tokens:   jt.EstimatedTokens,
			Requests: jt.EstimatedRequests,
			MemoryKB: jt.EstimatedUsedMemoryKB,
		}
	}

	thresholds := cfg.Thresholds
	if thresholds == (allocator.Thresholds{}) {
		thresholds = allocator.DefaultThresholds()
	}

	be := cfg.Backend
	if be == nil {
		be = backend.NewLocal(domain.Allocation{Slots: 1 << 30, TokensPerMinute: 1 << 30, RequestsPerMinute: 1 << 30})
	}

	return &Scheduler[T]{
		label:           cfg.Label,
		models:          models,
		modelConfigs:    modelConfigs,
		escalationOrder: cfg.EscalationOrder,
		jobTypeEstimate: jobTypeEstimate,
		alloc:           allocator.New(cfg.JobTypes, 0, thresholds, cfg.Logger),
		mem:             cfg.Memory,
		backend:         be,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		cancels:         make(map[string]context.CancelFunc),
	}, nil
}

// Start registers this process with the backend, adopts the returned
// allocation, and subscribes to future changes. Idempotent.
func (s *Scheduler[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.instanceID = uuid.NewString()
	s.mu.Unlock()

	alloc, err := s.backend.Register(ctx, s.instanceID)
	if err != nil {
		return fmt.Errorf("scheduler: register with backend: %w", err)
	}
	s.alloc.SetCapacity(alloc.Slots)

	unsubscribe := s.backend.Subscribe(func(alloc domain.Allocation, reason backend.ChangeReason, modelID string) {
		s.alloc.SetCapacity(alloc.Slots)
		s.mu.Lock()
		s.currentAlloc = alloc
		s.mu.Unlock()
		s.logger.Info("scheduler: allocation changed", "label", s.label, "reason", reason, "slots", alloc.Slots)
	})

	s.mu.Lock()
	s.currentAlloc = alloc
	s.unsubscribe = unsubscribe
	s.started = true
	s.mu.Unlock()
	return nil
}

// Stop cancels every outstanding QueueJob/QueueJobForModel waiter (they
// observe domain.ErrCancelled), unsubscribes from the backend, and
// unregisters this instance. Idempotent.
func (s *Scheduler[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancels := s.cancels
	s.cancels = make(map[string]context.CancelFunc)
	unsubscribe := s.unsubscribe
	instanceID := s.instanceID
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	return s.backend.Unregister(ctx, instanceID)
}

func (s *Scheduler[T]) registerCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler[T]) unregisterCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}

// QueueJob runs req.Job against each model in the escalation order in turn,
// stopping at the first model that resolves, the first rejection without
// delegation, or a thrown error, and accumulates usage/cost across every
// model actually attempted (spec §4.7).
func (s *Scheduler[T]) QueueJob(parentCtx context.Context, req QueueJobRequest[T]) (T, error) {
	var zero T

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return zero, errors.New("scheduler: not started")
	}

	estimate, ok := s.jobTypeEstimate[req.JobType]
	if !ok && len(s.jobTypeEstimate) > 0 {
		return zero, domain.ErrUnknownJobType(req.JobType)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.registerCancel(req.JobID, cancel)
	defer func() {
		s.unregisterCancel(req.JobID)
		cancel()
	}()

	waitStart := time.Now()
	maxWait := time.Duration(req.MaxWait) * time.Millisecond
	if err := s.alloc.Acquire(ctx, req.JobType, maxWait); err != nil {
		return zero, err
	}
	defer s.alloc.Release(req.JobType)
	s.metrics.ObserveQueueWait(req.JobType, time.Since(waitStart))

	var usageAcc []domain.UsageEntry
	var totalCost float64
	var lastErr error

	for i, modelID := range s.escalationOrder {
		if i > 0 {
			s.metrics.IncEscalation(req.JobType, s.escalationOrder[i-1], modelID)
		}
		limiter := s.models[modelID]
		cfg := s.modelConfigs[modelID]

		admitted, err := s.backend.Acquire(ctx, backend.AcquireRequest{
			InstanceID: s.instanceID,
			ModelID:    modelID,
			JobID:      req.JobID,
			Estimated:  estimate,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if !admitted {
			s.metrics.IncOutcome(req.JobType, modelID, "backend-rejected")
			continue
		}

		var ran bool
		var outcome Outcome[T]
		var jobErr error
		usage, limiterErr := limiter.QueueJob(ctx, estimate, maxWait, func(ctx context.Context) (domain.UsageEntry, error) {
			ran = true
			o, err := req.Job(ctx, modelID)
			outcome = o
			jobErr = err
			return o.Usage, err
		})
		_ = usage

		actual := domain.ResourceEstimate{}
		if ran {
			actual = domain.ResourceEstimate{
				Tokens:   outcome.Usage.InputTokens + outcome.Usage.CachedTokens + outcome.Usage.OutputTokens,
				Requests: outcome.Usage.RequestCount,
				MemoryKB: estimate.MemoryKB,
			}
		}
		if releaseErr := s.backend.Release(ctx, backend.ReleaseRequest{
			InstanceID: s.instanceID,
			ModelID:    modelID,
			JobID:      req.JobID,
			Estimated:  estimate,
			Actual:     actual,
		}); releaseErr != nil {
			s.logger.Warn("scheduler: backend release failed", "model", modelID, "job", req.JobID, "error", releaseErr)
		}

		if !ran {
			// Local admission itself refused (timeout/cancelled): escalate.
			lastErr = limiterErr
			s.metrics.IncOutcome(req.JobType, modelID, "local-rejected")
			if errors.Is(limiterErr, domain.ErrCancelled) {
				return zero, domain.ErrCancelled
			}
			continue
		}

		entry := outcome.Usage
		entry.ModelID = modelID
		entry.Cost = entry.Cost1e6(cfg.Pricing)
		usageAcc = append(usageAcc, entry)
		totalCost += entry.Cost

		if jobErr != nil {
			s.metrics.IncOutcome(req.JobType, modelID, "error")
			if req.OnError != nil {
				req.OnError(jobErr, CompletionInfo{JobID: req.JobID, TotalCost: totalCost, Usage: usageAcc})
			}
			return zero, jobErr
		}

		switch outcome.Kind {
		case Resolved:
			s.metrics.IncOutcome(req.JobType, modelID, "resolved")
			if req.OnComplete != nil {
				req.OnComplete(outcome.Result, CompletionInfo{JobID: req.JobID, TotalCost: totalCost, Usage: usageAcc})
			}
			return outcome.Result, nil
		case Rejected:
			s.metrics.IncOutcome(req.JobType, modelID, "rejected")
			if !outcome.Delegate {
				err := domain.ErrRejectedNoDelegation
				if req.OnError != nil {
					req.OnError(err, CompletionInfo{JobID: req.JobID, TotalCost: totalCost, Usage: usageAcc})
				}
				return zero, err
			}
			lastErr = domain.ErrRejectedNoDelegation
			continue
		default:
			err := domain.ErrMustResolveOrReject
			if req.OnError != nil {
				req.OnError(err, CompletionInfo{JobID: req.JobID, TotalCost: totalCost, Usage: usageAcc})
			}
			return zero, err
		}
	}

	finalErr := domain.ErrAllModelsRejected
	if lastErr != nil {
		finalErr = fmt.Errorf("%w: %v", domain.ErrAllModelsRejected, lastErr)
	}
	if req.OnError != nil {
		req.OnError(finalErr, CompletionInfo{JobID: req.JobID, TotalCost: totalCost, Usage: usageAcc})
	}
	return zero, finalErr
}

// QueueJobForModel bypasses escalation: it runs job against exactly one
// model, still going through that model's backend share and local limiter
// (spec §6, "bypass escalation; single model").
func (s *Scheduler[T]) QueueJobForModel(parentCtx context.Context, modelID, jobID string, estimate domain.ResourceEstimate, maxWaitMs int64, job JobFunc[T]) (T, error) {
	var zero T
	limiter, ok := s.models[modelID]
	if !ok {
		return zero, domain.ErrUnknownModel(modelID)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.registerCancel(jobID, cancel)
	defer func() {
		s.unregisterCancel(jobID)
		cancel()
	}()
	maxWait := time.Duration(maxWaitMs) * time.Millisecond

	admitted, err := s.backend.Acquire(ctx, backend.AcquireRequest{InstanceID: s.instanceID, ModelID: modelID, JobID: jobID, Estimated: estimate})
	if err != nil {
		return zero, err
	}
	if !admitted {
		return zero, domain.ErrAllModelsRejected
	}

	var ran bool
	var outcome Outcome[T]
	var jobErr error
	_, limiterErr := limiter.QueueJob(ctx, estimate, maxWait, func(ctx context.Context) (domain.UsageEntry, error) {
		ran = true
		o, err := job(ctx, modelID)
		outcome = o
		jobErr = err
		return o.Usage, err
	})

	actual := domain.ResourceEstimate{}
	if ran {
		actual = domain.ResourceEstimate{
			Tokens:   outcome.Usage.InputTokens + outcome.Usage.CachedTokens + outcome.Usage.OutputTokens,
			Requests: outcome.Usage.RequestCount,
			MemoryKB: estimate.MemoryKB,
		}
	}
	if releaseErr := s.backend.Release(ctx, backend.ReleaseRequest{InstanceID: s.instanceID, ModelID: modelID, JobID: jobID, Estimated: estimate, Actual: actual}); releaseErr != nil {
		s.logger.Warn("scheduler: backend release failed", "model", modelID, "job", jobID, "error", releaseErr)
	}

	if !ran {
		return zero, limiterErr
	}
	if jobErr != nil {
		return zero, jobErr
	}
	switch outcome.Kind {
	case Resolved:
		return outcome.Result, nil
	case Rejected:
		return zero, domain.ErrRejectedNoDelegation
	default:
		return zero, domain.ErrMustResolveOrReject
	}
}

// HasCapacity reports whether at least one model in the escalation chain
// currently has room for a zero-sized probe, a cheap liveness check.
func (s *Scheduler[T]) HasCapacity() bool {
	for _, modelID := range s.escalationOrder {
		if s.models[modelID].HasCapacity(domain.ResourceEstimate{}) {
			return true
		}
	}
	return false
}

// GetModelStats returns the named model's limiter snapshot.
func (s *Scheduler[T]) GetModelStats(modelID string) (modellimiter.Stats, error) {
	limiter, ok := s.models[modelID]
	if !ok {
		return modellimiter.Stats{}, domain.ErrUnknownModel(modelID)
	}
	return limiter.GetStats(), nil
}

// GetStats returns the full observability snapshot (spec §4.7, §6).
func (s *Scheduler[T]) GetStats() stats.LimiterStats {
	modelStats := make(map[string]modellimiter.Stats, len(s.models))
	for id, l := range s.models {
		modelStats[id] = l.GetStats()
	}
	s.mu.Lock()
	alloc := s.currentAlloc
	s.mu.Unlock()

	snap := stats.LimiterStats{
		Label:      s.label,
		Models:     modelStats,
		JobTypes:   s.alloc.Snapshot(),
		Allocation: alloc,
	}
	if s.mem != nil {
		snap.Memory = s.mem.Stats()
	}
	return snap
}
