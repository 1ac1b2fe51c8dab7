// Package modellimiter implements the single-model limiter (spec §4.4): it
// composes zero or more time-window counters, an optional concurrency
// semaphore, and the shared memory manager into one admission gate per
// model, with a fixed acquire order and reverse-order rollback so a partial
// reservation never leaks.
package modellimiter

import (
	"context"
	"errors"
	"time"

	"ratefleet/internal/domain"
	"ratefleet/internal/memory"
	"ratefleet/internal/semaphore"
	"ratefleet/internal/waitqueue"
	"ratefleet/internal/window"
)

// Config configures which sub-limits a Limiter enforces. Any zero field
// disables that sub-limit.
type Config struct {
	RequestsPerMinute     int
	RequestsPerDay        int
	TokensPerMinute       int
	TokensPerDay          int
	MaxConcurrentRequests int
	Memory                *memory.Manager // shared, optional
}

// Limiter is the single-model admission gate.
type Limiter struct {
	modelID     string
	rpm, rpd    *window.Counter
	tpm, tpd    *window.Counter
	concurrency *semaphore.Semaphore
	mem         *memory.Manager
	waitQ       *waitqueue.Queue[domain.ResourceEstimate]
}

// New builds a Limiter for modelID from cfg. At least one sub-limit should
// be configured (callers validate this at the ModelConfig level).
func New(modelID string, cfg Config) *Limiter {
	l := &Limiter{modelID: modelID, mem: cfg.Memory, waitQ: waitqueue.New[domain.ResourceEstimate]()}
	if cfg.RequestsPerMinute > 0 {
		l.rpm = window.New(60_000, cfg.RequestsPerMinute)
	}
	if cfg.RequestsPerDay > 0 {
		l.rpd = window.New(24*60*60_000, cfg.RequestsPerDay)
	}
	if cfg.TokensPerMinute > 0 {
		l.tpm = window.New(60_000, cfg.TokensPerMinute)
	}
	if cfg.TokensPerDay > 0 {
		l.tpd = window.New(24*60*60_000, cfg.TokensPerDay)
	}
	if cfg.MaxConcurrentRequests > 0 {
		l.concurrency = semaphore.New(cfg.MaxConcurrentRequests)
	}
	return l
}

// HasCapacity is the logical AND of every configured sub-limit having room
// for the estimate, without reserving anything.
func (l *Limiter) HasCapacity(est domain.ResourceEstimate) bool {
	if l.rpm != nil && !l.rpm.HasCapacityFor(est.Requests) {
		return false
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(est.Requests) {
		return false
	}
	if l.tpm != nil && !l.tpm.HasCapacityFor(est.Tokens) {
		return false
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(est.Tokens) {
		return false
	}
	if l.concurrency != nil && l.concurrency.GetStats().Available < 1 {
		return false
	}
	return true
}

// tryReserveOnce acquires in the fixed order RPM, RPD, TPM, TPD,
// concurrency, memory, rolling back everything already acquired (in
// reverse order) the moment one sub-limit refuses.
func (l *Limiter) tryReserveOnce(est domain.ResourceEstimate) bool {
	var rollbacks []func()
	rollback := func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}

	if l.rpm != nil {
		if !l.rpm.HasCapacityFor(est.Requests) {
			rollback()
			return false
		}
		l.rpm.Add(est.Requests)
		rollbacks = append(rollbacks, func() { l.rpm.Subtract(est.Requests) })
	}
	if l.rpd != nil {
		if !l.rpd.HasCapacityFor(est.Requests) {
			rollback()
			return false
		}
		l.rpd.Add(est.Requests)
		rollbacks = append(rollbacks, func() { l.rpd.Subtract(est.Requests) })
	}
	if l.tpm != nil {
		if !l.tpm.HasCapacityFor(est.Tokens) {
			rollback()
			return false
		}
		l.tpm.Add(est.Tokens)
		rollbacks = append(rollbacks, func() { l.tpm.Subtract(est.Tokens) })
	}
	if l.tpd != nil {
		if !l.tpd.HasCapacityFor(est.Tokens) {
			rollback()
			return false
		}
		l.tpd.Add(est.Tokens)
		rollbacks = append(rollbacks, func() { l.tpd.Subtract(est.Tokens) })
	}
	if l.concurrency != nil {
		if !l.concurrency.TryAcquire(1) {
			rollback()
			return false
		}
		rollbacks = append(rollbacks, func() { l.concurrency.Release(1) })
	}
	if l.mem != nil && est.MemoryKB > 0 {
		if !l.mem.AcquireMemoryNonBlocking(est.MemoryKB) {
			rollback()
			return false
		}
		rollbacks = append(rollbacks, func() { l.mem.ReleaseMemory(est.MemoryKB) })
	}
	return true
}

// Job is the shape of work a caller passes to QueueJob: run to completion
// and report actual usage, or return an error.
type Job func(ctx context.Context) (domain.UsageEntry, error)

// QueueJob reserves capacity for est (blocking up to maxWait, or a single
// attempt when maxWait is 0), runs fn on success, and settles the
// reservation: counters refund (estimated - actual) clamped at zero;
// concurrency and memory are always fully released regardless of actual
// usage, since neither is reconciled against a reported "actual" value.
func (l *Limiter) QueueJob(ctx context.Context, est domain.ResourceEstimate, maxWait time.Duration, fn Job) (domain.UsageEntry, error) {
	tryReserve := func() (domain.ResourceEstimate, bool) {
		return est, l.tryReserveOnce(est)
	}

	_, ok := l.waitQ.WaitForCapacity(ctx, tryReserve, maxWait)
	if !ok {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.UsageEntry{}, domain.ErrCancelled
		}
		return domain.UsageEntry{}, domain.ErrTimeout
	}

	usage, err := fn(ctx)
	if err != nil {
		l.settle(est, 0, 0)
		return domain.UsageEntry{}, err
	}

	actualTokens := usage.InputTokens + usage.CachedTokens + usage.OutputTokens
	actualRequests := usage.RequestCount
	l.settle(est, actualRequests, actualTokens)
	return usage, nil
}

func (l *Limiter) settle(est domain.ResourceEstimate, actualRequests, actualTokens int) {
	refundRequests := est.Requests - actualRequests
	if refundRequests < 0 {
		refundRequests = 0
	}
	refundTokens := est.Tokens - actualTokens
	if refundTokens < 0 {
		refundTokens = 0
	}

	if l.rpm != nil {
		l.rpm.Subtract(refundRequests)
	}
	if l.rpd != nil {
		l.rpd.Subtract(refundRequests)
	}
	if l.tpm != nil {
		l.tpm.Subtract(refundTokens)
	}
	if l.tpd != nil {
		l.tpd.Subtract(refundTokens)
	}
	if l.concurrency != nil {
		l.concurrency.Release(1)
	}
	if l.mem != nil && est.MemoryKB > 0 {
		l.mem.ReleaseMemory(est.MemoryKB)
	}
	l.waitQ.NotifyCapacityAvailable()
}

// Stats is a uniform snapshot of every configured sub-limit.
type Stats struct {
	ModelID     string
	RPM         *window.Snapshot
	RPD         *window.Snapshot
	TPM         *window.Snapshot
	TPD         *window.Snapshot
	Concurrency *semaphore.Stats
	Waiting     int
}

// GetStats returns a point-in-time snapshot of every configured sub-limit.
func (l *Limiter) GetStats() Stats {
	s := Stats{ModelID: l.modelID, Waiting: l.waitQ.Len()}
	if l.rpm != nil {
		snap := l.rpm.Snapshot()
		s.RPM = &snap
	}
	if l.rpd != nil {
		snap := l.rpd.Snapshot()
		s.RPD = &snap
	}
	if l.tpm != nil {
		snap := l.tpm.Snapshot()
		s.TPM = &snap
	}
	if l.tpd != nil {
		snap := l.tpd.Snapshot()
		s.TPD = &snap
	}
	if l.concurrency != nil {
		stats := l.concurrency.GetStats()
		s.Concurrency = &stats
	}
	return s
}
