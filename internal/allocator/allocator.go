// Package allocator implements the job-type slot allocator (spec §4.6): it
// partitions a worker's total capacity among job classes by ratio, with
// adaptive rebalancing that donates capacity from idle, flexible classes to
// saturated ones.
package allocator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ratefleet/internal/domain"
	"ratefleet/internal/waitqueue"
)

// Thresholds controls the donor/receiver classification and how much ratio
// moves per rebalance. The spec leaves these as free parameters; these
// defaults are a judgment call recorded in DESIGN.md.
type Thresholds struct {
	LowThreshold          float64 // below this load, a flexible type is a donor candidate
	HighThreshold         float64 // above this load, a flexible type is a receiver candidate
	MinRatio              float64 // a donor never gives up ratio below this floor
	MaxAdjustment         float64 // max ratio a single donor contributes per rebalance
	AdjustmentInterval    time.Duration
	ReleasesPerAdjustment int
}

// DefaultThresholds makes a flexible type a donor below 30% load and a
// receiver above 80% load. The 30% floor matches the teacher's dispatcher
// scale-down band; the 80% ceiling is higher than its 70% scale-up band.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LowThreshold:          0.3,
		HighThreshold:         0.8,
		MinRatio:              0.05,
		MaxAdjustment:         0.1,
		AdjustmentInterval:    5 * time.Second,
		ReleasesPerAdjustment: 10,
	}
}

type jobTypeEntry struct {
	state *domain.JobTypeState
	waitQ *waitqueue.Queue[struct{}]
}

// Allocator owns per-job-type state and the slot wait queues jobs block on.
type Allocator struct {
	mu             sync.Mutex
	entries        map[string]*jobTypeEntry
	order          []string // registration order, for deterministic iteration
	totalCapacity  int
	thresholds     Thresholds
	disabled       bool
	lastAdjustedAt time.Time
	releasesSince  int
	logger         *slog.Logger
}

// New builds an Allocator. An empty jobTypes list disables the allocator
// entirely: Acquire/Release become pass-throughs (spec §4.6, "if no
// capacity config, returns true").
func New(jobTypes []domain.JobTypeConfig, totalCapacity int, thresholds Thresholds, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		entries:       make(map[string]*jobTypeEntry, len(jobTypes)),
		totalCapacity: totalCapacity,
		thresholds:    thresholds,
		disabled:      len(jobTypes) == 0,
		logger:        logger,
	}
	for _, jt := range jobTypes {
		a.entries[jt.ID] = &jobTypeEntry{
			state: &domain.JobTypeState{
				CurrentRatio: jt.InitialRatio,
				InitialRatio: jt.InitialRatio,
				Flexible:     jt.Flexible,
				Resources: domain.ResourceEstimate{
					Tokens:   jt.EstimatedTokens,
					Requests: jt.EstimatedRequests,
					MemoryKB: jt.EstimatedUsedMemoryKB,
				},
			},
			waitQ: waitqueue.New[struct{}](),
		}
		a.order = append(a.order, jt.ID)
	}
	a.normalizeInitialRatios()
	a.recomputeLocked()
	return a
}

// normalizeInitialRatios fills in a default even split for any job type with
// InitialRatio == 0, then scales everything to sum to 1 (spec §3: "Ratios
// across job types need not sum to 1 at input; the allocator normalizes").
func (a *Allocator) normalizeInitialRatios() {
	if len(a.order) == 0 {
		return
	}
	var sum float64
	zeroCount := 0
	for _, id := range a.order {
		r := a.entries[id].state.CurrentRatio
		if r == 0 {
			zeroCount++
		}
		sum += r
	}
	if zeroCount > 0 {
		fill := (1.0 - sum) / float64(zeroCount)
		if fill < 0 {
			fill = 1.0 / float64(len(a.order))
		}
		for _, id := range a.order {
			e := a.entries[id].state
			if e.CurrentRatio == 0 {
				e.CurrentRatio = fill
				e.InitialRatio = fill
			}
		}
	}
	a.normalizeToSum1()
}

func (a *Allocator) normalizeToSum1() {
	var sum float64
	for _, id := range a.order {
		sum += a.entries[id].state.CurrentRatio
	}
	if sum <= 0 {
		return
	}
	for _, id := range a.order {
		a.entries[id].state.CurrentRatio /= sum
	}
}

// Acquire blocks (subject to ctx and maxWait) until jobType has a free slot,
// then increments its in-flight count. maxWait == 0 means a single
// non-blocking attempt; maxWait < 0 means block until ctx is done.
func (a *Allocator) Acquire(ctx context.Context, jobType string, maxWait time.Duration) error {
	a.mu.Lock()
	if a.disabled {
		a.mu.Unlock()
		return nil
	}
	e, ok := a.entries[jobType]
	a.mu.Unlock()
	if !ok {
		return domain.ErrUnknownJobType(jobType)
	}

	tryReserve := func() (struct{}, bool) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if e.state.InFlight < e.state.AllocatedSlots {
			e.state.InFlight++
			return struct{}{}, true
		}
		return struct{}{}, false
	}
	if maxWait < 0 {
		maxWait = 365 * 24 * time.Hour
	}
	_, ok = e.waitQ.WaitForCapacity(ctx, tryReserve, maxWait)
	if !ok {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.ErrCancelled
		}
		return domain.ErrTimeout
	}
	return nil
}

// Release decrements jobType's in-flight count, wakes its own waiters, and
// triggers a rebalance once both the time and release-count gates pass.
func (a *Allocator) Release(jobType string) {
	a.mu.Lock()
	if a.disabled {
		a.mu.Unlock()
		return
	}
	e, ok := a.entries[jobType]
	if !ok {
		a.mu.Unlock()
		return
	}
	if e.state.InFlight > 0 {
		e.state.InFlight--
	}
	a.releasesSince++
	due := time.Since(a.lastAdjustedAt) >= a.thresholds.AdjustmentInterval &&
		a.releasesSince >= a.thresholds.ReleasesPerAdjustment
	if due {
		a.lastAdjustedAt = time.Now()
		a.releasesSince = 0
		a.rebalanceLocked()
	}
	a.mu.Unlock()

	e.waitQ.NotifyCapacityAvailable()
	if due {
		a.notifyAll()
	}
}

func (a *Allocator) notifyAll() {
	a.mu.Lock()
	ids := append([]string(nil), a.order...)
	a.mu.Unlock()
	for _, id := range ids {
		a.entries[id].waitQ.NotifyCapacityAvailable()
	}
}

// SetCapacity updates total capacity (e.g. on a new distributed allocation)
// and recomputes every job type's allocated slots immediately.
func (a *Allocator) SetCapacity(totalCapacity int) {
	a.mu.Lock()
	a.totalCapacity = totalCapacity
	a.recomputeLocked()
	a.mu.Unlock()
	a.notifyAll()
}

// rebalanceLocked implements spec §4.6 steps 1-6. Caller holds a.mu.
func (a *Allocator) rebalanceLocked() {
	type donor struct {
		id           string
		contribution float64
	}
	var donors []donor
	var receivers []string
	receiverLoad := make(map[string]float64)
	var totalReceiverLoad float64

	for _, id := range a.order {
		s := a.entries[id].state
		load := s.LoadPercentage()
		if !s.Flexible {
			continue
		}
		if load < a.thresholds.LowThreshold && s.CurrentRatio > a.thresholds.MinRatio {
			contribution := minFloat(s.CurrentRatio-a.thresholds.MinRatio, a.thresholds.MaxAdjustment) * (1 - load)
			donors = append(donors, donor{id: id, contribution: contribution})
		} else if load > a.thresholds.HighThreshold {
			receivers = append(receivers, id)
			receiverLoad[id] = load
			totalReceiverLoad += load
		}
	}

	if len(donors) == 0 || len(receivers) == 0 {
		a.recomputeLocked()
		return
	}

	var totalContribution float64
	for _, d := range donors {
		a.entries[d.id].state.CurrentRatio -= d.contribution
		totalContribution += d.contribution
	}
	for _, id := range receivers {
		share := receiverLoad[id] / totalReceiverLoad
		a.entries[id].state.CurrentRatio += totalContribution * share
	}

	a.recomputeLocked()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// recomputeLocked normalizes ratios to sum 1 and recomputes allocated slots.
// Caller holds a.mu.
func (a *Allocator) recomputeLocked() {
	a.normalizeToSum1()
	for _, id := range a.order {
		s := a.entries[id].state
		s.AllocatedSlots = int(float64(a.totalCapacity) * s.CurrentRatio)
	}
}

// Snapshot returns a copy of every job type's current state, for stats.
func (a *Allocator) Snapshot() map[string]domain.JobTypeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.JobTypeState, len(a.entries))
	for id, e := range a.entries {
		out[id] = *e.state
	}
	return out
}
