// Package domain holds the core data model shared by every component of the
// rate limiter: model and job-type configuration, usage accounting, and the
// sentinel errors whose text is part of the external contract.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ModelConfig describes one rate-limited backend model. At least one of the
// rate fields or MaxConcurrentRequests must be set; scheduler.New checks
// this with Validate for every configured model.
type ModelConfig struct {
	ID                    string
	RequestsPerMinute     int
	RequestsPerDay        int
	TokensPerMinute       int
	TokensPerDay          int
	MaxConcurrentRequests int
	Pricing               Pricing
}

// Pricing is cost-per-1M-tokens for the three token classes a usage entry
// tracks. Units are arbitrary (USD, credits, ...); the scheduler only sums.
type Pricing struct {
	Input  float64
	Cached float64
	Output float64
}

// Validate checks the "at least one cap configured" invariant from spec §3.
func (m ModelConfig) Validate() error {
	if m.ID == "" {
		return errors.New("model config: id required")
	}
	if m.RequestsPerMinute <= 0 && m.RequestsPerDay <= 0 &&
		m.TokensPerMinute <= 0 && m.TokensPerDay <= 0 &&
		m.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("model config %q: at least one rate field or MaxConcurrentRequests must be set", m.ID)
	}
	return nil
}

// JobTypeConfig describes the estimated footprint and ratio behavior of one
// job class within a worker's job-type slot allocator.
type JobTypeConfig struct {
	ID                    string
	EstimatedTokens       int
	EstimatedRequests     int
	EstimatedUsedMemoryKB int
	InitialRatio          float64 // zero means "let the allocator assign a default"
	Flexible              bool
}

// ResourceEstimate is what a job asks to reserve before it runs.
type ResourceEstimate struct {
	Tokens   int
	Requests int
	MemoryKB int
}

// UsageEntry is what a job reports it actually consumed on one model attempt.
type UsageEntry struct {
	ModelID      string
	InputTokens  int
	CachedTokens int
	OutputTokens int
	RequestCount int
	Cost         float64
}

// Cost1e6 computes the per-1M-token cost of this entry under the given pricing.
func (u UsageEntry) Cost1e6(p Pricing) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / 1e6
}

// JobState is the lifecycle state of a JobRecord.
type JobState string

const (
	JobQueued          JobState = "queued"
	JobWaitingForModel JobState = "waiting-for-model"
	JobRunning         JobState = "running"
	JobDone            JobState = "done"
	JobFailed          JobState = "failed"
)

// JobRecord tracks one submission through queueJob to its final callback.
type JobRecord struct {
	JobID     string
	JobType   string
	State     JobState
	CreatedAt time.Time
	Usage     []UsageEntry
	TotalCost float64
}

// Allocation is a worker's share of the global budget: slots plus token/
// request-per-minute shares, as handed out by a Backend.
type Allocation struct {
	Slots             int
	TokensPerMinute   int
	RequestsPerMinute int
}

// JobTypeState is the allocator's live bookkeeping for one job type.
type JobTypeState struct {
	CurrentRatio   float64
	InitialRatio   float64
	Flexible       bool
	InFlight       int
	AllocatedSlots int
	Resources      ResourceEstimate
}

// LoadPercentage is InFlight/AllocatedSlots, or 0 when no slots are allocated.
func (s JobTypeState) LoadPercentage() float64 {
	if s.AllocatedSlots == 0 {
		return 0
	}
	return float64(s.InFlight) / float64(s.AllocatedSlots)
}

// Stable error sentinels — their text is part of the external contract
// (spec §6) and must not change.
var (
	ErrMustResolveOrReject  = errors.New("Job must call resolve() or reject()")
	ErrRejectedNoDelegation = errors.New("Job rejected without delegation")
	ErrAllModelsRejected    = errors.New("All models rejected by backend")
	ErrCancelled            = errors.New("scheduler stopped: waiter cancelled")
	ErrTimeout              = errors.New("timed out waiting for capacity")
)

// ErrUnknownModel and ErrUnknownJobType carry the id in their message, so
// they are constructed rather than package vars.
func ErrUnknownModel(id string) error {
	return fmt.Errorf("Unknown model: %s", id)
}

func ErrUnknownJobType(id string) error {
	return fmt.Errorf("Unknown job type: %s", id)
}
