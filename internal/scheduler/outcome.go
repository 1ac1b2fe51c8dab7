package scheduler

import (
	"context"

	"ratefleet/internal/domain"
)

// Kind tags an Outcome as resolved or rejected. The zero value is
// intentionally invalid: a job that returns a zero Outcome by mistake (for
// example an early return before setting Kind) is treated as a contract
// violation (domain.ErrMustResolveOrReject) rather than silently succeeding.
type Kind int

const (
	invalidKind Kind = iota
	Resolved
	Rejected
)

// Outcome replaces the callback-pair ("resolve"/"reject") from the original
// spec with a single tagged return value, per spec §9's suggested redesign:
// "Callbacks → result channels / futures ... Outcome = Resolved(Usage, T) |
// Rejected(Usage, {delegate: bool})". This makes "must call exactly one"
// true by construction for any job that returns without an error.
type Outcome[T any] struct {
	Kind     Kind
	Result   T                 // meaningful when Kind == Resolved
	Usage    domain.UsageEntry // usage attempted on this model, always recorded
	Delegate bool              // meaningful when Kind == Rejected
}

// Resolve builds a successful Outcome.
func Resolve[T any](result T, usage domain.UsageEntry) Outcome[T] {
	return Outcome[T]{Kind: Resolved, Result: result, Usage: usage}
}

// Reject builds a rejected Outcome. delegate=true asks the scheduler to
// continue to the next model in the escalation chain.
func Reject[T any](usage domain.UsageEntry, delegate bool) Outcome[T] {
	return Outcome[T]{Kind: Rejected, Usage: usage, Delegate: delegate}
}

// JobFunc is the user-supplied unit of work. modelID identifies which model
// in the escalation chain is being attempted. A non-nil error represents a
// thrown exception (spec §4.7 step 6); the scheduler attributes whatever
// Usage the Outcome carries and then re-raises.
type JobFunc[T any] func(ctx context.Context, modelID string) (Outcome[T], error)

// CompletionInfo is passed to OnComplete/OnError with the job's running
// totals across every attempted model.
type CompletionInfo struct {
	JobID     string
	TotalCost float64
	Usage     []domain.UsageEntry
}

// QueueJobRequest is the primary submission API's argument (spec §6
// queueJob).
type QueueJobRequest[T any] struct {
	JobID      string
	JobType    string
	Job        JobFunc[T]
	MaxWait    int64 // milliseconds; 0 = single non-blocking attempt
	OnComplete func(result T, info CompletionInfo)
	OnError    func(err error, info CompletionInfo)
}
