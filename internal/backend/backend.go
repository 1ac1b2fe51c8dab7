// Package backend defines the interface decoupling the local multi-model
// scheduler from whatever maintains the global budget (spec §4.9), plus a
// trivial "local" implementation for single-process mode.
package backend

import (
	"context"

	"ratefleet/internal/domain"
)

// AcquireRequest is what the scheduler asks a Backend to reserve before
// running a job attempt on one model.
type AcquireRequest struct {
	InstanceID string
	ModelID    string
	JobID      string
	Estimated  domain.ResourceEstimate
}

// ReleaseRequest reports what was actually used so the backend can refund
// the difference between the estimate and the actual.
type ReleaseRequest struct {
	InstanceID string
	ModelID    string
	JobID      string
	Estimated  domain.ResourceEstimate
	Actual     domain.ResourceEstimate
}

// ChangeReason is why a Backend pushed a new Allocation to a subscriber.
type ChangeReason string

const (
	ReasonRegister   ChangeReason = "register"
	ReasonUnregister ChangeReason = "unregister"
	ReasonRebalance  ChangeReason = "rebalance"
	ReasonHeartbeat  ChangeReason = "heartbeat-cleanup"
)

// OnChange is invoked whenever this instance's allocation changes.
type OnChange func(alloc domain.Allocation, reason ChangeReason, modelID string)

// Backend is the contract the scheduler depends on instead of a concrete
// coordinator implementation (spec §4.9). It holds no reference back to the
// scheduler; notifications flow one way, through Subscribe.
type Backend interface {
	Register(ctx context.Context, instanceID string) (domain.Allocation, error)
	Unregister(ctx context.Context, instanceID string) error
	Acquire(ctx context.Context, req AcquireRequest) (bool, error)
	Release(ctx context.Context, req ReleaseRequest) error
	// Subscribe registers onChange and returns an unsubscribe func.
	Subscribe(onChange OnChange) (unsubscribe func())
}

// Local is the trivial backend used in single-process mode: it returns a
// fixed allocation and always admits, per spec §4.9.
type Local struct {
	alloc domain.Allocation
}

// NewLocal builds a Local backend that always reports alloc and always
// admits acquire calls.
func NewLocal(alloc domain.Allocation) *Local {
	return &Local{alloc: alloc}
}

func (l *Local) Register(ctx context.Context, instanceID string) (domain.Allocation, error) {
	return l.alloc, nil
}

func (l *Local) Unregister(ctx context.Context, instanceID string) error { return nil }

func (l *Local) Acquire(ctx context.Context, req AcquireRequest) (bool, error) { return true, nil }

func (l *Local) Release(ctx context.Context, req ReleaseRequest) error { return nil }

func (l *Local) Subscribe(onChange OnChange) (unsubscribe func()) {
	return func() {}
}
