package scheduler

import (
	"context"
	"errors"
	"testing"

	"ratefleet/internal/domain"
)

func testModels() []domain.ModelConfig {
	return []domain.ModelConfig{
		{ID: "small", MaxConcurrentRequests: 1, Pricing: domain.Pricing{Input: 1, Output: 2}},
		{ID: "large", MaxConcurrentRequests: 1, Pricing: domain.Pricing{Input: 3, Output: 4}},
	}
}

func mustScheduler(t *testing.T) *Scheduler[string] {
	t.Helper()
	s, err := New[string](Config{
		Label:           "test",
		Models:          testModels(),
		EscalationOrder: []string{"small", "large"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestQueueJobResolvesOnFirstModel(t *testing.T) {
	s := mustScheduler(t)

	result, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-1",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			if modelID != "small" {
				t.Fatalf("expected first attempt on 'small', got %q", modelID)
			}
			return Resolve("ok", domain.UsageEntry{InputTokens: 100, OutputTokens: 50}), nil
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected result %q, got %q", "ok", result)
	}
}

func TestQueueJobEscalatesOnRejectWithDelegate(t *testing.T) {
	s := mustScheduler(t)

	var attempted []string
	result, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-2",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			attempted = append(attempted, modelID)
			if modelID == "small" {
				return Reject[string](domain.UsageEntry{}, true), nil
			}
			return Resolve("from-large", domain.UsageEntry{InputTokens: 10}), nil
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if result != "from-large" {
		t.Fatalf("expected escalation result, got %q", result)
	}
	if len(attempted) != 2 || attempted[0] != "small" || attempted[1] != "large" {
		t.Fatalf("expected escalation small -> large, got %v", attempted)
	}
}

func TestQueueJobRejectWithoutDelegateStops(t *testing.T) {
	s := mustScheduler(t)

	calls := 0
	_, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-3",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			calls++
			return Reject[string](domain.UsageEntry{}, false), nil
		},
	})
	if !errors.Is(err, domain.ErrRejectedNoDelegation) {
		t.Fatalf("expected ErrRejectedNoDelegation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt (no delegation), got %d calls", calls)
	}
}

func TestQueueJobPropagatesThrownError(t *testing.T) {
	s := mustScheduler(t)
	boom := errors.New("boom")

	var onErrorCalled bool
	_, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-4",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			return Outcome[string]{}, boom
		},
		OnError: func(err error, info CompletionInfo) {
			onErrorCalled = true
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected thrown error to propagate, got %v", err)
	}
	if !onErrorCalled {
		t.Fatal("expected OnError to be invoked")
	}
}

func TestQueueJobAllModelsRejectedWithDelegate(t *testing.T) {
	s := mustScheduler(t)

	_, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-5",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			return Reject[string](domain.UsageEntry{}, true), nil
		},
	})
	if !errors.Is(err, domain.ErrAllModelsRejected) {
		t.Fatalf("expected ErrAllModelsRejected, got %v", err)
	}
}

func TestQueueJobAccumulatesCostAcrossEscalation(t *testing.T) {
	s := mustScheduler(t)

	var info CompletionInfo
	_, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-6",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			if modelID == "small" {
				return Reject[string](domain.UsageEntry{InputTokens: 1_000_000}, true), nil
			}
			return Resolve("done", domain.UsageEntry{OutputTokens: 1_000_000}), nil
		},
		OnComplete: func(result string, ci CompletionInfo) {
			info = ci
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	// small charges 1M input tokens @ price 1 = 1.0; large charges 1M output
	// tokens @ price 4 = 4.0. Total = 5.0.
	if info.TotalCost != 5.0 {
		t.Fatalf("expected accumulated cost 5.0 across both attempts, got %v", info.TotalCost)
	}
	if len(info.Usage) != 2 {
		t.Fatalf("expected usage entries for both attempted models, got %d", len(info.Usage))
	}
}

func TestQueueJobForModelBypassesEscalation(t *testing.T) {
	s := mustScheduler(t)

	result, err := s.QueueJobForModel(context.Background(), "large", "job-7", domain.ResourceEstimate{Requests: 1},
		0, func(ctx context.Context, modelID string) (Outcome[string], error) {
			return Resolve("direct", domain.UsageEntry{}), nil
		})
	if err != nil {
		t.Fatalf("QueueJobForModel: %v", err)
	}
	if result != "direct" {
		t.Fatalf("expected 'direct', got %q", result)
	}
}

func TestQueueJobForModelUnknownModel(t *testing.T) {
	s := mustScheduler(t)

	_, err := s.QueueJobForModel(context.Background(), "nonexistent", "job-8", domain.ResourceEstimate{}, 0,
		func(ctx context.Context, modelID string) (Outcome[string], error) {
			return Resolve("unreachable", domain.UsageEntry{}), nil
		})
	var unknown error = domain.ErrUnknownModel("nonexistent")
	if err == nil || err.Error() != unknown.Error() {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestHasCapacityBeforeAnyJob(t *testing.T) {
	s := mustScheduler(t)
	if !s.HasCapacity() {
		t.Fatal("expected capacity before any job runs")
	}
}

func TestGetStatsReportsConfiguredModels(t *testing.T) {
	s := mustScheduler(t)
	snap := s.GetStats()
	if len(snap.Models) != 2 {
		t.Fatalf("expected stats for 2 models, got %d", len(snap.Models))
	}
	if _, ok := snap.Models["small"]; !ok {
		t.Fatal("expected 'small' model stats present")
	}
}

func TestStopCancelsStartedState(t *testing.T) {
	s := mustScheduler(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, err := s.QueueJob(context.Background(), QueueJobRequest[string]{
		JobID: "job-9",
		Job: func(ctx context.Context, modelID string) (Outcome[string], error) {
			return Resolve("should-not-run", domain.UsageEntry{}), nil
		},
	})
	if err == nil {
		t.Fatal("expected QueueJob to fail after Stop")
	}
}
