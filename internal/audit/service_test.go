package audit

import (
	"context"
	"log/slog"
	"testing"

	"ratefleet/internal/domain"
)

func TestRecordWithNilStoreDoesNotPanic(t *testing.T) {
	svc := NewService(nil, slog.Default())
	svc.Record(context.Background(), Completion{
		JobID:     "job-1",
		JobType:   "batch",
		Outcome:   "resolved",
		TotalCost: 1.23,
		Usage: []domain.UsageEntry{
			{ModelID: "small", InputTokens: 100, Cost: 1.23},
		},
	})
}

func TestRecordWithNoUsageSkipsStore(t *testing.T) {
	svc := NewService(nil, nil)
	svc.Record(context.Background(), Completion{JobID: "job-2", Outcome: "rejected"})
}
