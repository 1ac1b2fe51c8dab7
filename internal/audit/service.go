// Package audit persists the usage ledger produced by completed and failed
// jobs, and provides the slog fields to report scheduler outcomes alongside it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"ratefleet/internal/domain"
	"ratefleet/internal/storage/postgres"
)

// Service records the usage a scheduled job accumulated, win or lose.
type Service struct {
	store  *postgres.Store
	logger *slog.Logger
}

// NewService creates an audit service backed by store. logger defaults to
// slog.Default() if nil.
func NewService(store *postgres.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Completion describes what a job cost across every model it touched.
type Completion struct {
	JobID     string
	JobType   string
	Outcome   string // "resolved", "rejected", "error"
	TotalCost float64
	Usage     []domain.UsageEntry
}

// Record appends c's usage entries to the ledger and logs the outcome. A
// ledger write failure is logged but never propagated — losing an audit row
// must not fail the job it describes.
func (s *Service) Record(ctx context.Context, c Completion) {
	s.logger.Info("job completed",
		"job_id", c.JobID,
		"job_type", c.JobType,
		"outcome", c.Outcome,
		"total_cost_usd", c.TotalCost,
		"models_attempted", len(c.Usage),
	)

	if s.store == nil || len(c.Usage) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordUsage(writeCtx, c.JobID, c.JobType, c.Usage); err != nil {
		s.logger.Warn("failed to record usage ledger entry", "job_id", c.JobID, "error", err)
	}
}

// UsageByModel reports aggregated ledger totals since the given time, used
// by the metrics/reporting surface rather than the hot path.
func (s *Service) UsageByModel(ctx context.Context, since time.Time) ([]postgres.ModelUsage, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.UsageByModel(ctx, since)
}
