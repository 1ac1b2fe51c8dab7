package postgres

import (
	"context"
	"fmt"
	"time"

	"ratefleet/internal/config"
	"ratefleet/internal/domain"
)

// Store is the usage ledger: every model attempt a job makes, win or lose,
// is appended as a row so cost and throughput can be reconstructed after
// the fact without replaying scheduler state.
type Store struct {
	config *config.DatabaseConfig
	db     *DB
}

// NewStore opens the database and ensures the ledger schema exists.
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	db, err := InitDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{config: cfg, db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the database connection for direct access.
func (s *Store) DB() *DB {
	return s.db
}

// RecordUsage appends one ledger row per UsageEntry accumulated for jobID,
// within a single transaction so a job's attempts land atomically.
func (s *Store) RecordUsage(ctx context.Context, jobID, jobType string, entries []domain.UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_ledger
			(job_id, job_type, model_id, input_tokens, cached_tokens, output_tokens, request_count, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare usage ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, jobID, jobType, e.ModelID,
			e.InputTokens, e.CachedTokens, e.OutputTokens, e.RequestCount, e.Cost); err != nil {
			return fmt.Errorf("insert usage ledger row: %w", err)
		}
	}

	return tx.Commit()
}

// ModelUsage is the aggregated ledger total for one model over a window.
type ModelUsage struct {
	ModelID      string
	Requests     int
	InputTokens  int64
	CachedTokens int64
	OutputTokens int64
	CostUSD      float64
}

// UsageByModel aggregates ledger rows recorded in [since, now) grouped by model.
func (s *Store) UsageByModel(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id,
		       COALESCE(SUM(request_count), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(cached_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM usage_ledger
		WHERE recorded_at >= $1
		GROUP BY model_id
		ORDER BY model_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.ModelID, &m.Requests, &m.InputTokens, &m.CachedTokens, &m.OutputTokens, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// JobUsage returns every ledger row recorded for jobID, in insertion order.
func (s *Store) JobUsage(ctx context.Context, jobID string) ([]domain.UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, input_tokens, cached_tokens, output_tokens, request_count, cost_usd
		FROM usage_ledger
		WHERE job_id = $1
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job usage: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageEntry
	for rows.Next() {
		var e domain.UsageEntry
		if err := rows.Scan(&e.ModelID, &e.InputTokens, &e.CachedTokens, &e.OutputTokens, &e.RequestCount, &e.Cost); err != nil {
			return nil, fmt.Errorf("scan job usage: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
