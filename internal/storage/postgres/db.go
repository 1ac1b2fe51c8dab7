// Package postgres provides the PostgreSQL-backed usage ledger for ratefleet.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"ratefleet/internal/config"
)

// DB wraps a sql.DB with the connection-pool settings from config.
type DB struct {
	*sql.DB
	config *config.DatabaseConfig
}

// NewDB opens and pings a PostgreSQL connection using dsn.
func NewDB(cfg *config.DatabaseConfig, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, config: cfg}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// GetDB returns the underlying *sql.DB for direct use.
func (db *DB) GetDB() *sql.DB {
	return db.DB
}

// Config returns the database configuration.
func (db *DB) Config() *config.DatabaseConfig {
	return db.config
}

// schema is applied via CREATE TABLE IF NOT EXISTS on every InitDB call, so
// there is no separate migrations runner.
const schema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	id            BIGSERIAL PRIMARY KEY,
	job_id        VARCHAR(255) NOT NULL,
	job_type      VARCHAR(255) NOT NULL,
	model_id      VARCHAR(255) NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	cached_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	request_count INT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS usage_ledger_job_id_idx ON usage_ledger (job_id);
CREATE INDEX IF NOT EXISTS usage_ledger_model_id_idx ON usage_ledger (model_id, recorded_at);
`

// InitDB connects to the database and ensures the ledger schema exists.
func InitDB(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := NewDB(cfg, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	return db, nil
}
