package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"kiroproxy/internal/models"
)

const flowSchema = `
CREATE TABLE IF NOT EXISTS flow_records (
	id             TEXT PRIMARY KEY,
	protocol       TEXT NOT NULL,
	client_model   TEXT NOT NULL,
	upstream_model TEXT NOT NULL,
	account_id     TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	tokens_in      BIGINT NOT NULL DEFAULT 0,
	tokens_out     BIGINT NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT ''
)`

const insertFlowQuery = `
INSERT INTO flow_records (
	id, protocol, client_model, upstream_model, account_id,
	started_at, finished_at, status, tokens_in, tokens_out, error_kind
) VALUES (
	:id, :protocol, :client_model, :upstream_model, :account_id,
	:started_at, :finished_at, :status, :tokens_in, :tokens_out, :error_kind
) ON CONFLICT (id) DO NOTHING`

// FlowRepository stores flow records in Postgres. It is the optional durable
// sink behind the flow queue worker.
type FlowRepository struct {
	conn *sqlx.DB
}

// NewFlowRepository connects to Postgres and ensures the flow_records table
// exists.
func NewFlowRepository(databaseURL string) (*FlowRepository, error) {
	conn, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(flowSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure flow schema: %w", err)
	}

	return &FlowRepository{conn: conn}, nil
}

// Create inserts a single flow record.
func (r *FlowRepository) Create(ctx context.Context, rec *models.FlowRecord) error {
	if _, err := r.conn.NamedExecContext(ctx, insertFlowQuery, rec); err != nil {
		return fmt.Errorf("failed to insert flow record: %w", err)
	}
	return nil
}

// CreateBatch inserts records in one transaction.
func (r *FlowRepository) CreateBatch(ctx context.Context, recs []*models.FlowRecord) error {
	tx, err := r.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := tx.NamedExecContext(ctx, insertFlowQuery, rec); err != nil {
			return fmt.Errorf("failed to insert flow record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the most recent records, newest first.
func (r *FlowRepository) Recent(ctx context.Context, limit int) ([]*models.FlowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*models.FlowRecord
	err := r.conn.SelectContext(ctx, &recs,
		`SELECT * FROM flow_records ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow records: %w", err)
	}
	return recs, nil
}

// Close closes the database connection.
func (r *FlowRepository) Close() error {
	return r.conn.Close()
}
