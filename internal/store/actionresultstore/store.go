// Package actionresultstore is the append-only audit trail C8 writes one
// row to per delivery attempt: every Delivered, exhausted-retry, and
// permanent-failure outcome, plus every intermediate retrying attempt.
package actionresultstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainwatch/pulse/internal/domain/action"
)

// Store is the append-only ActionResult log.
type Store interface {
	// Append writes one immutable result row. A blank r.ID is assigned a
	// fresh uuid.
	Append(ctx context.Context, r action.Result) error
	// ListByJob returns every result recorded for jobID, oldest first — the
	// audit trail for one job across all of its attempts.
	ListByJob(ctx context.Context, jobID string) ([]action.Result, error)
}

// PostgresStore implements Store against Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the action_results table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS action_results (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_action_results_job_id ON action_results(job_id);
		CREATE INDEX IF NOT EXISTS idx_action_results_trigger_id ON action_results(trigger_id);
	`)
	return err
}

// Append writes r, assigning a fresh ID if blank.
func (s *PostgresStore) Append(ctx context.Context, r action.Result) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results (id, job_id, trigger_id, event_id, kind, status, executed_at, duration_ms, error, response, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.JobID, r.TriggerID, r.EventID, r.Kind, string(r.Status), r.ExecutedAt, r.Duration.Milliseconds(), r.Error, r.Response, r.RetryCount)
	if err != nil {
		return fmt.Errorf("append action result: %w", err)
	}
	return nil
}

// ListByJob returns jobID's results, oldest first.
func (s *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]action.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, trigger_id, event_id, kind, status, executed_at, duration_ms, error, response, retry_count
		FROM action_results
		WHERE job_id = $1
		ORDER BY executed_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list action results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []action.Result
	for rows.Next() {
		var r action.Result
		var status string
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.JobID, &r.TriggerID, &r.EventID, &r.Kind, &status, &r.ExecutedAt, &durationMS, &r.Error, &r.Response, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("scan action result: %w", err)
		}
		r.Status = action.Status(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
