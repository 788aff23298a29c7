// Package statestore is C3: the authoritative, durable store of per-trigger
// evaluator state. It is the source of truth C4 caches in front of.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chainwatch/pulse/internal/domain/state"
)

// Store is the authoritative TriggerState store.
type Store interface {
	Get(ctx context.Context, triggerID, conditionID string) (state.TriggerState, bool, error)
	Put(ctx context.Context, s state.TriggerState) error
	// Delete removes the state row for (triggerID, conditionID), if any.
	// Called when the owning trigger (or condition) is deleted.
	Delete(ctx context.Context, triggerID, conditionID string) error
	// DeleteOlderThan removes state rows last updated before cutoff, for
	// triggers that have gone stale or been deleted; returns the count
	// removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore implements Store against Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the trigger_state table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trigger_state (
			trigger_id TEXT NOT NULL,
			condition_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 1,
			blob JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (trigger_id, condition_id)
		);
		CREATE INDEX IF NOT EXISTS idx_trigger_state_updated_at ON trigger_state(updated_at);
	`)
	return err
}

// Get returns the state for (triggerID, conditionID), or ok=false if none
// has ever been written.
func (s *PostgresStore) Get(ctx context.Context, triggerID, conditionID string) (state.TriggerState, bool, error) {
	var ts state.TriggerState
	ts.TriggerID = triggerID
	ts.ConditionID = conditionID

	err := s.db.QueryRowContext(ctx, `
		SELECT schema_version, blob, updated_at
		FROM trigger_state
		WHERE trigger_id = $1 AND condition_id = $2
	`, triggerID, conditionID).Scan(&ts.Version, &ts.Blob, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return state.TriggerState{}, false, nil
	}
	if err != nil {
		return state.TriggerState{}, false, fmt.Errorf("get trigger state: %w", err)
	}
	return ts, true, nil
}

// Put upserts s. Writers must serialize per trigger themselves; the store
// does not provide optimistic concurrency control.
func (s *PostgresStore) Put(ctx context.Context, ts state.TriggerState) error {
	version := ts.Version
	if version == 0 {
		version = state.SchemaVersion
	}
	blob := ts.Blob
	if blob == nil {
		blob = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_state (trigger_id, condition_id, schema_version, blob, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (trigger_id, condition_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			blob = EXCLUDED.blob,
			updated_at = now()
	`, ts.TriggerID, ts.ConditionID, version, blob)
	if err != nil {
		return fmt.Errorf("put trigger state: %w", err)
	}
	return nil
}

// Delete removes the state row for (triggerID, conditionID), if any.
func (s *PostgresStore) Delete(ctx context.Context, triggerID, conditionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM trigger_state WHERE trigger_id = $1 AND condition_id = $2
	`, triggerID, conditionID)
	if err != nil {
		return fmt.Errorf("delete trigger state: %w", err)
	}
	return nil
}

// DeleteOlderThan removes rows not updated since cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale trigger state: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*PostgresStore)(nil)
