// Package eventstore is the durable, append-only event log C1 reads from:
// Postgres is the system of record, LISTEN/NOTIFY is only a best-effort
// wake-up signal layered on top of it.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chainwatch/pulse/internal/domain/event"
)

// Store is the durable event log plus its notifier checkpoint.
type Store interface {
	// LoadAfter returns up to limit events with seq strictly greater than
	// after, ordered by seq ascending. It is the catch-up sweep's only
	// query shape.
	LoadAfter(ctx context.Context, after int64, limit int) ([]SequencedEvent, error)
	// LoadCheckpoint returns the last committed cursor for component, or
	// 0 if none has ever been saved.
	LoadCheckpoint(ctx context.Context, component string) (int64, error)
	// SaveCheckpoint persists the new cursor for component. Callers must
	// only advance it; the store does not enforce monotonicity itself.
	SaveCheckpoint(ctx context.Context, component string, cursor int64) error
	// Insert appends one event and returns its assigned seq. Used by the
	// upstream indexer (out of scope) and by tests.
	Insert(ctx context.Context, e event.Event) (int64, error)
}

// SequencedEvent pairs an Event with the monotonically increasing sequence
// number the notifier uses as its resume cursor. The event's own ID is a
// content hash and is not ordered; Seq is what LISTEN/NOTIFY and catch-up
// both key off.
type SequencedEvent struct {
	Seq   int64
	Event event.Event
}

// PostgresStore implements Store against a Postgres events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the events and notifier_checkpoints tables if they
// don't already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			chain_id BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			block_hash TEXT NOT NULL,
			transaction_hash TEXT NOT NULL,
			log_index INTEGER NOT NULL,
			registry TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent_id BIGINT,
			actor TEXT,
			score DOUBLE PRECISION,
			tag1 TEXT,
			tag2 TEXT,
			uri TEXT,
			content_hash TEXT,
			observed_at TIMESTAMPTZ NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_events_chain_registry ON events(chain_id, registry);
		CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id) WHERE agent_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS notifier_checkpoints (
			component TEXT PRIMARY KEY,
			cursor_seq BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

// LoadAfter returns events with seq > after, oldest first.
func (s *PostgresStore) LoadAfter(ctx context.Context, after int64, limit int) ([]SequencedEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, chain_id, block_number, block_hash, transaction_hash, log_index,
			registry, event_type, agent_id, actor, score, tag1, tag2, uri, content_hash,
			observed_at, data
		FROM events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", after, err)
	}
	defer rows.Close()

	var out []SequencedEvent
	for rows.Next() {
		se, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (SequencedEvent, error) {
	var se SequencedEvent
	var blockHash, actor, tag1, tag2, uri, contentHash sql.NullString
	var agentID sql.NullInt64
	var score sql.NullFloat64
	var data []byte

	err := row.Scan(
		&se.Seq, &se.Event.ID, &se.Event.ChainID, &se.Event.BlockNumber, &blockHash,
		&se.Event.TransactionHash, &se.Event.LogIndex, &se.Event.Registry, &se.Event.EventType,
		&agentID, &actor, &score, &tag1, &tag2, &uri, &contentHash,
		&se.Event.ObservedAt, &data,
	)
	if err != nil {
		return se, fmt.Errorf("scan event: %w", err)
	}

	se.Event.BlockHash = blockHash.String
	se.Event.Actor = actor.String
	se.Event.Tag1 = tag1.String
	se.Event.Tag2 = tag2.String
	se.Event.URI = uri.String
	se.Event.ContentHash = contentHash.String
	if agentID.Valid {
		id := agentID.Int64
		se.Event.AgentID = &id
	}
	if score.Valid {
		v := score.Float64
		se.Event.Score = &v
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &se.Event.Data)
	}
	return se, nil
}

// LoadCheckpoint returns the saved cursor for component, or 0 if absent.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context, component string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor_seq FROM notifier_checkpoints WHERE component = $1
	`, component).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for %s: %w", component, err)
	}
	return cursor, nil
}

// SaveCheckpoint upserts the cursor for component.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, component string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifier_checkpoints (component, cursor_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (component) DO UPDATE SET cursor_seq = EXCLUDED.cursor_seq, updated_at = now()
	`, component, cursor)
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", component, err)
	}
	return nil
}

// Insert appends e and returns its assigned seq.
func (s *PostgresStore) Insert(ctx context.Context, e event.Event) (int64, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (
			id, chain_id, block_number, block_hash, transaction_hash, log_index,
			registry, event_type, agent_id, actor, score, tag1, tag2, uri, content_hash,
			observed_at, data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING seq
	`,
		e.ID, e.ChainID, e.BlockNumber, e.BlockHash, e.TransactionHash, e.LogIndex,
		e.Registry, e.EventType, e.AgentID, e.Actor, e.Score, e.Tag1, e.Tag2, e.URI, e.ContentHash,
		e.ObservedAt, data,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return seq, nil
}

var _ Store = (*PostgresStore)(nil)
