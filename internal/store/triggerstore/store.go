// Package triggerstore is C2: the durable store of trigger definitions,
// plus the batch loaders that keep one event's evaluation cycle to at most
// three queries regardless of how many triggers match (one when none do).
package triggerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chainwatch/pulse/internal/domain/trigger"
)

// Store is the trigger definition store and its batch-load API.
type Store interface {
	// CreateTrigger persists a new trigger and its conditions/actions.
	CreateTrigger(ctx context.Context, t trigger.Trigger) error
	// Get returns one trigger with its conditions and actions populated.
	Get(ctx context.Context, id string) (trigger.Trigger, error)
	// SetEnabled flips a trigger's enabled flag.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// LoadMatchingTriggers returns every enabled trigger registered for
	// (chainID, registry) without their conditions/actions populated.
	// This is query 1 of the batch-load invariant.
	LoadMatchingTriggers(ctx context.Context, chainID int64, registry string) ([]trigger.Trigger, error)
	// LoadRelations loads conditions and actions for triggerIDs in two
	// queries (query 2 and 3) regardless of how many trigger IDs are
	// passed, and returns them grouped by trigger ID.
	LoadRelations(ctx context.Context, triggerIDs []string) (map[string][]trigger.Condition, map[string][]trigger.Action, error)
}

// PostgresStore implements Store against Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the triggers, trigger_conditions, and
// trigger_actions tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			agent_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			registry TEXT NOT NULL,
			chain_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_triggers_chain_registry_enabled
			ON triggers(chain_id, registry) WHERE enabled = true;
		CREATE INDEX IF NOT EXISTS idx_triggers_agent_id ON triggers(agent_id);

		CREATE TABLE IF NOT EXISTS trigger_conditions (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			field TEXT NOT NULL DEFAULT '',
			operator TEXT NOT NULL DEFAULT '',
			literal TEXT NOT NULL DEFAULT '',
			config JSONB,
			advance_on_mismatch BOOLEAN NOT NULL DEFAULT false,
			sequence INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_trigger_conditions_trigger_id ON trigger_conditions(trigger_id);

		CREATE TABLE IF NOT EXISTS trigger_actions (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			config JSONB,
			sequence INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_trigger_actions_trigger_id ON trigger_actions(trigger_id);
	`)
	return err
}

// CreateTrigger inserts t and its conditions/actions in one transaction.
func (s *PostgresStore) CreateTrigger(ctx context.Context, t trigger.Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (id, agent_id, name, enabled, registry, chain_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.AgentID, t.Name, t.Enabled, t.Registry, t.ChainID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}

	for _, c := range t.Conditions {
		cfg, err := json.Marshal(c.Config)
		if err != nil {
			return fmt.Errorf("marshal condition config: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trigger_conditions (id, trigger_id, kind, field, operator, literal, config, advance_on_mismatch, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, c.ID, t.ID, c.Kind, c.Field, c.Operator, c.Literal, cfg, c.AdvanceOnMismatch, c.Sequence)
		if err != nil {
			return fmt.Errorf("insert condition: %w", err)
		}
	}

	for _, a := range t.Actions {
		cfg, err := json.Marshal(a.Config)
		if err != nil {
			return fmt.Errorf("marshal action config: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trigger_actions (id, trigger_id, kind, priority, config, sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, t.ID, a.Kind, a.Priority, cfg, a.Sequence)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}

	return tx.Commit()
}

// Get loads one trigger plus its conditions and actions.
func (s *PostgresStore) Get(ctx context.Context, id string) (trigger.Trigger, error) {
	var t trigger.Trigger
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, enabled, registry, chain_id, created_at, updated_at
		FROM triggers WHERE id = $1
	`, id).Scan(&t.ID, &t.AgentID, &t.Name, &t.Enabled, &t.Registry, &t.ChainID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return trigger.Trigger{}, fmt.Errorf("get trigger %s: %w", id, err)
	}

	conditionsByTrigger, actionsByTrigger, err := s.LoadRelations(ctx, []string{id})
	if err != nil {
		return trigger.Trigger{}, err
	}
	t.Conditions = conditionsByTrigger[id]
	t.Actions = actionsByTrigger[id]
	return t, nil
}

// SetEnabled flips enabled for trigger id.
func (s *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET enabled = $2, updated_at = now() WHERE id = $1
	`, id, enabled)
	return err
}

// LoadMatchingTriggers returns every enabled trigger for (chainID,
// registry), without conditions/actions populated.
func (s *PostgresStore) LoadMatchingTriggers(ctx context.Context, chainID int64, registry string) ([]trigger.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, enabled, registry, chain_id, created_at, updated_at
		FROM triggers
		WHERE chain_id = $1 AND registry = $2 AND enabled = true
	`, chainID, registry)
	if err != nil {
		return nil, fmt.Errorf("load matching triggers: %w", err)
	}
	defer rows.Close()

	var out []trigger.Trigger
	for rows.Next() {
		var t trigger.Trigger
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Name, &t.Enabled, &t.Registry, &t.ChainID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadRelations loads conditions (query 2) and actions (query 3) for every
// trigger ID given, in a single IN (...) query each, and groups the
// results by trigger ID. Passing zero IDs issues zero queries.
func (s *PostgresStore) LoadRelations(ctx context.Context, triggerIDs []string) (map[string][]trigger.Condition, map[string][]trigger.Action, error) {
	conditionsByTrigger := make(map[string][]trigger.Condition)
	actionsByTrigger := make(map[string][]trigger.Action)
	if len(triggerIDs) == 0 {
		return conditionsByTrigger, actionsByTrigger, nil
	}

	condQuery, condArgs, err := sqlx.In(`
		SELECT id, trigger_id, kind, field, operator, literal, config, advance_on_mismatch, sequence
		FROM trigger_conditions
		WHERE trigger_id IN (?)
		ORDER BY trigger_id, sequence ASC
	`, triggerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("build conditions query: %w", err)
	}
	condRows, err := s.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, condQuery), condArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("load conditions: %w", err)
	}
	defer condRows.Close()

	for condRows.Next() {
		var c trigger.Condition
		var cfg []byte
		if err := condRows.Scan(&c.ID, &c.TriggerID, &c.Kind, &c.Field, &c.Operator, &c.Literal, &cfg, &c.AdvanceOnMismatch, &c.Sequence); err != nil {
			return nil, nil, fmt.Errorf("scan condition: %w", err)
		}
		if len(cfg) > 0 {
			_ = json.Unmarshal(cfg, &c.Config)
		}
		conditionsByTrigger[c.TriggerID] = append(conditionsByTrigger[c.TriggerID], c)
	}
	if err := condRows.Err(); err != nil {
		return nil, nil, err
	}

	actQuery, actArgs, err := sqlx.In(`
		SELECT id, trigger_id, kind, priority, config, sequence
		FROM trigger_actions
		WHERE trigger_id IN (?)
		ORDER BY trigger_id, priority DESC, id ASC
	`, triggerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("build actions query: %w", err)
	}
	actRows, err := s.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, actQuery), actArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("load actions: %w", err)
	}
	defer actRows.Close()

	for actRows.Next() {
		var a trigger.Action
		var cfg []byte
		if err := actRows.Scan(&a.ID, &a.TriggerID, &a.Kind, &a.Priority, &cfg, &a.Sequence); err != nil {
			return nil, nil, fmt.Errorf("scan action: %w", err)
		}
		if len(cfg) > 0 {
			_ = json.Unmarshal(cfg, &a.Config)
		}
		actionsByTrigger[a.TriggerID] = append(actionsByTrigger[a.TriggerID], a)
	}
	return conditionsByTrigger, actionsByTrigger, actRows.Err()
}

var _ Store = (*PostgresStore)(nil)
