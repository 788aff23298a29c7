package triggerstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainwatch/pulse/internal/domain/trigger"
)

// Memory is a thread-safe in-memory Store, used by engine/condition tests
// that need a real Store implementation without a database.
type Memory struct {
	mu       sync.RWMutex
	triggers map[string]trigger.Trigger
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{triggers: make(map[string]trigger.Trigger)}
}

func (m *Memory) CreateTrigger(ctx context.Context, t trigger.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.triggers[t.ID]; exists {
		return fmt.Errorf("trigger %s already exists", t.ID)
	}
	m.triggers[t.ID] = cloneTrigger(t)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (trigger.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return trigger.Trigger{}, fmt.Errorf("trigger %s not found", id)
	}
	return cloneTrigger(t), nil
}

func (m *Memory) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %s not found", id)
	}
	t.Enabled = enabled
	m.triggers[id] = t
	return nil
}

func (m *Memory) LoadMatchingTriggers(ctx context.Context, chainID int64, registry string) ([]trigger.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []trigger.Trigger
	for _, t := range m.triggers {
		if t.Enabled && t.ChainID == chainID && t.Registry == registry {
			bare := t
			bare.Conditions = nil
			bare.Actions = nil
			out = append(out, bare)
		}
	}
	return out, nil
}

func (m *Memory) LoadRelations(ctx context.Context, triggerIDs []string) (map[string][]trigger.Condition, map[string][]trigger.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conditionsByTrigger := make(map[string][]trigger.Condition)
	actionsByTrigger := make(map[string][]trigger.Action)
	for _, id := range triggerIDs {
		t, ok := m.triggers[id]
		if !ok {
			continue
		}
		conditionsByTrigger[id] = append([]trigger.Condition(nil), t.Conditions...)
		actionsByTrigger[id] = append([]trigger.Action(nil), t.Actions...)
	}
	return conditionsByTrigger, actionsByTrigger, nil
}

func cloneTrigger(t trigger.Trigger) trigger.Trigger {
	out := t
	out.Conditions = append([]trigger.Condition(nil), t.Conditions...)
	out.Actions = append([]trigger.Action(nil), t.Actions...)
	return out
}

var _ Store = (*Memory)(nil)
