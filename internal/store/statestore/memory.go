package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/chainwatch/pulse/internal/domain/state"
)

// Memory is a thread-safe in-memory Store for engine/cache tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]state.TriggerState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]state.TriggerState)}
}

func key(triggerID, conditionID string) string {
	return triggerID + "|" + conditionID
}

func (m *Memory) Get(ctx context.Context, triggerID, conditionID string) (state.TriggerState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.items[key(triggerID, conditionID)]
	return ts, ok, nil
}

func (m *Memory) Put(ctx context.Context, ts state.TriggerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts.UpdatedAt = time.Now()
	m.items[key(ts.TriggerID, ts.ConditionID)] = ts
	return nil
}

func (m *Memory) Delete(ctx context.Context, triggerID, conditionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key(triggerID, conditionID))
	return nil
}

func (m *Memory) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, ts := range m.items {
		if ts.UpdatedAt.Before(cutoff) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*Memory)(nil)
