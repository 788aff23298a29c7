package actionresultstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chainwatch/pulse/internal/domain/action"
)

// Memory is a thread-safe in-memory Store for worker tests.
type Memory struct {
	mu      sync.Mutex
	results []action.Result
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, r action.Result) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *Memory) ListByJob(ctx context.Context, jobID string) ([]action.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []action.Result
	for _, r := range m.results {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every result ever appended, in append order — a test-only
// convenience for scenarios that assert on the whole audit trail rather
// than one job's slice of it.
func (m *Memory) All() []action.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]action.Result, len(m.results))
	copy(out, m.results)
	return out
}

var _ Store = (*Memory)(nil)
