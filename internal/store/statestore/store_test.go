package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/chainwatch/pulse/internal/domain/state"
)

func TestGetReturnsNotFoundWithoutError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT schema_version, blob, updated_at").
		WithArgs("t1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"schema_version", "blob", "updated_at"}))

	store := NewPostgresStore(db)
	_, ok, err := store.Get(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing state")
	}
}

func TestPutUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO trigger_state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	blob, _ := state.Encode(state.EMAState{EMA: 86.25, Count: 4})
	err = store.Put(context.Background(), state.TriggerState{
		TriggerID:   "t1",
		ConditionID: "c1",
		Blob:        blob,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "t1", "c1")
	if err != nil || ok {
		t.Fatalf("expected absent state, ok=%v err=%v", ok, err)
	}

	blob, _ := state.Encode(state.CounterState{Count: 3})
	if err := m.Put(ctx, state.TriggerState{TriggerID: "t1", ConditionID: "c1", Blob: blob}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := m.Get(ctx, "t1", "c1")
	if err != nil || !ok {
		t.Fatalf("expected state present, ok=%v err=%v", ok, err)
	}
	decoded, err := state.DecodeCounter(got.Blob)
	if err != nil {
		t.Fatalf("DecodeCounter: %v", err)
	}
	if decoded.Count != 3 {
		t.Fatalf("expected count 3, got %d", decoded.Count)
	}
}

func TestMemoryDeleteOlderThan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, state.TriggerState{TriggerID: "t1", ConditionID: "c1"})
	m.items["t1|c1"] = state.TriggerState{TriggerID: "t1", ConditionID: "c1", UpdatedAt: time.Now().Add(-48 * time.Hour)}

	n, err := m.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
}
