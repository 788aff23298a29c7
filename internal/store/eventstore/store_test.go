package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/chainwatch/pulse/internal/domain/event"
)

func TestLoadAfterScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"seq", "id", "chain_id", "block_number", "block_hash", "transaction_hash", "log_index",
		"registry", "event_type", "agent_id", "actor", "score", "tag1", "tag2", "uri", "content_hash",
		"observed_at", "data",
	}).AddRow(
		int64(1), "evt-1", int64(8453), uint64(100), "0xblock", "0xtx", 2,
		"reputation", "score_updated", int64(42), "0xactor", 87.5, "tag-a", "", "", "",
		now, []byte(`{"k":"v"}`),
	)

	mock.ExpectQuery("SELECT seq, id, chain_id").WillReturnRows(rows)

	store := NewPostgresStore(db)
	got, err := store.LoadAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("LoadAfter: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Seq != 1 || got[0].Event.ID != "evt-1" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
	if got[0].Event.AgentID == nil || *got[0].Event.AgentID != 42 {
		t.Fatalf("expected agent id 42, got %+v", got[0].Event.AgentID)
	}
	if got[0].Event.Data["k"] != "v" {
		t.Fatalf("expected data field k=v, got %+v", got[0].Event.Data)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadCheckpointReturnsZeroWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT cursor_seq FROM notifier_checkpoints").
		WithArgs("engine").
		WillReturnRows(sqlmock.NewRows([]string{"cursor_seq"}))

	store := NewPostgresStore(db)
	cursor, err := store.LoadCheckpoint(context.Background(), "engine")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("expected cursor 0, got %d", cursor)
	}
}

func TestSaveCheckpointUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO notifier_checkpoints").
		WithArgs("engine", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	if err := store.SaveCheckpoint(context.Background(), "engine", 42); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertReturnsAssignedSeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO events").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))

	store := NewPostgresStore(db)
	seq, err := store.Insert(context.Background(), event.Event{
		ID:              "evt-7",
		ChainID:         1,
		TransactionHash: "0xabc",
		Registry:        event.RegistryReputation,
		ObservedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if seq != 7 {
		t.Fatalf("expected seq 7, got %d", seq)
	}
}
