package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/store/eventstore"
	"github.com/chainwatch/pulse/pkg/logger"
)

type fakeStore struct {
	events      []eventstore.SequencedEvent
	checkpoints map[string]int64
}

func (f *fakeStore) LoadAfter(ctx context.Context, after int64, limit int) ([]eventstore.SequencedEvent, error) {
	var out []eventstore.SequencedEvent
	for _, se := range f.events {
		if se.Seq > after {
			out = append(out, se)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LoadCheckpoint(ctx context.Context, component string) (int64, error) {
	return f.checkpoints[component], nil
}

func (f *fakeStore) SaveCheckpoint(ctx context.Context, component string, cursor int64) error {
	f.checkpoints[component] = cursor
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, e event.Event) (int64, error) {
	seq := int64(len(f.events) + 1)
	f.events = append(f.events, eventstore.SequencedEvent{Seq: seq, Event: e})
	return seq, nil
}

type fakeSink struct {
	handled []eventstore.SequencedEvent
}

func (f *fakeSink) HandleEvent(ctx context.Context, se eventstore.SequencedEvent) error {
	f.handled = append(f.handled, se)
	return nil
}

func newTestEvent(seq int64) eventstore.SequencedEvent {
	return eventstore.SequencedEvent{
		Seq: seq,
		Event: event.Event{
			ID:         "evt",
			Registry:   event.RegistryReputation,
			ObservedAt: time.Now(),
		},
	}
}

func TestSweepDeliversInOrderAndAdvancesCursor(t *testing.T) {
	store := &fakeStore{checkpoints: map[string]int64{}}
	store.events = []eventstore.SequencedEvent{newTestEvent(1), newTestEvent(2), newTestEvent(3)}
	sink := &fakeSink{}

	n := New("", store, sink, logger.NewDefault(), Config{CatchupBatchSize: 2})
	n.cursor = 0

	if err := n.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(sink.handled) != 3 {
		t.Fatalf("expected 3 events delivered, got %d", len(sink.handled))
	}
	for i, se := range sink.handled {
		if se.Seq != int64(i+1) {
			t.Fatalf("expected in-order delivery, got seq %d at index %d", se.Seq, i)
		}
	}
	if store.checkpoints[Component] != 3 {
		t.Fatalf("expected checkpoint 3, got %d", store.checkpoints[Component])
	}
	if n.cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", n.cursor)
	}
}

func TestSweepIsNoOpWhenNothingNew(t *testing.T) {
	store := &fakeStore{checkpoints: map[string]int64{Component: 5}}
	sink := &fakeSink{}

	n := New("", store, sink, logger.NewDefault(), Config{})
	n.cursor = 5

	if err := n.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(sink.handled) != 0 {
		t.Fatalf("expected no events delivered, got %d", len(sink.handled))
	}
}

func TestSweepResumesFromPersistedCursorAcrossRestarts(t *testing.T) {
	store := &fakeStore{checkpoints: map[string]int64{}}
	store.events = []eventstore.SequencedEvent{newTestEvent(1), newTestEvent(2)}
	sink := &fakeSink{}

	first := New("", store, sink, logger.NewDefault(), Config{})
	cursor, err := store.LoadCheckpoint(context.Background(), Component)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	first.cursor = cursor
	if err := first.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	store.events = append(store.events, newTestEvent(3))
	sink.handled = nil

	second := New("", store, sink, logger.NewDefault(), Config{})
	cursor, err = store.LoadCheckpoint(context.Background(), Component)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	second.cursor = cursor
	if err := second.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(sink.handled) != 1 || sink.handled[0].Seq != 3 {
		t.Fatalf("expected only seq 3 delivered on resume, got %+v", sink.handled)
	}
}
