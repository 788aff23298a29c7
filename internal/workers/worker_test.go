package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chainwatch/pulse/internal/domain/action"
	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/queue"
	"github.com/chainwatch/pulse/internal/ratelimit"
	"github.com/chainwatch/pulse/internal/store/actionresultstore"
	"github.com/chainwatch/pulse/pkg/logger"
)

type fixedDelivery struct {
	outcome Outcome
	err     error
	calls   int
}

func (f *fixedDelivery) Deliver(ctx context.Context, cfg map[string]string, ev event.Event) (Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

func newTestWorker(t *testing.T, delivery Delivery, cfg Config) (*Worker, *queue.Queue, *actionresultstore.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := queue.New(client, queue.Config{VisibilityTimeout: time.Minute})
	registry := NewRegistry(delivery, delivery, delivery)
	limiter := ratelimit.New(client, logger.NewDefault(), ratelimit.Config{FailOpen: false})
	results := actionresultstore.NewMemory()
	w := New(trigger.ActionHTTPWebhook, q, registry, limiter, results, logger.NewDefault(), cfg)
	return w, q, results
}

func TestProcessAcksOnDelivered(t *testing.T) {
	delivery := &fixedDelivery{outcome: Delivered}
	w, q, results := newTestWorker(t, delivery, Config{})
	ctx := context.Background()

	job := queue.Job{ID: "j1", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	w.process(ctx, *claimed)

	if delivery.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", delivery.calls)
	}
	depth, err := q.Depth(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected empty live queue after ack, depth=%d", depth)
	}

	rows := results.All()
	if len(rows) != 1 || rows[0].Status != action.StatusSuccess {
		t.Fatalf("expected one success ActionResult, got %+v", rows)
	}
}

func TestProcessRequeuesOnTransientFailureUnderMaxAttempts(t *testing.T) {
	delivery := &fixedDelivery{outcome: TransientFailure, err: errors.New("timeout")}
	w, q, results := newTestWorker(t, delivery, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	job := queue.Job{ID: "j2", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now(), Attempts: 0}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	w.process(ctx, *claimed)

	// Requeue with delay lands in the delayed set, not the live list.
	depth, err := q.Depth(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected the retried job to be delayed, not live; depth=%d", depth)
	}

	rows := results.All()
	if len(rows) != 1 || rows[0].Status != action.StatusRetrying {
		t.Fatalf("expected one retrying ActionResult, got %+v", rows)
	}
}

func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	delivery := &fixedDelivery{outcome: TransientFailure, err: errors.New("timeout")}
	w, q, results := newTestWorker(t, delivery, Config{MaxAttempts: 1, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	job := queue.Job{ID: "j3", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now(), Attempts: 0}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	w.process(ctx, *claimed)

	if delivery.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", delivery.calls)
	}

	rows := results.All()
	if len(rows) != 1 || rows[0].Status != action.StatusFailed {
		t.Fatalf("expected one failed ActionResult after max retries, got %+v", rows)
	}
}

func TestProcessDeadLettersOnPermanentFailure(t *testing.T) {
	delivery := &fixedDelivery{outcome: PermanentFailure, err: errors.New("bad request")}
	w, q, results := newTestWorker(t, delivery, Config{})
	ctx := context.Background()

	job := queue.Job{ID: "j4", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	w.process(ctx, *claimed)

	depth, err := q.Depth(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected permanent failure to leave nothing on the live list, depth=%d", depth)
	}

	rows := results.All()
	if len(rows) != 1 || rows[0].Status != action.StatusFailed {
		t.Fatalf("expected one failed ActionResult on permanent failure, got %+v", rows)
	}
}

func TestProcessDeadLettersExpiredJobWithoutDelivering(t *testing.T) {
	delivery := &fixedDelivery{outcome: Delivered}
	w, q, results := newTestWorker(t, delivery, Config{JobTTL: time.Millisecond})
	ctx := context.Background()

	job := queue.Job{ID: "j5", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now().Add(-time.Hour)}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	w.process(ctx, *claimed)

	if delivery.calls != 0 {
		t.Fatalf("expected no delivery attempt for an expired job, got %d", delivery.calls)
	}
	// An expired job never reaches a delivery attempt, so no ActionResult
	// is recorded for it.
	if len(results.All()) != 0 {
		t.Fatalf("expected no ActionResult for an expired job, got %+v", results.All())
	}
}

// TestProcessRecordsThreeActionResultsAcrossRetriesToExhaustion mirrors the
// spec's three-attempt exhaustion scenario: two transient failures that
// retry, then a third that exhausts max attempts and dead-letters — three
// ActionResult rows total, the last one status=failed.
func TestProcessRecordsThreeActionResultsAcrossRetriesToExhaustion(t *testing.T) {
	delivery := &fixedDelivery{outcome: TransientFailure, err: errors.New("timeout")}
	w, q, results := newTestWorker(t, delivery, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	job := queue.Job{ID: "j6", TriggerID: "t1", Kind: trigger.ActionHTTPWebhook, EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if i > 0 {
			// Each retry lands in the delayed set with a short backoff;
			// give it time to become due, then promote it onto the live
			// list the claim loop actually reads from.
			time.Sleep(10 * time.Millisecond)
			if err := q.PromoteDue(ctx, trigger.ActionHTTPWebhook); err != nil {
				t.Fatalf("promote due: %v", err)
			}
		}
		claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
		if err != nil || claimed == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, claimed, err)
		}
		w.process(ctx, *claimed)
	}

	rows := results.All()
	if len(rows) != 3 {
		t.Fatalf("expected three ActionResult rows, got %d: %+v", len(rows), rows)
	}
	if rows[2].Status != action.StatusFailed {
		t.Fatalf("expected the final attempt to record status=failed, got %s", rows[2].Status)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 30 * time.Millisecond
	for attempt := 1; attempt <= 5; attempt++ {
		d := backoff(attempt, base, max)
		if d < 0 {
			t.Fatalf("attempt %d: backoff went negative: %v", attempt, d)
		}
		upperBound := max + max/5 + time.Millisecond
		if d > upperBound {
			t.Fatalf("attempt %d: backoff %v exceeds capped bound %v", attempt, d, upperBound)
		}
		want := base << uint(attempt-1)
		if want > max {
			want = max
		}
		if d < want-want/5 || d > want+want/5 {
			t.Fatalf("attempt %d: backoff %v is not within 20%% of %v", attempt, d, want)
		}
	}
}
