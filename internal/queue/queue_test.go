package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chainwatch/pulse/internal/domain/trigger"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Config{VisibilityTimeout: time.Minute})
}

func TestEnqueueClaimAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{Kind: trigger.ActionHTTPWebhook, TriggerID: "t1", ActionID: "a1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a claimed job")
	}
	if job.TriggerID != "t1" {
		t.Fatalf("expected trigger t1, got %s", job.TriggerID)
	}

	if err := q.Ack(ctx, trigger.ActionHTTPWebhook, job.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	jobs, err := q.Reclaim(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs left in processing after ack, got %v", jobs)
	}
}

func TestClaimReturnsNilOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Claim(context.Background(), trigger.ActionPushNotification, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestRequeueWithoutDelayReturnsToLiveList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{Kind: trigger.ActionAgentCallback, ID: "job-1"})
	job, err := q.Claim(ctx, trigger.ActionAgentCallback, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Claim: job=%v err=%v", job, err)
	}

	if err := q.Requeue(ctx, *job, 0); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	depth, err := q.Depth(ctx, trigger.ActionAgentCallback)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 after immediate requeue, got %d", depth)
	}
}

func TestRequeueWithDelayDoesNotAppearOnLiveListUntilPromoted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{Kind: trigger.ActionHTTPWebhook, ID: "job-2"})
	job, _ := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)

	if err := q.Requeue(ctx, *job, time.Hour); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	depth, _ := q.Depth(ctx, trigger.ActionHTTPWebhook)
	if depth != 0 {
		t.Fatalf("expected delayed job to not appear on the live list yet, depth=%d", depth)
	}

	if err := q.PromoteDue(ctx, trigger.ActionHTTPWebhook); err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	depth, _ = q.Depth(ctx, trigger.ActionHTTPWebhook)
	if depth != 0 {
		t.Fatalf("expected delayed job to still be withheld before its deadline, depth=%d", depth)
	}
}

func TestDeadLetterRemovesFromProcessing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{Kind: trigger.ActionPushNotification, ID: "job-3"})
	job, _ := q.Claim(ctx, trigger.ActionPushNotification, time.Second)

	if err := q.DeadLetter(ctx, *job, "max_retries"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	jobs, err := q.Reclaim(ctx, trigger.ActionPushNotification)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job removed from processing after DLQ, got %v", jobs)
	}
}

func TestReclaimRestoresExpiredClaimToLiveList(t *testing.T) {
	q := newTestQueue(t)
	q.cfg.VisibilityTimeout = 10 * time.Millisecond
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{Kind: trigger.ActionHTTPWebhook, ID: "job-4", TriggerID: "t4"})
	claimed, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("Claim: job=%v err=%v", claimed, err)
	}

	time.Sleep(20 * time.Millisecond)

	jobs, err := q.Reclaim(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-4" {
		t.Fatalf("expected job-4 to be reclaimed, got %v", jobs)
	}

	depth, err := q.Depth(ctx, trigger.ActionHTTPWebhook)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected reclaimed job back on the live list, depth=%d", depth)
	}

	recovered, err := q.Claim(ctx, trigger.ActionHTTPWebhook, time.Second)
	if err != nil || recovered == nil {
		t.Fatalf("Claim after reclaim: job=%v err=%v", recovered, err)
	}
	if recovered.TriggerID != "t4" {
		t.Fatalf("expected reclaimed job payload intact, got trigger_id=%s", recovered.TriggerID)
	}
}
