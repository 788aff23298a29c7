// Package queue is C7: a Redis-backed queue of action jobs, one list per
// action kind, with a processing sorted-set for visibility timeouts and a
// dead-letter list per kind for jobs that exhaust retries or fail
// permanently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

// Config controls key prefixing, job lifetime, and claim visibility.
type Config struct {
	KeyPrefix         string
	JobTTL            time.Duration
	VisibilityTimeout time.Duration
}

// Job is one enqueued action dispatch: a trigger's action, carried through
// delivery and retry together with a full snapshot of the event that
// matched so a worker never needs to look the event back up to render its
// template.
type Job struct {
	ID          string             `json:"id"`
	TriggerID   string             `json:"trigger_id"`
	ActionID    string             `json:"action_id"`
	Kind        trigger.ActionKind `json:"kind"`
	Config      map[string]string  `json:"config"`
	Event       event.Event        `json:"event"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
}

// Expired reports whether the job has outlived its TTL measured from
// EnqueuedAt.
func (j Job) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(j.EnqueuedAt) > ttl
}

// Queue is the Redis-backed action queue. One Queue instance serves every
// action kind; kinds are namespaced by key suffix, not separate instances.
type Queue struct {
	client *redis.Client
	cfg    Config
}

// New builds a Queue. Defaults: KeyPrefix "pulse:queue:", JobTTL 1h,
// VisibilityTimeout 30s.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulse:queue:"
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Queue{client: client, cfg: cfg}
}

func (q *Queue) listKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sjobs:%s", q.cfg.KeyPrefix, kind)
}

func (q *Queue) processingKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sprocessing:%s", q.cfg.KeyPrefix, kind)
}

func (q *Queue) dlqKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sdlq:%s", q.cfg.KeyPrefix, kind)
}

func (q *Queue) processingPayloadKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sprocessing-payload:%s", q.cfg.KeyPrefix, kind)
}

// Enqueue pushes job onto its kind's list. A blank job.ID is assigned a
// fresh uuid so redelivery and ack/dlq calls have a stable handle.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.listKey(job.Kind), raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	metrics.QueueDepth.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// EnqueueDelayed schedules job to become visible after delay by writing it
// into kind's delayed set (payload kept in the delayed-payload hash) with a
// future deadline instead of the live list; PromoteDue moves it back once
// the deadline has passed. Used for rate-limited re-enqueue and backoff
// retries; a delayed job is never in the processing set, so it never counts
// as "in flight" against VisibilityTimeout.
func (q *Queue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed job: %w", err)
	}
	deadline := time.Now().Add(delay)
	if err := q.client.HSet(ctx, q.delayedPayloadKey(job.Kind), job.ID, raw).Err(); err != nil {
		return fmt.Errorf("queue: stash delayed payload: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.delayedKey(job.Kind), redis.Z{Score: float64(deadline.Unix()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("queue: schedule delayed job: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

func (q *Queue) delayedKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sdelayed:%s", q.cfg.KeyPrefix, kind)
}

func (q *Queue) delayedPayloadKey(kind trigger.ActionKind) string {
	return fmt.Sprintf("%sdelayed-payload:%s", q.cfg.KeyPrefix, kind)
}

// PromoteDue moves every delayed job whose deadline has passed back onto
// the live list for kind. Workers call this once per claim loop iteration.
func (q *Queue) PromoteDue(ctx context.Context, kind trigger.ActionKind) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan delayed: %w", err)
	}
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.delayedPayloadKey(kind), id).Result()
		if err == redis.Nil {
			q.client.ZRem(ctx, q.delayedKey(kind), id)
			continue
		}
		if err != nil {
			return fmt.Errorf("queue: load delayed payload: %w", err)
		}
		if err := q.client.RPush(ctx, q.listKey(kind), raw).Err(); err != nil {
			return fmt.Errorf("queue: promote delayed job: %w", err)
		}
		q.client.ZRem(ctx, q.delayedKey(kind), id)
		q.client.HDel(ctx, q.delayedPayloadKey(kind), id)
	}
	return nil
}

// Claim blocks up to timeout for the next job of kind, marking it as
// processing with a deadline VisibilityTimeout in the future so a worker
// crash during delivery makes the job reclaimable rather than lost.
func (q *Queue) Claim(ctx context.Context, kind trigger.ActionKind, timeout time.Duration) (*Job, error) {
	res, err := q.client.BLPop(ctx, timeout, q.listKey(kind)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal claimed job: %w", err)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal claimed job: %w", err)
	}
	if err := q.client.HSet(ctx, q.processingPayloadKey(kind), job.ID, raw).Err(); err != nil {
		return nil, fmt.Errorf("queue: stash processing payload: %w", err)
	}
	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	if err := q.client.ZAdd(ctx, q.processingKey(kind), redis.Z{Score: float64(deadline.Unix()), Member: job.ID}).Err(); err != nil {
		return nil, fmt.Errorf("queue: mark processing: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(string(kind)).Dec()
	return &job, nil
}

// Ack removes job from the processing set after a successful delivery.
func (q *Queue) Ack(ctx context.Context, kind trigger.ActionKind, jobID string) error {
	if err := q.client.ZRem(ctx, q.processingKey(kind), jobID).Err(); err != nil {
		return err
	}
	return q.client.HDel(ctx, q.processingPayloadKey(kind), jobID).Err()
}

// Requeue pushes job back onto the live list (or the delayed set, if delay
// > 0) and removes it from processing. Used after a TransientFailure that
// still has attempts remaining.
func (q *Queue) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	if err := q.client.ZRem(ctx, q.processingKey(job.Kind), job.ID).Err(); err != nil {
		return fmt.Errorf("queue: clear processing on requeue: %w", err)
	}
	if err := q.client.HDel(ctx, q.processingPayloadKey(job.Kind), job.ID).Err(); err != nil {
		return fmt.Errorf("queue: clear processing payload on requeue: %w", err)
	}
	if delay > 0 {
		return q.EnqueueDelayed(ctx, job, delay)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal requeued job: %w", err)
	}
	if err := q.client.LPush(ctx, q.listKey(job.Kind), raw).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// DeadLetter removes job from processing and appends it, with reason, to
// its kind's dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, job Job, reason string) error {
	if err := q.client.ZRem(ctx, q.processingKey(job.Kind), job.ID).Err(); err != nil {
		return fmt.Errorf("queue: clear processing on dlq: %w", err)
	}
	if err := q.client.HDel(ctx, q.processingPayloadKey(job.Kind), job.ID).Err(); err != nil {
		return fmt.Errorf("queue: clear processing payload on dlq: %w", err)
	}
	entry := struct {
		Job    Job    `json:"job"`
		Reason string `json:"reason"`
		At     int64  `json:"at"`
	}{Job: job, Reason: reason, At: time.Now().Unix()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal dlq entry: %w", err)
	}
	if err := q.client.RPush(ctx, q.dlqKey(job.Kind), raw).Err(); err != nil {
		return fmt.Errorf("queue: dlq: %w", err)
	}
	metrics.JobsDLQd.WithLabelValues(string(job.Kind), reason).Inc()
	return nil
}

// Reclaim scans kind's processing set for jobs whose visibility deadline has
// passed without an Ack, restores their payload, and pushes them back onto
// the live list for another consumer to claim — the at-least-once
// reappearance a crashed or hung worker relies on. The reclaimed jobs are
// returned to the caller for logging; the crash itself does not count
// against job.Attempts, since the job never reached an outcome branch.
func (q *Queue) Reclaim(ctx context.Context, kind trigger.ActionKind) ([]Job, error) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan processing: %w", err)
	}

	var reclaimed []Job
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.processingPayloadKey(kind), id).Result()
		if err == redis.Nil {
			// No payload on record: the claim was made before this field
			// existed, or it was already cleaned up. Drop the bare entry so
			// it doesn't spin forever.
			q.client.ZRem(ctx, q.processingKey(kind), id)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("queue: load processing payload: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return reclaimed, fmt.Errorf("queue: unmarshal processing payload: %w", err)
		}

		if err := q.client.RPush(ctx, q.listKey(kind), raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("queue: reclaim job onto live list: %w", err)
		}
		q.client.ZRem(ctx, q.processingKey(kind), id)
		q.client.HDel(ctx, q.processingPayloadKey(kind), id)
		metrics.QueueDepth.WithLabelValues(string(kind)).Inc()
		reclaimed = append(reclaimed, job)
	}
	return reclaimed, nil
}

// Depth returns the number of jobs currently waiting on kind's live list.
func (q *Queue) Depth(ctx context.Context, kind trigger.ActionKind) (int64, error) {
	return q.client.LLen(ctx, q.listKey(kind)).Result()
}

// PeekDLQ returns up to limit raw dead-letter entries for kind, most
// recently added last, for the read-only admin surface.
func (q *Queue) PeekDLQ(ctx context.Context, kind trigger.ActionKind, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.client.LRange(ctx, q.dlqKey(kind), -limit, -1).Result()
}
