// Package workers is C8: the per-action-kind delivery loop described in
// the worker state machine (claim -> check expired -> render -> rate limit
// check -> deliver -> ack/requeue/dlq).
package workers

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/chainwatch/pulse/internal/domain/action"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/errkind"
	"github.com/chainwatch/pulse/internal/lifecycle"
	"github.com/chainwatch/pulse/internal/queue"
	"github.com/chainwatch/pulse/internal/ratelimit"
	"github.com/chainwatch/pulse/internal/store/actionresultstore"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

var _ lifecycle.Component = (*Worker)(nil)

// Config controls retry policy, job lifetime, and the per-recipient rate
// limit window.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	JobTTL       time.Duration
	ClaimTimeout time.Duration

	// PerRecipientLimit and PerRecipientWindow describe the sliding
	// window applied per job.TriggerID, expressed over the same
	// minute-bucketed window the limiter always uses (§4.9): a 1/sec
	// cap is PerRecipientLimit == PerRecipientWindow.Seconds().
	PerRecipientLimit  int64
	PerRecipientWindow time.Duration
}

// Worker runs one action kind's claim loop until Stop is called. Multiple
// Workers for the same kind may run concurrently; Redis's BLPop plus the
// processing-set visibility timeout make concurrent claims safe.
type Worker struct {
	lifecycle.Base

	kind     trigger.ActionKind
	q        *queue.Queue
	registry *Registry
	limiter  *ratelimit.Limiter
	results  actionresultstore.Store
	log      *logger.Logger
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Worker for kind.
func New(kind trigger.ActionKind, q *queue.Queue, registry *Registry, limiter *ratelimit.Limiter, results actionresultstore.Store, log *logger.Logger, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if cfg.PerRecipientWindow <= 0 {
		cfg.PerRecipientWindow = time.Hour
	}
	if cfg.PerRecipientLimit <= 0 {
		cfg.PerRecipientLimit = int64(cfg.PerRecipientWindow / time.Second)
	}
	return &Worker{kind: kind, q: q, registry: registry, limiter: limiter, results: results, log: log, cfg: cfg}
}

// Start begins the claim loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx)
	w.MarkReady()
	return nil
}

// Stop signals the claim loop to finish its in-flight job and exit; no new
// claims are issued once shutdown begins.
func (w *Worker) Stop() error {
	w.MarkNotReady()
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.q.PromoteDue(ctx, w.kind); err != nil {
			w.log.WithField("kind", w.kind).WithError(err).Warn("promote due jobs failed")
		}

		if reclaimed, err := w.q.Reclaim(ctx, w.kind); err != nil {
			w.log.WithField("kind", w.kind).WithError(err).Warn("reclaim expired claims failed")
		} else if len(reclaimed) > 0 {
			w.log.WithField("kind", w.kind).WithField("count", len(reclaimed)).Warn("reclaimed jobs left by a crashed or hung worker")
		}

		job, err := w.q.Claim(ctx, w.kind, w.cfg.ClaimTimeout)
		if err != nil {
			ek := errkind.Classify(err)
			w.log.WithField("kind", w.kind).WithField("err_kind", ek).WithError(err).Error("claim failed")
			if errkind.Retryable(ek) {
				// Redis is down or the claim timed out; avoid busy-looping
				// against it until it recovers.
				time.Sleep(time.Second)
			}
			continue
		}
		if job == nil {
			continue
		}

		// Stop cancels ctx; the claimed job still runs to completion.
		w.process(context.WithoutCancel(ctx), *job)
	}
}

// process runs one claimed job through CHECK_EXPIRED -> RENDER (delegated
// into Delivery, which renders its own payload shape) -> RATE_LIMIT_CHECK
// -> DELIVER -> ack/requeue/dlq.
func (w *Worker) process(ctx context.Context, job queue.Job) {
	now := time.Now()

	if job.Expired(w.cfg.JobTTL, now) {
		if err := w.q.DeadLetter(ctx, job, "expired"); err != nil {
			w.log.WithField("job_id", job.ID).WithError(err).Error("failed to dead-letter expired job")
		}
		metrics.WorkerDeliveries.WithLabelValues(string(job.Kind), "expired").Inc()
		return
	}

	if w.limiter != nil {
		key := "agent:" + job.TriggerID
		windowSeconds := int64(w.cfg.PerRecipientWindow / time.Second)
		decision, err := w.limiter.CheckAndConsume(ctx, key, w.cfg.PerRecipientLimit, windowSeconds, 1, now.Unix())
		if err == nil && !decision.Allowed {
			// Rate limited: re-enqueue with a short delay. This does not
			// count as a delivery attempt.
			if err := w.q.Requeue(ctx, job, time.Second); err != nil {
				w.log.WithField("job_id", job.ID).WithError(err).Error("failed to requeue rate-limited job")
			}
			metrics.LimiterDecisions.WithLabelValues("worker", "denied").Inc()
			return
		}
	}

	start := time.Now()
	outcome, deliverErr := w.registry.Deliver(ctx, job.Kind, job.Config, job.Event)
	duration := time.Since(start)
	metrics.WorkerDeliveryDuration.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())

	switch outcome {
	case Delivered:
		if err := w.q.Ack(ctx, job.Kind, job.ID); err != nil {
			w.log.WithField("job_id", job.ID).WithError(err).Error("ack failed")
		}
		metrics.WorkerDeliveries.WithLabelValues(string(job.Kind), "delivered").Inc()
		w.recordResult(ctx, job, action.StatusSuccess, duration, nil)

	case TransientFailure:
		job.Attempts++
		if job.Attempts < w.cfg.MaxAttempts {
			delay := backoff(job.Attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
			if err := w.q.Requeue(ctx, job, delay); err != nil {
				w.log.WithField("job_id", job.ID).WithError(err).Error("requeue after transient failure failed")
			}
			metrics.WorkerDeliveries.WithLabelValues(string(job.Kind), "retrying").Inc()
			w.recordResult(ctx, job, action.StatusRetrying, duration, deliverErr)
		} else {
			if err := w.q.DeadLetter(ctx, job, "max_retries"); err != nil {
				w.log.WithField("job_id", job.ID).WithError(err).Error("dead-letter after max retries failed")
			}
			metrics.WorkerDeliveries.WithLabelValues(string(job.Kind), "max_retries").Inc()
			w.recordResult(ctx, job, action.StatusFailed, duration, deliverErr)
		}
		if deliverErr != nil {
			w.log.WithField("job_id", job.ID).WithField("kind", job.Kind).WithError(deliverErr).Warn("transient delivery failure")
		}

	case PermanentFailure:
		if err := w.q.DeadLetter(ctx, job, "permanent"); err != nil {
			w.log.WithField("job_id", job.ID).WithError(err).Error("dead-letter after permanent failure failed")
		}
		metrics.WorkerDeliveries.WithLabelValues(string(job.Kind), "permanent").Inc()
		w.recordResult(ctx, job, action.StatusFailed, duration, deliverErr)
		if deliverErr != nil {
			w.log.WithField("job_id", job.ID).WithField("kind", job.Kind).WithError(deliverErr).Warn("permanent delivery failure")
		}
	}
}

// recordResult appends one ActionResult audit row for a completed delivery
// attempt. A write failure here is logged, not propagated — the delivery
// outcome (ack/requeue/dlq) has already been committed to the queue and
// must not be rolled back because the audit trail couldn't be written.
func (w *Worker) recordResult(ctx context.Context, job queue.Job, status action.Status, duration time.Duration, deliverErr error) {
	if w.results == nil {
		return
	}
	errMsg := ""
	if deliverErr != nil {
		errMsg = sanitizeError(deliverErr.Error())
	}
	r := action.Result{
		JobID:      job.ID,
		TriggerID:  job.TriggerID,
		EventID:    job.Event.ID,
		Kind:       string(job.Kind),
		Status:     status,
		ExecutedAt: time.Now(),
		Duration:   duration,
		Error:      errMsg,
		RetryCount: job.Attempts,
	}
	if err := w.results.Append(ctx, r); err != nil {
		w.log.WithField("job_id", job.ID).WithError(err).Error("append action result failed")
	}
}

// sanitizeError strips newlines (which would break the audit log's one
// row per attempt shape) and caps length so a verbose delivery error
// (a full HTTP response body, say) doesn't bloat the audit trail.
func sanitizeError(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// backoff computes base * 2^(attempt-1), caps it at max, then adds
// +-20% jitter, so a capped delay can reach 1.2 * max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
