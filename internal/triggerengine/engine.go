// Package triggerengine is C6: the orchestrator that drives one event
// through LOAD_TRIGGERS -> LOAD_RELATIONS -> EVALUATE -> enqueue -> commit
// cursor. It is the only component that calls both the trigger store and
// the condition evaluators, and the only place the batch-load invariant (at
// most one query for matching triggers, two for relations, regardless of
// match count) is enforced end to end.
package triggerengine

import (
	"context"
	"time"

	"github.com/chainwatch/pulse/internal/cache/statecache"
	"github.com/chainwatch/pulse/internal/conditions"
	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/state"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/store/eventstore"
	"github.com/chainwatch/pulse/internal/store/triggerstore"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

// ActionEnqueuer is the C7 boundary: the engine hands it a rendered job
// descriptor per matched trigger action, in priority order.
type ActionEnqueuer interface {
	EnqueueAction(ctx context.Context, j ActionJob) error
}

// ActionJob is everything a queue consumer needs to render and deliver one
// action, without needing to look the trigger back up.
type ActionJob struct {
	TriggerID string
	ActionID  string
	Kind      trigger.ActionKind
	Config    map[string]string
	Event     event.Event
}

// Engine is the C6 trigger engine. It implements ingest.Sink, so a
// notifier can hand it events directly.
type Engine struct {
	triggers triggerstore.Store
	cache    *statecache.Cache
	queue    ActionEnqueuer
	log      *logger.Logger
}

// New builds an Engine.
func New(triggers triggerstore.Store, cache *statecache.Cache, queue ActionEnqueuer, log *logger.Logger) *Engine {
	return &Engine{triggers: triggers, cache: cache, queue: queue, log: log}
}

// HandleEvent implements ingest.Sink: RECEIVED -> LOAD_TRIGGERS ->
// LOAD_RELATIONS -> EVALUATE. A failure anywhere in this path is transient
// by construction — the notifier only advances its checkpoint after
// HandleEvent returns nil, so a returned error causes the same event to be
// retried on the next sweep.
func (e *Engine) HandleEvent(ctx context.Context, se eventstore.SequencedEvent) error {
	ev := se.Event

	queries := 1
	matching, err := e.triggers.LoadMatchingTriggers(ctx, ev.ChainID, string(ev.Registry))
	if err != nil {
		return err
	}
	if len(matching) == 0 {
		metrics.EngineQueryCount.Observe(float64(queries))
		return nil
	}

	ids := make([]string, len(matching))
	for i, t := range matching {
		ids[i] = t.ID
	}

	conditionsByTrigger, actionsByTrigger, err := e.triggers.LoadRelations(ctx, ids)
	if err != nil {
		return err
	}
	queries += 2
	metrics.EngineQueryCount.Observe(float64(queries))

	for _, t := range matching {
		if err := e.evaluateTrigger(ctx, t, conditionsByTrigger[t.ID], actionsByTrigger[t.ID], ev); err != nil {
			return err
		}
	}
	return nil
}

// evaluateTrigger runs one trigger's conjunctive condition set against ev,
// then enqueues its actions in priority order if every condition matched.
// Non-stateful conditions are evaluated first; once one fails, remaining
// stateful conditions are only advanced if their own AdvanceOnMismatch flag
// is set, per trigger.Condition's contract.
func (e *Engine) evaluateTrigger(ctx context.Context, t trigger.Trigger, conds []trigger.Condition, actions []trigger.Action, ev event.Event) error {
	allMatched := true
	sawMismatch := false

	for _, cond := range orderConditions(conds) {
		if sawMismatch && cond.Kind.Stateful() && !cond.AdvanceOnMismatch {
			allMatched = false
			continue
		}

		var prior state.TriggerState
		hasPrior := false
		if cond.Kind.Stateful() {
			var err error
			prior, hasPrior, err = e.cache.Get(ctx, t.ID, cond.ID)
			if err != nil {
				return err
			}
		}

		res, err := conditions.Evaluate(ev, cond, prior, hasPrior)
		if err != nil {
			e.log.WithField("trigger_id", t.ID).WithField("condition_id", cond.ID).WithError(err).Warn("condition evaluation failed, skipping event for this trigger")
			allMatched = false
			sawMismatch = true
			continue
		}

		metrics.TriggersEvaluated.WithLabelValues(string(cond.Kind), boolLabel(res.Matched)).Inc()

		if res.NextState != nil {
			if err := e.cache.Put(ctx, *res.NextState); err != nil {
				// State write failure must not let downstream actions fire
				// for this trigger on this event; surface as transient so
				// the whole event is retried.
				return err
			}
		}

		if !res.Matched {
			allMatched = false
			sawMismatch = true
		}
	}

	if !allMatched {
		return nil
	}

	metrics.TriggersMatched.WithLabelValues(string(ev.Registry)).Inc()

	for _, a := range actions {
		job := ActionJob{TriggerID: t.ID, ActionID: a.ID, Kind: a.Kind, Config: a.Config, Event: ev}
		if err := e.queue.EnqueueAction(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// orderConditions stably partitions conds into all non-stateful conditions
// (in their stored order) followed by all stateful ones (in their stored
// order), so a non-stateful mismatch is always known before any stateful
// evaluator runs and has a chance to advance its state.
func orderConditions(conds []trigger.Condition) []trigger.Condition {
	ordered := make([]trigger.Condition, 0, len(conds))
	for _, c := range conds {
		if !c.Kind.Stateful() {
			ordered = append(ordered, c)
		}
	}
	for _, c := range conds {
		if c.Kind.Stateful() {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// StalenessBound is the notifier's periodic staleness-bounding sweep
// interval, independent of LISTEN/NOTIFY. The notifier's run loop
// hard-codes the same 90 s tick; nothing reads this constant.
const StalenessBound = 90 * time.Second
