// Package conditions implements C5: the closed family of condition
// evaluators the engine dispatches on by kind. Pure evaluators decide from
// the event and static config alone; stateful evaluators also carry
// TriggerState across events for the same (trigger, condition) pair.
package conditions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/state"
	"github.com/chainwatch/pulse/internal/domain/trigger"
)

// Result is the outcome of one condition evaluation.
type Result struct {
	// Matched reports whether the condition matched this event.
	Matched bool
	// NextState is the state to persist for stateful conditions; nil for
	// pure conditions. Whether a stateful evaluator is invoked at all for a
	// mismatched preceding condition is the engine's call, governed by
	// cond.AdvanceOnMismatch — once invoked, a stateful evaluator returns a
	// next state, except ema_threshold on an event with no valid score.
	NextState *state.TriggerState
}

// Evaluator is the signature every condition kind implements:
// (event, condition config, prior state) -> (matched, next state).
type Evaluator func(e event.Event, cond trigger.Condition, prior state.TriggerState, hasPrior bool) (Result, error)

// registry is the closed dispatch table. Adding a kind means adding an
// entry here and to trigger.ConditionKind, not a config string the engine
// can't interpret.
var registry = map[trigger.ConditionKind]Evaluator{
	trigger.ConditionAgentIDEquals:    evalAgentIDEquals,
	trigger.ConditionScoreThreshold:   evalScoreThreshold,
	trigger.ConditionTagEquals:        evalTagEquals,
	trigger.ConditionEventTypeEquals:  evalEventTypeEquals,
	trigger.ConditionEMAThreshold:     evalEMAThreshold,
	trigger.ConditionRateLimit:        evalRateLimit,
	trigger.ConditionCounterThreshold: evalCounterThreshold,
}

// Evaluate dispatches to the evaluator for cond.Kind. An unknown kind is an
// invalid-input condition, which the engine should have rejected at
// trigger-creation time; Evaluate returns an error for it, and the engine
// logs that error and counts the condition as a mismatch rather than
// aborting the whole evaluation cycle.
func Evaluate(e event.Event, cond trigger.Condition, prior state.TriggerState, hasPrior bool) (Result, error) {
	fn, ok := registry[cond.Kind]
	if !ok {
		return Result{}, fmt.Errorf("conditions: unknown kind %q", cond.Kind)
	}
	return fn(e, cond, prior, hasPrior)
}

// compareOperator evaluates a numeric comparison for the closed operator
// set (=, !=, <, <=, >, >=). "=" is accepted as a synonym for "==", the
// spec's canonical spelling. Boundary semantics: "<" and ">" exclude the
// boundary value itself, "<=" and ">=" include it.
func compareOperator(op string, lhs, rhs float64) (bool, error) {
	switch op {
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	case "=", "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	default:
		return false, fmt.Errorf("conditions: unknown operator %q", op)
	}
}

// evalAgentIDEquals matches when the event's agent ID equals the
// condition's literal (parsed as int64), or — when cond.Operator is "in" —
// is a member of the comma-separated literal set. An event with no agent ID
// never matches.
func evalAgentIDEquals(e event.Event, cond trigger.Condition, _ state.TriggerState, _ bool) (Result, error) {
	if e.AgentID == nil {
		return Result{Matched: false}, nil
	}

	if cond.Operator == "in" {
		for _, raw := range strings.Split(cond.Literal, ",") {
			want, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return Result{}, fmt.Errorf("agent_id_equals: invalid literal %q: %w", cond.Literal, err)
			}
			if *e.AgentID == want {
				return Result{Matched: true}, nil
			}
		}
		return Result{Matched: false}, nil
	}

	want, err := strconv.ParseInt(cond.Literal, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("agent_id_equals: invalid literal %q: %w", cond.Literal, err)
	}
	return Result{Matched: *e.AgentID == want}, nil
}

// evalScoreThreshold matches when the event's score compares against the
// condition's literal using cond.Operator. A non-finite or absent score
// never matches (see event.ClampScore).
func evalScoreThreshold(e event.Event, cond trigger.Condition, _ state.TriggerState, _ bool) (Result, error) {
	if e.Score == nil {
		return Result{Matched: false}, nil
	}
	score, ok := event.ClampScore(*e.Score)
	if !ok {
		return Result{Matched: false}, nil
	}
	threshold, err := strconv.ParseFloat(cond.Literal, 64)
	if err != nil {
		return Result{}, fmt.Errorf("score_threshold: invalid literal %q: %w", cond.Literal, err)
	}
	matched, err := compareOperator(cond.Operator, score, threshold)
	if err != nil {
		return Result{}, err
	}
	return Result{Matched: matched}, nil
}

// evalTagEquals matches when event.tag1 or event.tag2 equals the
// condition's literal exactly.
func evalTagEquals(e event.Event, cond trigger.Condition, _ state.TriggerState, _ bool) (Result, error) {
	return Result{Matched: e.Tag1 == cond.Literal || e.Tag2 == cond.Literal}, nil
}

// evalEventTypeEquals matches when the event's type equals the condition's
// literal exactly.
func evalEventTypeEquals(e event.Event, cond trigger.Condition, _ state.TriggerState, _ bool) (Result, error) {
	return Result{Matched: e.EventType == cond.Literal}, nil
}

// configInt reads an integer from cond.Config, falling back to def if the
// key is absent. It does not check the sign; callers that need a positive
// value check it themselves.
func configInt(cond trigger.Condition, key string, def int64) (int64, error) {
	raw, ok := cond.Config[key]
	if !ok || raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// evalEMAThreshold maintains an exponential moving average over
// event.Score with smoothing factor alpha = 2/(N+1), matching when the EMA
// compares against cond.Literal via cond.Operator. A non-finite or absent
// score skips the event entirely: the evaluator neither advances state nor
// matches, since there is nothing valid to fold into the average.
func evalEMAThreshold(e event.Event, cond trigger.Condition, prior state.TriggerState, hasPrior bool) (Result, error) {
	if e.Score == nil {
		return Result{Matched: false}, nil
	}
	score, ok := event.ClampScore(*e.Score)
	if !ok {
		return Result{Matched: false}, nil
	}

	n, err := configInt(cond, "n", 14)
	if err != nil || n <= 0 {
		return Result{}, fmt.Errorf("ema_threshold: invalid window %q", cond.Config["n"])
	}
	threshold, err := strconv.ParseFloat(cond.Literal, 64)
	if err != nil {
		return Result{}, fmt.Errorf("ema_threshold: invalid literal %q: %w", cond.Literal, err)
	}

	prev := state.EMAState{}
	if hasPrior {
		prev, err = state.DecodeEMA(prior.Blob)
		if err != nil {
			return Result{}, fmt.Errorf("ema_threshold: decode prior state: %w", err)
		}
	}

	alpha := 2.0 / (float64(n) + 1.0)
	var ema float64
	if prev.Count == 0 {
		ema = score
	} else {
		ema = alpha*score + (1-alpha)*prev.EMA
	}
	next := state.EMAState{EMA: ema, Count: prev.Count + 1}

	matched, err := compareOperator(cond.Operator, ema, threshold)
	if err != nil {
		return Result{}, err
	}

	blob, err := state.Encode(next)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Matched:   matched,
		NextState: &state.TriggerState{TriggerID: cond.TriggerID, ConditionID: cond.ID, Version: state.SchemaVersion, Blob: blob},
	}, nil
}

// evalRateLimit matches while fewer than M observations fall within the
// trailing W-second window, appending the current event's timestamp only
// when it does. Retained timestamps are capped at M entries: once full, the
// oldest falls off the front as the window slides, so they never grow
// unbounded regardless of event volume.
func evalRateLimit(e event.Event, cond trigger.Condition, prior state.TriggerState, hasPrior bool) (Result, error) {
	window, err := configInt(cond, "window_seconds", 3600)
	if err != nil || window <= 0 {
		return Result{}, fmt.Errorf("rate_limit: invalid window_seconds %q", cond.Config["window_seconds"])
	}
	maxCount, err := configInt(cond, "max", 1)
	if err != nil || maxCount <= 0 {
		return Result{}, fmt.Errorf("rate_limit: invalid max %q", cond.Config["max"])
	}

	prev := state.RateLimitState{}
	if hasPrior {
		prev, err = state.DecodeRateLimit(prior.Blob)
		if err != nil {
			return Result{}, fmt.Errorf("rate_limit: decode prior state: %w", err)
		}
	}

	now := e.ObservedAt.Unix()
	cutoff := now - window
	kept := prev.Timestamps[:0:0]
	for _, ts := range prev.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	matched := int64(len(kept)) < maxCount
	if matched {
		kept = append(kept, now)
	}
	if int64(len(kept)) > maxCount {
		kept = kept[int64(len(kept))-maxCount:]
	}

	blob, err := state.Encode(state.RateLimitState{Timestamps: kept})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Matched:   matched,
		NextState: &state.TriggerState{TriggerID: cond.TriggerID, ConditionID: cond.ID, Version: state.SchemaVersion, Blob: blob},
	}, nil
}

// evalCounterThreshold increments an integer counter by cond.Config's
// "increment" (default 1) on every invocation, then compares the updated
// counter against cond.Literal via cond.Operator.
func evalCounterThreshold(e event.Event, cond trigger.Condition, prior state.TriggerState, hasPrior bool) (Result, error) {
	increment, err := configInt(cond, "increment", 1)
	if err != nil {
		return Result{}, fmt.Errorf("counter_threshold: invalid increment %q", cond.Config["increment"])
	}
	threshold, err := strconv.ParseInt(cond.Literal, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("counter_threshold: invalid literal %q: %w", cond.Literal, err)
	}

	prev := state.CounterState{}
	if hasPrior {
		prev, err = state.DecodeCounter(prior.Blob)
		if err != nil {
			return Result{}, fmt.Errorf("counter_threshold: decode prior state: %w", err)
		}
	}

	next := state.CounterState{Count: prev.Count + increment}
	matched, err := compareOperator(cond.Operator, float64(next.Count), float64(threshold))
	if err != nil {
		return Result{}, err
	}

	blob, err := state.Encode(next)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Matched:   matched,
		NextState: &state.TriggerState{TriggerID: cond.TriggerID, ConditionID: cond.ID, Version: state.SchemaVersion, Blob: blob},
	}, nil
}
