package conditions

import (
	"math"
	"testing"
	"time"

	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/state"
	"github.com/chainwatch/pulse/internal/domain/trigger"
)

func scoreEvent(score float64) event.Event {
	s := score
	return event.Event{EventType: "reputation.score_updated", Score: &s, ObservedAt: time.Unix(1000, 0)}
}

func TestScoreThresholdBoundaries(t *testing.T) {
	cond := trigger.Condition{Kind: trigger.ConditionScoreThreshold, Operator: ">", Literal: "60"}

	cases := []struct {
		score float64
		want  bool
	}{
		{0, false},
		{60, false},
		{60.0001, true},
		{100, true},
	}
	for _, tc := range cases {
		res, err := Evaluate(scoreEvent(tc.score), cond, state.TriggerState{}, false)
		if err != nil {
			t.Fatalf("score %v: %v", tc.score, err)
		}
		if res.Matched != tc.want {
			t.Fatalf("score %v: matched=%v want=%v", tc.score, res.Matched, tc.want)
		}
	}
}

func TestScoreThresholdInclusiveBoundary(t *testing.T) {
	cond := trigger.Condition{Kind: trigger.ConditionScoreThreshold, Operator: ">=", Literal: "60"}
	res, err := Evaluate(scoreEvent(60), cond, state.TriggerState{}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected >= 60 to match at exactly 60")
	}
}

func TestScoreThresholdNonFiniteNeverMatches(t *testing.T) {
	cond := trigger.Condition{Kind: trigger.ConditionScoreThreshold, Operator: ">", Literal: "0"}
	e := scoreEvent(0)
	inf := event.Event{EventType: e.EventType, ObservedAt: e.ObservedAt}
	infScore := math.Inf(1)
	inf.Score = &infScore

	res, err := Evaluate(inf, cond, state.TriggerState{}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected +Inf score to never match")
	}
}

// TestEMAThresholdSequence reproduces the N=3 EMA scenario: scores
// [50, 60, 90, 100] against threshold 70 with ">", expecting EMA values
// 50, 55, 72.5, 86.25 and a match starting at event #3.
func TestEMAThresholdSequence(t *testing.T) {
	cond := trigger.Condition{
		TriggerID: "trig-1",
		ID:        "cond-1",
		Kind:      trigger.ConditionEMAThreshold,
		Operator:  ">",
		Literal:   "70",
		Config:    map[string]string{"n": "3"},
	}

	scores := []float64{50, 60, 90, 100}
	wantEMA := []float64{50, 55, 72.5, 86.25}
	wantMatch := []bool{false, false, true, true}

	var prior state.TriggerState
	hasPrior := false
	matchCount := 0

	for i, score := range scores {
		res, err := Evaluate(scoreEvent(score), cond, prior, hasPrior)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if res.NextState == nil {
			t.Fatalf("event %d: expected stateful evaluator to return next state", i)
		}
		decoded, err := state.DecodeEMA(res.NextState.Blob)
		if err != nil {
			t.Fatalf("event %d: decode: %v", i, err)
		}
		if diff := decoded.EMA - wantEMA[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("event %d: EMA=%v want=%v", i, decoded.EMA, wantEMA[i])
		}
		if decoded.Count != int64(i+1) {
			t.Fatalf("event %d: count=%d want=%d", i, decoded.Count, i+1)
		}
		if res.Matched != wantMatch[i] {
			t.Fatalf("event %d: matched=%v want=%v", i, res.Matched, wantMatch[i])
		}
		if res.Matched {
			matchCount++
		}
		prior = *res.NextState
		hasPrior = true
	}

	if matchCount != 2 {
		t.Fatalf("expected exactly 2 matches, got %d", matchCount)
	}
	final, _ := state.DecodeEMA(prior.Blob)
	if final.EMA != 86.25 || final.Count != 4 {
		t.Fatalf("expected final state EMA=86.25 count=4, got EMA=%v count=%d", final.EMA, final.Count)
	}
}

// TestRateLimitConditionBurst reproduces the W=60, M=1 burst: a second event
// inside the same 60-second window does not match, but one after the window
// elapses does.
func TestRateLimitConditionBurst(t *testing.T) {
	cond := trigger.Condition{
		TriggerID: "trig-2",
		ID:        "cond-2",
		Kind:      trigger.ConditionRateLimit,
		Config:    map[string]string{"window_seconds": "60", "max": "1"},
	}

	e1 := event.Event{ObservedAt: time.Unix(1000, 0)}
	res1, err := Evaluate(e1, cond, state.TriggerState{}, false)
	if err != nil {
		t.Fatalf("event 1: %v", err)
	}
	if !res1.Matched {
		t.Fatalf("expected first event within an empty window to match")
	}

	e2 := event.Event{ObservedAt: time.Unix(1030, 0)}
	res2, err := Evaluate(e2, cond, *res1.NextState, true)
	if err != nil {
		t.Fatalf("event 2: %v", err)
	}
	if res2.Matched {
		t.Fatalf("expected second event inside the same 60s window to not match")
	}

	e3 := event.Event{ObservedAt: time.Unix(1061, 0)}
	res3, err := Evaluate(e3, cond, *res2.NextState, true)
	if err != nil {
		t.Fatalf("event 3: %v", err)
	}
	if !res3.Matched {
		t.Fatalf("expected event after the window elapsed to match")
	}
}

func TestCounterThresholdAccumulates(t *testing.T) {
	cond := trigger.Condition{
		TriggerID: "trig-3",
		ID:        "cond-3",
		Kind:      trigger.ConditionCounterThreshold,
		Operator:  ">=",
		Literal:   "3",
		Config:    map[string]string{"increment": "1"},
	}

	var prior state.TriggerState
	hasPrior := false
	var last Result
	for i := 0; i < 3; i++ {
		res, err := Evaluate(event.Event{}, cond, prior, hasPrior)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		prior = *res.NextState
		hasPrior = true
		last = res
	}
	if !last.Matched {
		t.Fatalf("expected counter to reach threshold after 3 increments")
	}
	decoded, _ := state.DecodeCounter(last.NextState.Blob)
	if decoded.Count != 3 {
		t.Fatalf("expected count 3, got %d", decoded.Count)
	}
}

func TestAgentIDEqualsRequiresPresence(t *testing.T) {
	cond := trigger.Condition{Kind: trigger.ConditionAgentIDEquals, Literal: "42"}
	res, err := Evaluate(event.Event{}, cond, state.TriggerState{}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected no match when AgentID is nil")
	}

	id := int64(42)
	res, err = Evaluate(event.Event{AgentID: &id}, cond, state.TriggerState{}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match when AgentID equals literal")
	}
}
