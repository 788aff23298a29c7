// Package state defines the per-trigger evaluator state carried across
// events for stateful condition kinds (ema_threshold, rate_limit,
// counter_threshold).
package state

import (
	"encoding/json"
	"time"
)

// SchemaVersion discriminates the shape of Blob so a future evaluator change
// can detect and migrate or reject state written by an older version,
// instead of silently misinterpreting it.
const SchemaVersion = 1

// TriggerState is the authoritative, durable evaluator state for one
// (trigger, condition) pair. Only one writer is allowed per trigger at a
// time; the engine enforces this serialization, not the store. Blob is
// opaque JSON whose shape is owned by the evaluator that wrote it.
type TriggerState struct {
	TriggerID   string
	ConditionID string
	Version     int
	Blob        json.RawMessage
	UpdatedAt   time.Time
}

// EMAState is the decoded shape of Blob for ema_threshold conditions.
type EMAState struct {
	EMA   float64 `json:"ema"`
	Count int64   `json:"count"`
}

// CounterState is the decoded shape of Blob for counter_threshold
// conditions.
type CounterState struct {
	Count int64 `json:"count"`
}

// RateLimitState is the decoded shape of Blob for rate_limit conditions: a
// capped list of observation timestamps (unix seconds), oldest first,
// truncated to the configured burst capacity M as new entries arrive.
type RateLimitState struct {
	Timestamps []int64 `json:"timestamps"`
}

// Encode marshals v (one of the *State shapes above) into a Blob.
func Encode(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// DecodeEMA decodes blob into an EMAState, defaulting to the zero value
// (EMA=0, Count=0) for a trigger with no prior observations.
func DecodeEMA(blob json.RawMessage) (EMAState, error) {
	var s EMAState
	if len(blob) == 0 {
		return s, nil
	}
	err := json.Unmarshal(blob, &s)
	return s, err
}

// DecodeCounter decodes blob into a CounterState.
func DecodeCounter(blob json.RawMessage) (CounterState, error) {
	var s CounterState
	if len(blob) == 0 {
		return s, nil
	}
	err := json.Unmarshal(blob, &s)
	return s, err
}

// DecodeRateLimit decodes blob into a RateLimitState.
func DecodeRateLimit(blob json.RawMessage) (RateLimitState, error) {
	var s RateLimitState
	if len(blob) == 0 {
		return s, nil
	}
	err := json.Unmarshal(blob, &s)
	return s, err
}
