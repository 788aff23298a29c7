// Package trigger defines the user-authored rules the engine evaluates
// against incoming events: a trigger is a named set of conditions (all of
// which must match, conjunctively) plus the actions to enqueue when they do.
package trigger

import "time"

// ConditionKind is the closed set of evaluator kinds a TriggerCondition may
// reference. The set is closed deliberately: adding a kind means adding an
// evaluator in internal/conditions, not a config string the engine can't
// interpret.
type ConditionKind string

const (
	ConditionAgentIDEquals    ConditionKind = "agent_id_equals"
	ConditionScoreThreshold   ConditionKind = "score_threshold"
	ConditionTagEquals        ConditionKind = "tag_equals"
	ConditionEventTypeEquals  ConditionKind = "event_type_equals"
	ConditionEMAThreshold     ConditionKind = "ema_threshold"
	ConditionRateLimit        ConditionKind = "rate_limit"
	ConditionCounterThreshold ConditionKind = "counter_threshold"
)

// Stateful reports whether the kind carries TriggerState across events
// (ema_threshold, rate_limit, counter_threshold) versus evaluating purely
// from the incoming event and its static config.
func (k ConditionKind) Stateful() bool {
	switch k {
	case ConditionEMAThreshold, ConditionRateLimit, ConditionCounterThreshold:
		return true
	default:
		return false
	}
}

// ActionKind is the closed set of action types a TriggerAction may request.
type ActionKind string

const (
	ActionPushNotification ActionKind = "push_notification"
	ActionHTTPWebhook      ActionKind = "http_webhook"
	ActionAgentCallback    ActionKind = "agent_callback"
)

// Trigger is a user-authored rule: it belongs to one agent, carries a
// conjunctive (AND) set of conditions, and fires one or more actions when
// every condition matches.
type Trigger struct {
	ID          string
	AgentID     int64
	Name        string
	Enabled     bool
	Registry    string
	ChainID     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Conditions  []Condition
	Actions     []Action
}

// Condition is one member of a trigger's conjunctive condition set.
type Condition struct {
	ID              string
	TriggerID       string
	Kind            ConditionKind
	Field           string
	Operator        string
	Literal         string
	Config          map[string]string
	AdvanceOnMismatch bool
	Sequence        int
}

// Action is one action a trigger enqueues when all of its conditions match.
type Action struct {
	ID        string
	TriggerID string
	Kind      ActionKind
	Priority  int
	Config    map[string]string
	Sequence  int
}
