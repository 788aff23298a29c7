// Package event defines the immutable blockchain observation record that
// flows through the pipeline: identity, reputation, and validation registry
// events emitted by the upstream indexer.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Registry names the on-chain contract family an event originates from.
type Registry string

const (
	RegistryIdentity   Registry = "identity"
	RegistryReputation Registry = "reputation"
	RegistryValidation Registry = "validation"
)

// Valid reports whether r is one of the known registries.
func (r Registry) Valid() bool {
	switch r {
	case RegistryIdentity, RegistryReputation, RegistryValidation:
		return true
	default:
		return false
	}
}

// Event is an immutable observation read from the durable event log. It is
// never mutated after insert; the core only ever appends references to it by
// ID.
type Event struct {
	ID              string
	ChainID         int64
	BlockNumber     uint64
	BlockHash       string
	TransactionHash string
	LogIndex        int
	Registry        Registry
	EventType       string
	AgentID         *int64
	Actor           string
	Score           *float64
	Tag1            string
	Tag2            string
	URI             string
	ContentHash     string
	ObservedAt      time.Time
	Data            map[string]string
}

// DeriveID computes the deterministic, collision-free event identity from
// (chain id, transaction hash, log index, registry). The indexer is expected
// to compute and store the same value; DeriveID lets tests and the notifier
// catch-up path verify it independently.
func DeriveID(chainID int64, txHash string, logIndex int, registry Registry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|%s", chainID, txHash, logIndex, registry)
	return hex.EncodeToString(h.Sum(nil))
}

// ClampScore clamps a raw score into [0, 100]. It returns (0, false) for
// non-finite input so callers can treat the event as invalid for
// score-dependent evaluators without discarding the whole event.
func ClampScore(raw float64) (float64, bool) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, false
	}
	if raw < 0 {
		return 0, true
	}
	if raw > 100 {
		return 100, true
	}
	return raw, true
}

// FieldString returns the string representation of a well-known template
// field, plus ok=false for unknown or absent fields. It is the single place
// that knows how to project an Event onto the closed template variable
// whitelist (see internal/templating).
func (e Event) FieldString(name string) (string, bool) {
	switch name {
	case "event_type":
		return e.EventType, true
	case "chain_id":
		return fmt.Sprintf("%d", e.ChainID), true
	case "block_number":
		return fmt.Sprintf("%d", e.BlockNumber), true
	case "transaction_hash":
		return e.TransactionHash, true
	case "agent_id":
		if e.AgentID == nil {
			return "", true
		}
		return fmt.Sprintf("%d", *e.AgentID), true
	case "score":
		if e.Score == nil {
			return "", true
		}
		return fmt.Sprintf("%g", *e.Score), true
	case "tag1":
		return e.Tag1, true
	case "tag2":
		return e.Tag2, true
	case "timestamp":
		return e.ObservedAt.UTC().Format(time.RFC3339), true
	default:
		if v, ok := e.Data[name]; ok {
			return v, true
		}
		return "", false
	}
}
