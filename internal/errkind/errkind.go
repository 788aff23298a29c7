// Package errkind classifies errors into a closed set of kinds so the
// engine and workers can branch on behavior (retry, skip, page) without
// depending on concrete error types from every package they call.
package errkind

import (
	"context"
	"errors"
)

// Kind is the closed taxonomy from the error handling design: every error
// that crosses a component boundary must classify as one of these.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindTransientInfra    Kind = "transient_infra"
	KindInvalidInput      Kind = "invalid_input"
	KindPermanentDelivery Kind = "permanent_delivery"
	KindConfigInvalid     Kind = "config_invalid"
	KindRateLimited       Kind = "rate_limited"
	KindUnknown           Kind = "unknown"
)

// Classified is implemented by sentinel/wrapper errors that know their own
// kind. Classify prefers this over heuristics.
type Classified interface {
	ErrKind() Kind
}

var (
	// ErrNotFound marks a lookup that found nothing, not a failure.
	ErrNotFound = classifiedError{kind: KindNotFound, msg: "not found"}
	// ErrTransientInfra marks a retryable infrastructure failure (DB,
	// Redis, network) with no permanent consequence.
	ErrTransientInfra = classifiedError{kind: KindTransientInfra, msg: "transient infrastructure error"}
	// ErrInvalidInput marks a caller mistake: malformed config, a trigger
	// that fails validation, a condition referencing an unknown field.
	ErrInvalidInput = classifiedError{kind: KindInvalidInput, msg: "invalid input"}
	// ErrPermanentDelivery marks an action delivery that will never
	// succeed no matter how many times it is retried (4xx other than
	// 429, malformed target URL, oversized payload).
	ErrPermanentDelivery = classifiedError{kind: KindPermanentDelivery, msg: "permanent delivery failure"}
	// ErrConfigInvalid marks a startup-time configuration problem.
	ErrConfigInvalid = classifiedError{kind: KindConfigInvalid, msg: "invalid configuration"}
	// ErrRateLimited marks a request rejected by the sliding-window
	// limiter.
	ErrRateLimited = classifiedError{kind: KindRateLimited, msg: "rate limited"}
)

type classifiedError struct {
	kind Kind
	msg  string
}

func (e classifiedError) Error() string { return e.msg }
func (e classifiedError) ErrKind() Kind  { return e.kind }

// Wrap attaches kind to err via %w-compatible wrapping, preserving the
// original error for errors.Is/As while making Classify(err) return kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) ErrKind() Kind { return w.kind }

// Classify inspects err and returns its Kind. context.DeadlineExceeded and
// context.Canceled classify as transient infra since both mean "the
// operation didn't finish", not "the operation is wrong". Unwrapped errors
// with no Classified in their chain return KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrKind()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientInfra
	}
	return KindUnknown
}

// Retryable reports whether an error of this kind is worth retrying at the
// worker/delivery layer.
func Retryable(k Kind) bool {
	switch k {
	case KindTransientInfra, KindRateLimited, KindUnknown:
		return true
	default:
		return false
	}
}
