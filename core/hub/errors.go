package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation rejects a single write that would break a ledger
	// invariant (decreasing active state, duplicate nonce, missing
	// authorization). Unrelated work in the tick continues.
	ErrInvariantViolation = errors.New("hub: invariant violation")
	// ErrExternalUnavailable indicates the base chain or another external
	// collaborator could not be reached. The step is retried next tick.
	ErrExternalUnavailable = errors.New("hub: external collaborator unavailable")
	// ErrInsufficientPriorState indicates data required to defend or build a
	// commitment is missing. There is no safe automatic recovery.
	ErrInsufficientPriorState = errors.New("hub: insufficient prior state")
	// ErrAlreadyPerformed marks an idempotent no-op.
	ErrAlreadyPerformed = errors.New("hub: already performed")
)

// Severity ranks how an error must be propagated by the orchestrator.
type Severity int

const (
	// SeverityNone is returned for nil and already-performed outcomes.
	SeverityNone Severity = iota
	// SeverityLocal errors are logged and resolved inside the component.
	SeverityLocal
	// SeverityAlert errors are surfaced to the operator notification channel.
	SeverityAlert
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLocal:
		return "local"
	case SeverityAlert:
		return "alert"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Classify maps an error onto the propagation policy. Unknown errors are
// alerted: nothing is ever silently swallowed.
func Classify(err error) Severity {
	switch {
	case err == nil, errors.Is(err, ErrAlreadyPerformed):
		return SeverityNone
	case errors.Is(err, ErrInvariantViolation):
		return SeverityLocal
	default:
		return SeverityAlert
	}
}

// Invariantf wraps ErrInvariantViolation with context.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// PriorStatef wraps ErrInsufficientPriorState with context.
func PriorStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientPriorState, fmt.Sprintf(format, args...))
}

// Unavailable wraps an upstream failure as ErrExternalUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrExternalUnavailable, op, err)
}
