package store

import "errors"

// Error classes surfaced by the case store. Callers distinguish them with
// errors.Is; all are wrapped with operation context before returning.
var (
	// ErrNotFound reports an unknown case ID.
	ErrNotFound = errors.New("case not found")

	// ErrCaseClosed reports an append to a closed case. Closed cases are
	// immutable; follow-ups go through Reopen.
	ErrCaseClosed = errors.New("case is closed")

	// ErrInvalidTransition reports a status edge outside the case state
	// machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
