package duel

import "errors"

// Error taxonomy for the duel engine. Handlers wrap these with context via
// fmt.Errorf("...: %w", ...); callers branch with errors.Is.
var (
	// ErrInvalidAction rejects an action that is not valid for the duel's
	// current phase or state. No mutation occurs; reported to the sender only.
	ErrInvalidAction = errors.New("action not valid for current duel state")

	// ErrNotFound indicates no duel exists for the given identifier.
	ErrNotFound = errors.New("duel not found")

	// ErrNotParticipant rejects actions from characters outside the duel.
	ErrNotParticipant = errors.New("character is not a participant")

	// ErrDuplicate indicates a character is already bound to an active duel.
	ErrDuplicate = errors.New("character already in an active duel")

	// ErrStateConflict indicates an optimistic write lost the race. Retried
	// internally with fresh state; surfaced only after the retry budget.
	ErrStateConflict = errors.New("duel state changed concurrently")

	// ErrInfraUnavailable indicates the store or timer infrastructure is
	// unreachable. The engine fails closed: no local state is invented.
	ErrInfraUnavailable = errors.New("duel infrastructure unavailable")
)

// errSuperseded marks a mutation whose intended effect already happened (a
// timer firing after the players acted, a duplicate timeout). The caller
// treats it as a benign no-op, never as a failure.
var errSuperseded = errors.New("mutation superseded by newer state")
