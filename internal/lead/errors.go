package lead

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable means the backing lead store cannot be reached.
	// It aborts a run before any further mutation.
	ErrStoreUnavailable = errors.New("lead store unavailable")

	// ErrCollaboratorTimeout means a mail or store call exceeded its deadline
	ErrCollaboratorTimeout = errors.New("collaborator timeout")

	// ErrInvariantViolation marks a corrupt lead record. Such leads are skipped, never repaired.
	ErrInvariantViolation = errors.New("lead invariant violation")

	// ErrInvalidTransition is returned for a lifecycle move the state machine does not allow
	ErrInvalidTransition = errors.New("invalid lead transition")

	// ErrConflict means the lead changed since it was read
	ErrConflict = errors.New("lead version conflict")

	// ErrNotFound means no lead has the requested id
	ErrNotFound = errors.New("lead not found")
)

// Kind names the taxonomy bucket of err for reports and logs
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrCollaboratorTimeout), errors.Is(err, context.DeadlineExceeded):
		return "collaborator_timeout"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
