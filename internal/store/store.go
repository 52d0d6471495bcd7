package store

import (
	"context"
	"errors"
	"fmt"

	"lead-nurture-go/internal/lead"
)

// Store is the lead store adapter. Every call reads fresh state from the
// backing store; nothing is cached between calls.
type Store interface {
	ListLeads(ctx context.Context, filter lead.Filter) ([]lead.Lead, error)
	GetLead(ctx context.Context, id string) (lead.Lead, error)
	// UpdateLead applies patch atomically to one lead and returns the stored result.
	// A non-zero patch.ExpectedVersion that no longer matches yields lead.ErrConflict.
	UpdateLead(ctx context.Context, id string, patch lead.Patch) (lead.Lead, error)
	CreateLead(ctx context.Context, l lead.Lead) (lead.Lead, error)
	Ping(ctx context.Context) error
}

// wrapError maps a backend failure onto the lead error taxonomy
func wrapError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, lead.ErrNotFound), errors.Is(err, lead.ErrConflict),
		errors.Is(err, lead.ErrInvalidTransition), errors.Is(err, lead.ErrInvariantViolation):
		return err
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %v", lead.ErrCollaboratorTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", lead.ErrStoreUnavailable, op, err)
	}
}
