package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lead-nurture-go/internal/lead"
)

// MemoryStore is an in-process store with the same conditional-write
// semantics as the persistent backends.
type MemoryStore struct {
	mu    sync.Mutex
	leads map[string]lead.Lead
}

// NewMemoryStore creates a store seeded with leads
func NewMemoryStore(seed ...lead.Lead) *MemoryStore {
	s := &MemoryStore{leads: make(map[string]lead.Lead, len(seed))}
	for _, l := range seed {
		if l.Version == 0 {
			l.Version = 1
		}
		s.leads[l.ID] = l
	}
	return s
}

// ListLeads returns the leads matching filter ordered by id
func (s *MemoryStore) ListLeads(ctx context.Context, filter lead.Filter) ([]lead.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(ctx, "list leads", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]lead.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		if filter.Matches(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetLead returns the lead with id or ErrNotFound
func (s *MemoryStore) GetLead(ctx context.Context, id string) (lead.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return lead.Lead{}, fmt.Errorf("%w: %s", lead.ErrNotFound, id)
	}
	return l, nil
}

// UpdateLead applies patch when the stored version still matches
func (s *MemoryStore) UpdateLead(ctx context.Context, id string, patch lead.Patch) (lead.Lead, error) {
	if err := ctx.Err(); err != nil {
		return lead.Lead{}, wrapError(ctx, "update lead", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leads[id]
	if !ok {
		return lead.Lead{}, fmt.Errorf("%w: %s", lead.ErrNotFound, id)
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
		return lead.Lead{}, fmt.Errorf("%w: lead %s is at version %d, expected %d", lead.ErrConflict, id, current.Version, patch.ExpectedVersion)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return lead.Lead{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.leads[id] = next
	return next, nil
}

// CreateLead stores a new lead at version 1
func (s *MemoryStore) CreateLead(ctx context.Context, l lead.Lead) (lead.Lead, error) {
	if err := l.Validate(); err != nil {
		return lead.Lead{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leads[l.ID]; ok {
		return lead.Lead{}, fmt.Errorf("%w: lead %s already exists", lead.ErrConflict, l.ID)
	}
	l.Version = 1
	l.UpdatedAt = time.Now().UTC()
	s.leads[l.ID] = l
	return l, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
