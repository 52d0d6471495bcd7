package lead

import (
	"fmt"
	"strings"
	"time"
)

// MaxStep is the number of outreach messages a lead can receive.
const MaxStep = 3

// Status is the lifecycle state of a lead
type Status string

const (
	StatusNew          Status = "New"
	StatusDraftCreated Status = "DraftCreated"
	StatusSent         Status = "Sent"
	StatusReplied      Status = "Replied"
	StatusRevoked      Status = "Revoked"
)

// Statuses lists every known status in lifecycle order
var Statuses = []Status{StatusNew, StatusDraftCreated, StatusSent, StatusReplied, StatusRevoked}

// ParseStatus maps a loosely formatted status value to a Status.
// "Draft Created", "draft_created" and "draftcreated" all map to DraftCreated.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(norm)
	for _, st := range Statuses {
		if strings.ToLower(string(st)) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lead status %q", s)
}

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusReplied || s == StatusRevoked
}

// Contact holds business metadata for a lead
type Contact struct {
	Name    string `json:"name"`
	Owner   string `json:"owner,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// Lead is one tracked prospect
type Lead struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Step            int        `json:"step"`
	LastContactDate *time.Time `json:"last_contact_date,omitempty"`
	ThreadRef       string     `json:"thread_ref,omitempty"`
	Contact         Contact    `json:"contact"`
	Rating          float64    `json:"rating,omitempty"`
	Reviews         int        `json:"reviews,omitempty"`
	PlaceID         string     `json:"place_id,omitempty"`
	Version         int64      `json:"version"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the record-level invariants of a lead snapshot
func (l Lead) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: lead has no id", ErrInvariantViolation)
	}
	if l.Step < 0 || l.Step > MaxStep {
		return fmt.Errorf("%w: lead %s has step %d outside 0..%d", ErrInvariantViolation, l.ID, l.Step, MaxStep)
	}
	switch l.Status {
	case StatusSent:
		if l.LastContactDate == nil {
			return fmt.Errorf("%w: sent lead %s has no last contact date", ErrInvariantViolation, l.ID)
		}
		if l.Step < 1 {
			return fmt.Errorf("%w: sent lead %s has step %d", ErrInvariantViolation, l.ID, l.Step)
		}
	case StatusDraftCreated:
		if l.Step < 1 {
			return fmt.Errorf("%w: drafted lead %s has step %d", ErrInvariantViolation, l.ID, l.Step)
		}
	case StatusNew, StatusReplied, StatusRevoked:
	default:
		return fmt.Errorf("%w: lead %s has unknown status %q", ErrInvariantViolation, l.ID, l.Status)
	}
	return nil
}

// Filter narrows a lead listing
type Filter struct {
	Statuses []Status
	Limit    int
}

// Matches reports whether l passes the status filter
func (f Filter) Matches(l Lead) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if l.Status == s {
			return true
		}
	}
	return false
}

// Patch is a partial update of a lead. Nil fields are left untouched.
type Patch struct {
	Status          *Status
	Step            *int
	LastContactDate *time.Time
	ThreadRef       *string
	Email           *string
	Owner           *string
	Website         *string

	// ExpectedVersion guards the write when non-zero
	ExpectedVersion int64
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Status == nil && p.Step == nil && p.LastContactDate == nil &&
		p.ThreadRef == nil && p.Email == nil && p.Owner == nil && p.Website == nil
}

// Apply returns l with the patch applied. It refuses to touch terminal
// leads' lifecycle fields and to move step backwards.
func (p Patch) Apply(l Lead) (Lead, error) {
	if l.Status.Terminal() && (p.Status != nil || p.Step != nil) {
		return l, fmt.Errorf("%w: lead %s is %s", ErrInvalidTransition, l.ID, l.Status)
	}
	if p.Step != nil && *p.Step < l.Step {
		return l, fmt.Errorf("%w: step of lead %s cannot go from %d to %d", ErrInvalidTransition, l.ID, l.Step, *p.Step)
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.Step != nil {
		l.Step = *p.Step
	}
	if p.LastContactDate != nil {
		d := DateOf(*p.LastContactDate)
		l.LastContactDate = &d
	}
	if p.ThreadRef != nil {
		l.ThreadRef = *p.ThreadRef
	}
	if p.Email != nil {
		l.Contact.Email = *p.Email
	}
	if p.Owner != nil {
		l.Contact.Owner = *p.Owner
	}
	if p.Website != nil {
		l.Contact.Website = *p.Website
	}
	return l, nil
}

// DateOf truncates t to midnight UTC of its calendar date
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
