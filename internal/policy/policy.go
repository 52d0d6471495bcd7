package policy

import (
	"fmt"
	"time"

	"lead-nurture-go/internal/lead"
)

// Action is what the dispatcher should do for a lead
type Action string

const (
	ActionNoOp          Action = "noop"
	ActionMarkReplied   Action = "mark_replied"
	ActionDraftFollowUp Action = "draft_follow_up"
	ActionRevoke        Action = "revoke"
	ActionDraftInitial  Action = "draft_initial"
)

// State is the slice of a lead the engine decides on
type State struct {
	Status          lead.Status
	Step            int
	LastContactDate *time.Time
	HasEmail        bool
}

// StateOf extracts the decision inputs from l
func StateOf(l lead.Lead) State {
	return State{
		Status:          l.Status,
		Step:            l.Step,
		LastContactDate: l.LastContactDate,
		HasEmail:        l.Contact.Email != "",
	}
}

// Decision is the outcome of one policy evaluation
type Decision struct {
	Action Action
	Status lead.Status
	Step   int
}

// NoOp reports whether the decision leaves the lead as it is
func (d Decision) NoOp() bool {
	return d.Action == ActionNoOp
}

func (d Decision) String() string {
	if d.NoOp() {
		return string(d.Action)
	}
	return fmt.Sprintf("%s -> %s (step %d)", d.Action, d.Status, d.Step)
}

// Engine is the follow-up state machine. It holds no state between calls.
type Engine struct {
	MaxStep        int
	InactivityDays int
	Location       *time.Location
}

// Default returns the three-step, three-day cadence evaluated in UTC
func Default() Engine {
	return Engine{MaxStep: lead.MaxStep, InactivityDays: 3, Location: time.UTC}
}

// Decide computes the next transition for a lead. Only Sent leads move:
// a found reply wins over everything, otherwise inactivity of at least
// InactivityDays either drafts the next follow-up or revokes the lead once
// MaxStep messages were sent.
func (e Engine) Decide(s State, today time.Time, hasReply bool) (Decision, error) {
	noop := Decision{Action: ActionNoOp, Status: s.Status, Step: s.Step}
	if s.Status != lead.StatusSent {
		return noop, nil
	}
	if err := e.checkSent(s); err != nil {
		return noop, err
	}

	if hasReply {
		return Decision{Action: ActionMarkReplied, Status: lead.StatusReplied, Step: s.Step}, nil
	}

	if e.DaysSince(*s.LastContactDate, today) < e.InactivityDays {
		return noop, nil
	}

	if s.Step < e.maxStep() {
		return Decision{Action: ActionDraftFollowUp, Status: lead.StatusDraftCreated, Step: s.Step + 1}, nil
	}
	return Decision{Action: ActionRevoke, Status: lead.StatusRevoked, Step: s.Step}, nil
}

// DecideInitial drafts the first outreach for a New lead that has an address
func (e Engine) DecideInitial(s State) Decision {
	if s.Status != lead.StatusNew || s.Step != 0 || !s.HasEmail {
		return Decision{Action: ActionNoOp, Status: s.Status, Step: s.Step}
	}
	return Decision{Action: ActionDraftInitial, Status: lead.StatusDraftCreated, Step: 1}
}

// ConfirmSent records that the outstanding draft of a lead went out today
func (e Engine) ConfirmSent(s State, today time.Time) (lead.Patch, error) {
	if s.Status != lead.StatusDraftCreated {
		return lead.Patch{}, fmt.Errorf("%w: cannot confirm send from %s", lead.ErrInvalidTransition, s.Status)
	}
	if s.Step < 1 {
		return lead.Patch{}, fmt.Errorf("%w: drafted lead has step %d", lead.ErrInvariantViolation, s.Step)
	}
	status := lead.StatusSent
	date := e.Today(today)
	return lead.Patch{Status: &status, LastContactDate: &date}, nil
}

// DaysSince counts calendar days from the stored date from to the date of
// today in the engine's location. A date in the future counts as zero days.
func (e Engine) DaysSince(from, today time.Time) int {
	a := lead.DateOf(from)
	b := e.Today(today)
	days := int(b.Sub(a).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Today returns the calendar date of t in the engine's location, as midnight UTC
func (e Engine) Today(t time.Time) time.Time {
	loc := e.Location
	if loc == nil {
		loc = time.UTC
	}
	return lead.DateOf(t.In(loc))
}

func (e Engine) checkSent(s State) error {
	if s.LastContactDate == nil {
		return fmt.Errorf("%w: sent lead has no last contact date", lead.ErrInvariantViolation)
	}
	if s.Step < 1 || s.Step > e.maxStep() {
		return fmt.Errorf("%w: sent lead has step %d", lead.ErrInvariantViolation, s.Step)
	}
	return nil
}

func (e Engine) maxStep() int {
	if e.MaxStep <= 0 {
		return lead.MaxStep
	}
	return e.MaxStep
}
