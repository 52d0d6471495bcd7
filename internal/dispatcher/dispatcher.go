package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/events"
	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/mail"
	"lead-nurture-go/internal/policy"
)

// LeadWriter is the store surface the dispatcher writes through
type LeadWriter interface {
	UpdateLead(ctx context.Context, id string, patch lead.Patch) (lead.Lead, error)
}

// Drafter creates outreach drafts
type Drafter interface {
	CreateDraft(ctx context.Context, threadRef string, content mail.Content) (string, error)
}

// Renderer produces the content of the message for a step
type Renderer interface {
	Render(l lead.Lead, step int) (mail.Content, error)
}

// Outcome is the result of executing one decision
type Outcome struct {
	Action       policy.Action
	Lead         lead.Lead
	DraftCreated bool
}

// Dispatcher turns policy decisions into side effects. Each call touches
// exactly one lead.
type Dispatcher struct {
	store     LeadWriter
	drafter   Drafter
	renderer  Renderer
	publisher events.Publisher
	now       func() time.Time
}

// New creates a dispatcher. A nil publisher drops events.
func New(store LeadWriter, drafter Drafter, renderer Renderer, publisher events.Publisher) *Dispatcher {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Dispatcher{
		store:     store,
		drafter:   drafter,
		renderer:  renderer,
		publisher: publisher,
		now:       time.Now,
	}
}

type runIDKey struct{}

// WithRunID tags ctx so published events carry the run id
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Dispatch executes at most one side effect for decision d on lead l.
// Writes are guarded by the version l was read at. A draft is only created
// after the lead has been moved to DraftCreated, so a lead never gets two
// drafts for the same step.
func (d *Dispatcher) Dispatch(ctx context.Context, l lead.Lead, decision policy.Decision) (Outcome, error) {
	switch decision.Action {
	case policy.ActionNoOp:
		return Outcome{Action: decision.Action, Lead: l}, nil
	case policy.ActionMarkReplied, policy.ActionRevoke:
		return d.updateStatus(ctx, l, decision)
	case policy.ActionDraftFollowUp, policy.ActionDraftInitial:
		return d.draft(ctx, l, decision)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown action %q", lead.ErrInvalidTransition, decision.Action)
	}
}

func (d *Dispatcher) updateStatus(ctx context.Context, l lead.Lead, decision policy.Decision) (Outcome, error) {
	status := decision.Status
	updated, err := d.store.UpdateLead(ctx, l.ID, lead.Patch{Status: &status, ExpectedVersion: l.Version})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to set lead %s to %s: %w", l.ID, status, err)
	}
	d.publish(ctx, l, updated, decision.Action)
	return Outcome{Action: decision.Action, Lead: updated}, nil
}

func (d *Dispatcher) draft(ctx context.Context, l lead.Lead, decision policy.Decision) (Outcome, error) {
	if l.Contact.Email == "" {
		return Outcome{}, fmt.Errorf("%w: lead %s has no contact email", lead.ErrInvariantViolation, l.ID)
	}
	if decision.Step <= l.Step && decision.Action == policy.ActionDraftFollowUp {
		return Outcome{}, fmt.Errorf("%w: follow-up step %d does not advance lead %s from %d", lead.ErrInvalidTransition, decision.Step, l.ID, l.Step)
	}

	content, err := d.renderer.Render(l, decision.Step)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to render step %d for lead %s: %w", decision.Step, l.ID, err)
	}

	// the step is claimed before any draft exists
	status := lead.StatusDraftCreated
	step := decision.Step
	claimed, err := d.store.UpdateLead(ctx, l.ID, lead.Patch{
		Status:          &status,
		Step:            &step,
		ExpectedVersion: l.Version,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to claim step %d for lead %s: %w", step, l.ID, err)
	}

	threadRef, err := d.drafter.CreateDraft(ctx, l.ThreadRef, content)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"lead_id": l.ID,
			"step":    step,
		}).Warn("Lead claimed but draft creation failed; left for the stale draft audit")
		return Outcome{Action: decision.Action, Lead: claimed}, fmt.Errorf("failed to create draft for lead %s: %w", l.ID, err)
	}
	if threadRef == "" {
		threadRef = l.ThreadRef
	}

	updated := claimed
	if threadRef != "" && threadRef != claimed.ThreadRef {
		updated, err = d.store.UpdateLead(ctx, l.ID, lead.Patch{
			ThreadRef:       &threadRef,
			ExpectedVersion: claimed.Version,
		})
		if err != nil {
			// the thread is found again by contact address on the next run
			logrus.WithFields(logrus.Fields{
				"lead_id":    l.ID,
				"thread_ref": threadRef,
				"error":      err,
			}).Warn("Draft created but thread reference not stored")
			updated = claimed
		}
	}

	d.publish(ctx, l, updated, decision.Action)
	return Outcome{Action: decision.Action, Lead: updated, DraftCreated: true}, nil
}

func (d *Dispatcher) publish(ctx context.Context, before, after lead.Lead, action policy.Action) {
	t := events.Transition{
		RunID:      runIDFrom(ctx),
		LeadID:     after.ID,
		Action:     string(action),
		FromStatus: before.Status,
		ToStatus:   after.Status,
		FromStep:   before.Step,
		ToStep:     after.Step,
		ThreadRef:  after.ThreadRef,
		OccurredAt: d.now().UTC(),
	}
	if err := d.publisher.Publish(ctx, t); err != nil {
		logrus.WithFields(logrus.Fields{
			"lead_id": after.ID,
			"action":  action,
			"error":   err,
		}).Warn("Failed to publish lead transition")
	}
}
