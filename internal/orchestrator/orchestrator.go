package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/classifier"
	"lead-nurture-go/internal/dispatcher"
	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/mail"
	"lead-nurture-go/internal/metrics"
	"lead-nurture-go/internal/model"
	"lead-nurture-go/internal/policy"
	"lead-nurture-go/internal/runlock"
	"lead-nurture-go/internal/store"
)

// Run phases, in execution order
const (
	PhaseReply    = "reply"
	PhaseFollowUp = "follow_up"
	PhaseInitial  = "initial_outreach"
	PhaseAudit    = "stale_draft_audit"
)

// LockKey is the run lock shared by every trigger
const LockKey = "lifecycle-run"

// Run triggers recorded in the run log
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

type triggerKey struct{}

// WithTrigger records what started the run carried by ctx
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the trigger set by WithTrigger, or TriggerManual
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	return TriggerManual
}

// ThreadReader reads outreach threads from the mailbox
type ThreadReader interface {
	ListMessages(ctx context.Context, threadRef string) ([]mail.Message, error)
	FindThread(ctx context.Context, contactEmail string) (string, error)
}

// Dispatcher executes one policy decision
type Dispatcher interface {
	Dispatch(ctx context.Context, l lead.Lead, d policy.Decision) (dispatcher.Outcome, error)
}

// RunLog persists run summaries and per-lead events
type RunLog interface {
	SaveRun(ctx context.Context, run *model.Run) error
	LogLeadEvent(ctx context.Context, event *model.LeadEvent) error
}

// Options tunes one orchestrator
type Options struct {
	LeadTimeout    time.Duration
	MaxLeads       int
	LockTTL        time.Duration
	DraftInitial   bool
	StaleDraftDays int
}

// Deps are the collaborators of the orchestrator. RunLog, Metrics and
// Locker are optional.
type Deps struct {
	Store      store.Store
	Mail       ThreadReader
	Classifier *classifier.Classifier
	Engine     policy.Engine
	Dispatcher Dispatcher
	Locker     runlock.Locker
	RunLog     RunLog
	Metrics    *metrics.Metrics
}

// Failure is one lead that could not be processed
type Failure struct {
	LeadID  string `json:"lead_id"`
	Phase   string `json:"phase"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Report summarizes one run
type Report struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Date       time.Time `json:"date"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Replied    int       `json:"replied"`
	Advanced   int       `json:"advanced"`
	Revoked    int       `json:"revoked"`
	Drafted    int       `json:"drafted"`
	Unchanged  int       `json:"unchanged"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Stalled    int       `json:"stalled"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Orchestrator runs the daily lead lifecycle
type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates an orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = runlock.NewLocalLocker()
	}
	if opts.LeadTimeout <= 0 {
		opts.LeadTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Orchestrator{deps: deps, opts: opts, now: time.Now}
}

// run carries the state of one invocation
type run struct {
	report *Report
	log    *logrus.Entry
	// leads the follow-up pass must not touch
	excluded map[string]bool
	// leads that went through the reply pass without a reply
	checked map[string]bool
	// thread refs resolved by search during this run
	threads map[string]string
}

// Run executes the reply pass, the follow-up pass, optional initial
// outreach and the stale-draft audit, in that order. It returns the report
// even when the run aborts. The run lock is extended for as long as the run
// lasts; losing it aborts the run.
func (o *Orchestrator) Run(ctx context.Context, today time.Time) (Report, error) {
	lease, err := o.deps.Locker.Acquire(ctx, LockKey, o.opts.LockTTL)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logrus.WithError(err).Warn("Failed to release run lock")
		}
	}()
	ctx, stop := runlock.Hold(ctx, lease, o.opts.LockTTL)
	defer stop()

	r := &run{
		report: &Report{
			RunID:     uuid.NewString(),
			Trigger:   TriggerFrom(ctx),
			Date:      o.deps.Engine.Today(today),
			StartedAt: o.now().UTC(),
		},
		excluded: make(map[string]bool),
		checked:  make(map[string]bool),
		threads:  make(map[string]string),
	}
	r.log = logrus.WithFields(logrus.Fields{
		"run_id":  r.report.RunID,
		"trigger": r.report.Trigger,
		"date":    r.report.Date.Format("2006-01-02"),
	})
	ctx = dispatcher.WithRunID(ctx, r.report.RunID)

	r.log.Info("Starting lifecycle run")
	o.saveRun(ctx, r, "running", nil)

	err = o.execute(ctx, r, today)

	r.report.FinishedAt = o.now().UTC()
	o.finish(ctx, r, err)
	return *r.report, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run, today time.Time) error {
	if err := o.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", lead.ErrStoreUnavailable, err)
	}
	if err := o.replyPass(ctx, r, today); err != nil {
		return err
	}
	if err := o.followUpPass(ctx, r, today); err != nil {
		return err
	}
	if o.opts.DraftInitial {
		if err := o.initialPass(ctx, r); err != nil {
			return err
		}
	}
	return o.auditPass(ctx, r, today)
}

func (o *Orchestrator) list(ctx context.Context, status lead.Status) ([]lead.Lead, error) {
	leads, err := o.deps.Store.ListLeads(ctx, lead.Filter{Statuses: []lead.Status{status}, Limit: o.opts.MaxLeads})
	if err != nil {
		if errors.Is(err, lead.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", lead.ErrStoreUnavailable, err)
	}
	return leads, nil
}

// replyPass marks Sent leads whose thread holds a genuine reply as Replied
func (o *Orchestrator) replyPass(ctx context.Context, r *run, today time.Time) error {
	leads, err := o.list(ctx, lead.StatusSent)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"phase": PhaseReply, "leads": len(leads)}).Info("Checking for replies")

	for _, l := range leads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.replyLead(ctx, r, l, today); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) replyLead(ctx context.Context, r *run, l lead.Lead, today time.Time) error {
	if err := l.Validate(); err != nil {
		r.excluded[l.ID] = true
		return o.fail(ctx, r, PhaseReply, l, err)
	}

	leadCtx, cancel := context.WithTimeout(ctx, o.opts.LeadTimeout)
	defer cancel()

	hasReply, err := o.hasReply(leadCtx, r, l)
	if err != nil {
		r.excluded[l.ID] = true
		return o.fail(ctx, r, PhaseReply, l, err)
	}
	if !hasReply {
		r.checked[l.ID] = true
		return nil
	}

	decision, err := o.deps.Engine.Decide(policy.StateOf(l), today, true)
	if err != nil {
		r.excluded[l.ID] = true
		return o.fail(ctx, r, PhaseReply, l, err)
	}
	r.excluded[l.ID] = true
	if _, err := o.deps.Dispatcher.Dispatch(leadCtx, l, decision); err != nil {
		return o.fail(ctx, r, PhaseReply, l, err)
	}
	r.report.Replied++
	o.succeed(ctx, r, PhaseReply, l, decision)
	return nil
}

// hasReply classifies the lead's thread. Only timeouts are errors: a
// thread that cannot be read counts as no reply.
func (o *Orchestrator) hasReply(ctx context.Context, r *run, l lead.Lead) (bool, error) {
	entry := r.log.WithFields(logrus.Fields{"phase": PhaseReply, "lead_id": l.ID})

	threadRef := l.ThreadRef
	if threadRef == "" && l.Contact.Email != "" {
		ref, err := o.deps.Mail.FindThread(ctx, l.Contact.Email)
		if err != nil {
			if isTimeout(err) {
				return false, err
			}
			entry.WithError(err).Warn("Thread search failed, treating as no reply")
			return false, nil
		}
		threadRef = ref
		if ref != "" {
			r.threads[l.ID] = ref
		}
	}
	if threadRef == "" {
		entry.Debug("No thread to check")
		return false, nil
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.ThreadFetches.Inc()
	}
	messages, err := o.deps.Mail.ListMessages(ctx, threadRef)
	if err != nil {
		if isTimeout(err) {
			return false, err
		}
		entry.WithError(err).Warn("Thread fetch failed, treating as no reply")
		return false, nil
	}

	verdict := o.deps.Classifier.Classify(messages, l.Contact.Email)
	if verdict == classifier.Ambiguous {
		entry.WithField("messages", len(messages)).Info("Ambiguous thread, treating as no reply")
	}
	return verdict == classifier.Reply, nil
}

// followUpPass re-reads Sent leads so replies written above are observed
func (o *Orchestrator) followUpPass(ctx context.Context, r *run, today time.Time) error {
	leads, err := o.list(ctx, lead.StatusSent)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"phase": PhaseFollowUp, "leads": len(leads)}).Info("Evaluating follow-ups")

	for _, l := range leads {
		if err := ctx.Err(); err != nil {
			return err
		}
		// leads that turned Sent after the reply pass wait for the next run
		if r.excluded[l.ID] || !r.checked[l.ID] {
			continue
		}
		if err := o.followUpLead(ctx, r, l, today); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) followUpLead(ctx context.Context, r *run, l lead.Lead, today time.Time) error {
	decision, err := o.deps.Engine.Decide(policy.StateOf(l), today, false)
	if err != nil {
		return o.fail(ctx, r, PhaseFollowUp, l, err)
	}
	if decision.NoOp() {
		r.report.Unchanged++
		o.count(PhaseFollowUp, "unchanged")
		return nil
	}

	if l.ThreadRef == "" {
		l.ThreadRef = r.threads[l.ID]
	}

	leadCtx, cancel := context.WithTimeout(ctx, o.opts.LeadTimeout)
	defer cancel()

	out, err := o.deps.Dispatcher.Dispatch(leadCtx, l, decision)
	if out.DraftCreated && o.deps.Metrics != nil {
		o.deps.Metrics.DraftsCreated.Inc()
	}
	if err != nil {
		return o.fail(ctx, r, PhaseFollowUp, l, err)
	}

	switch decision.Action {
	case policy.ActionDraftFollowUp:
		r.report.Advanced++
	case policy.ActionRevoke:
		r.report.Revoked++
	}
	o.succeed(ctx, r, PhaseFollowUp, l, decision)
	return nil
}

// initialPass drafts the first message for New leads with an address
func (o *Orchestrator) initialPass(ctx context.Context, r *run) error {
	leads, err := o.list(ctx, lead.StatusNew)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"phase": PhaseInitial, "leads": len(leads)}).Info("Drafting initial outreach")

	for _, l := range leads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Validate(); err != nil {
			if err := o.fail(ctx, r, PhaseInitial, l, err); err != nil {
				return err
			}
			continue
		}
		decision := o.deps.Engine.DecideInitial(policy.StateOf(l))
		if decision.NoOp() {
			continue
		}

		leadCtx, cancel := context.WithTimeout(ctx, o.opts.LeadTimeout)
		out, err := o.deps.Dispatcher.Dispatch(leadCtx, l, decision)
		cancel()
		if out.DraftCreated && o.deps.Metrics != nil {
			o.deps.Metrics.DraftsCreated.Inc()
		}
		if err != nil {
			if err := o.fail(ctx, r, PhaseInitial, l, err); err != nil {
				return err
			}
			continue
		}
		r.report.Drafted++
		o.succeed(ctx, r, PhaseInitial, l, decision)
	}
	return nil
}

// auditPass flags leads whose draft has waited too long to be sent. It
// never changes them.
func (o *Orchestrator) auditPass(ctx context.Context, r *run, today time.Time) error {
	if o.opts.StaleDraftDays <= 0 {
		return nil
	}
	leads, err := o.list(ctx, lead.StatusDraftCreated)
	if err != nil {
		return err
	}

	for _, l := range leads {
		since := draftedAt(l)
		if since.IsZero() {
			continue
		}
		days := o.deps.Engine.DaysSince(since, today)
		if days < o.opts.StaleDraftDays {
			continue
		}
		r.report.Stalled++
		o.count(PhaseAudit, "stalled")
		r.log.WithFields(logrus.Fields{
			"phase":   PhaseAudit,
			"lead_id": l.ID,
			"step":    l.Step,
			"days":    days,
		}).Warn("Draft has not been sent")
		o.logEvent(ctx, r, &model.LeadEvent{
			LeadID:    l.ID,
			Phase:     PhaseAudit,
			Status:    "flagged",
			FromState: stateName(l.Status, l.Step),
			ToState:   stateName(l.Status, l.Step),
		})
	}
	return nil
}

// draftedAt approximates when the outstanding draft was created
func draftedAt(l lead.Lead) time.Time {
	if !l.UpdatedAt.IsZero() {
		return l.UpdatedAt
	}
	if l.LastContactDate != nil {
		return *l.LastContactDate
	}
	return time.Time{}
}

// fail records a per-lead failure. Store unavailability is returned so the
// caller aborts the run.
func (o *Orchestrator) fail(ctx context.Context, r *run, phase string, l lead.Lead, err error) error {
	if errors.Is(err, lead.ErrStoreUnavailable) {
		return err
	}
	kind := lead.Kind(err)
	if errors.Is(err, lead.ErrInvariantViolation) {
		r.report.Skipped++
	} else {
		r.report.Failed++
	}
	r.report.Failures = append(r.report.Failures, Failure{LeadID: l.ID, Phase: phase, Kind: kind, Message: err.Error()})

	r.log.WithFields(logrus.Fields{
		"phase":   phase,
		"lead_id": l.ID,
		"kind":    kind,
		"error":   err,
	}).Warn("Lead skipped")

	status := "failure"
	if errors.Is(err, lead.ErrInvariantViolation) {
		status = "skipped"
	}
	o.count(phase, status)
	if o.deps.Metrics != nil {
		o.deps.Metrics.LeadFailures.WithLabelValues(kind).Inc()
	}
	o.logEvent(ctx, r, &model.LeadEvent{
		LeadID:    l.ID,
		Phase:     phase,
		Status:    status,
		FromState: stateName(l.Status, l.Step),
		ErrorKind: kind,
		ErrorMsg:  err.Error(),
	})
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, r *run, phase string, l lead.Lead, d policy.Decision) {
	r.log.WithFields(logrus.Fields{
		"phase":    phase,
		"lead_id":  l.ID,
		"decision": d.String(),
	}).Info("Lead updated")
	o.count(phase, string(d.Action))
	o.logEvent(ctx, r, &model.LeadEvent{
		LeadID:    l.ID,
		Phase:     phase,
		Action:    string(d.Action),
		Status:    "success",
		FromState: stateName(l.Status, l.Step),
		ToState:   stateName(d.Status, d.Step),
	})
}

func (o *Orchestrator) count(phase, outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.LeadOutcomes.WithLabelValues(phase, outcome).Inc()
	}
}

func (o *Orchestrator) logEvent(ctx context.Context, r *run, event *model.LeadEvent) {
	if o.deps.RunLog == nil {
		return
	}
	event.RunID = r.report.RunID
	if err := o.deps.RunLog.LogLeadEvent(context.WithoutCancel(ctx), event); err != nil {
		r.log.WithError(err).Warn("Failed to write run log event")
	}
}

func (o *Orchestrator) saveRun(ctx context.Context, r *run, status string, runErr error) {
	if o.deps.RunLog == nil {
		return
	}
	rep := r.report
	row := &model.Run{
		ID:         rep.RunID,
		RunDate:    rep.Date,
		Trigger:    rep.Trigger,
		Replied:    rep.Replied,
		Advanced:   rep.Advanced,
		Revoked:    rep.Revoked,
		Drafted:    rep.Drafted,
		Unchanged:  rep.Unchanged,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
		Stalled:    rep.Stalled,
		Status:     status,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	if runErr != nil {
		row.ErrorMsg = runErr.Error()
	}
	if err := o.deps.RunLog.SaveRun(context.WithoutCancel(ctx), row); err != nil {
		r.log.WithError(err).Warn("Failed to save run")
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	rep := r.report
	status := "completed"
	if err != nil {
		status = "aborted"
	}
	o.saveRun(ctx, r, status, err)

	if m := o.deps.Metrics; m != nil {
		m.RunCount.Inc()
		m.RunDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
		m.StalledDrafts.Set(float64(rep.Stalled))
		m.LastRunUnixTime.Set(float64(rep.FinishedAt.Unix()))
		if err != nil {
			m.RunAborts.Inc()
		}
	}

	fields := logrus.Fields{
		"replied":   rep.Replied,
		"advanced":  rep.Advanced,
		"revoked":   rep.Revoked,
		"drafted":   rep.Drafted,
		"unchanged": rep.Unchanged,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
		"stalled":   rep.Stalled,
		"duration":  rep.FinishedAt.Sub(rep.StartedAt).String(),
	}
	if err != nil {
		r.log.WithFields(fields).WithError(err).Error("Lifecycle run aborted")
		return
	}
	r.log.WithFields(fields).Info("Lifecycle run completed")
}

func isTimeout(err error) bool {
	return errors.Is(err, lead.ErrCollaboratorTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func stateName(s lead.Status, step int) string {
	return fmt.Sprintf("%s/%d", s, step)
}
