package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"lead-nurture-go/internal/classifier"
	"lead-nurture-go/internal/db"
	"lead-nurture-go/internal/dispatcher"
	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/mail"
	"lead-nurture-go/internal/metrics"
	"lead-nurture-go/internal/outreach"
	"lead-nurture-go/internal/policy"
	"lead-nurture-go/internal/repository"
	"lead-nurture-go/internal/runlock"
	"lead-nurture-go/internal/store"
)

const own = "me@agency.com"

var today = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	d := lead.DateOf(today.AddDate(0, 0, -n))
	return &d
}

func sent(id string, step, days int) lead.Lead {
	return lead.Lead{
		ID:              id,
		Status:          lead.StatusSent,
		Step:            step,
		LastContactDate: daysAgo(days),
		ThreadRef:       "thr-" + id,
		Contact:         lead.Contact{Name: "Biz " + id, Email: id + "@biz.com"},
	}
}

// fakeMail is an in-memory mailbox
type fakeMail struct {
	mu       sync.Mutex
	threads  map[string][]mail.Message
	failures map[string]error
	sentTo   map[string]string
	drafts   []string
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		threads:  make(map[string][]mail.Message),
		failures: make(map[string]error),
		sentTo:   make(map[string]string),
	}
}

func (f *fakeMail) reply(threadRef, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadRef] = append(f.threads[threadRef],
		mail.Message{ID: "m0", From: own, Subject: "Hello"},
		mail.Message{ID: "m1", From: from, Subject: "Re: Hello"},
	)
}

func (f *fakeMail) ListMessages(ctx context.Context, threadRef string) ([]mail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[threadRef]; err != nil {
		return nil, err
	}
	return f.threads[threadRef], nil
}

func (f *fakeMail) FindThread(ctx context.Context, contactEmail string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentTo[contactEmail], nil
}

func (f *fakeMail) CreateDraft(ctx context.Context, threadRef string, content mail.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, content.To)
	if threadRef == "" {
		return "thr-new-" + content.To, nil
	}
	return threadRef, nil
}

// flakyStore fails listing after the first n calls
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	okLists  int
	pingFail bool
}

func (s *flakyStore) ListLeads(ctx context.Context, f lead.Filter) ([]lead.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.okLists <= 0 {
		return nil, fmt.Errorf("%w: connection refused", lead.ErrStoreUnavailable)
	}
	s.okLists--
	return s.MemoryStore.ListLeads(ctx, f)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.pingFail {
		return fmt.Errorf("%w: connection refused", lead.ErrStoreUnavailable)
	}
	return nil
}

type fixture struct {
	store   store.Store
	mem     *store.MemoryStore
	mail    *fakeMail
	orch    *Orchestrator
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts Options, leads ...lead.Lead) *fixture {
	mem := store.NewMemoryStore(leads...)
	return newFixtureWithStore(t, opts, mem, mem, nil)
}

func newFixtureWithStore(t *testing.T, opts Options, s store.Store, mem *store.MemoryStore, runLog RunLog) *fixture {
	fm := newFakeMail()
	r, err := outreach.NewRenderer(outreach.DefaultTemplates, "")
	require.NoError(t, err)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	orch := New(Deps{
		Store:      s,
		Mail:       fm,
		Classifier: classifier.New([]string{own}),
		Engine:     policy.Default(),
		Dispatcher: dispatcher.New(s, fm, r, nil),
		RunLog:     runLog,
		Metrics:    m,
	}, opts)
	return &fixture{store: s, mem: mem, mail: fm, orch: orch, metrics: m}
}

func (f *fixture) lead(t *testing.T, id string) lead.Lead {
	l, err := f.mem.GetLead(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (f *fixture) snapshot(t *testing.T) map[string]string {
	leads, err := f.mem.ListLeads(context.Background(), lead.Filter{})
	require.NoError(t, err)
	out := make(map[string]string, len(leads))
	for _, l := range leads {
		out[l.ID] = fmt.Sprintf("%s/%d/%s", l.Status, l.Step, l.ThreadRef)
	}
	return out
}

func TestRunScenarios(t *testing.T) {
	corrupt := sent("e", 1, 4)
	corrupt.LastContactDate = nil

	f := newFixture(t, Options{},
		sent("a", 1, 4), // scenario A
		sent("b", 3, 5), // scenario B
		sent("c", 2, 1), // scenario C
		sent("d", 2, 2), // scenario D
		corrupt,
		sent("f", 1, 9),
		lead.Lead{ID: "g", Status: lead.StatusReplied, Step: 2, LastContactDate: daysAgo(30)},
	)
	f.mail.reply("thr-c", "c@biz.com")
	f.mail.failures["thr-f"] = fmt.Errorf("%w: gmail threads.get", lead.ErrCollaboratorTimeout)

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Replied)
	assert.Equal(t, 1, rep.Advanced)
	assert.Equal(t, 1, rep.Revoked)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, lead.DateOf(today), rep.Date)
	require.Len(t, rep.Failures, 2)

	kinds := map[string]string{}
	for _, fl := range rep.Failures {
		kinds[fl.LeadID] = fl.Kind
	}
	assert.Equal(t, "invariant_violation", kinds["e"])
	assert.Equal(t, "collaborator_timeout", kinds["f"])

	a := f.lead(t, "a")
	assert.Equal(t, lead.StatusDraftCreated, a.Status)
	assert.Equal(t, 2, a.Step)
	assert.Equal(t, lead.StatusRevoked, f.lead(t, "b").Status)
	assert.Equal(t, lead.StatusReplied, f.lead(t, "c").Status)
	assert.Equal(t, lead.StatusSent, f.lead(t, "d").Status)
	assert.Equal(t, lead.StatusSent, f.lead(t, "e").Status)
	// a timed-out lead is not advanced even though it is overdue
	assert.Equal(t, 1, f.lead(t, "f").Step)
	assert.Equal(t, lead.StatusReplied, f.lead(t, "g").Status)

	assert.Equal(t, []string{"a@biz.com"}, f.mail.drafts)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RunCount))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DraftsCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LeadFailures.WithLabelValues("collaborator_timeout")))
}

func TestReplyTakesPrecedenceOverInactivity(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 10), sent("b", 3, 10))
	f.mail.reply("thr-a", "A@Biz.com")
	f.mail.reply("thr-b", "Owner <b@biz.com>")

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Replied)
	assert.Zero(t, rep.Advanced)
	assert.Zero(t, rep.Revoked)
	assert.Empty(t, f.mail.drafts)
	assert.Equal(t, lead.StatusReplied, f.lead(t, "a").Status)
	assert.Equal(t, 1, f.lead(t, "a").Step)
	assert.Equal(t, lead.StatusReplied, f.lead(t, "b").Status)
}

func TestAutomatedOrForeignMessagesAreNotReplies(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 4), sent("b", 1, 4))
	f.mail.threads["thr-a"] = []mail.Message{
		{ID: "1", From: "a@biz.com", Subject: "Out of Office: back Monday"},
	}
	f.mail.threads["thr-b"] = []mail.Message{
		{ID: "1", From: "someone@else.com", Subject: "Re: Hello"},
	}

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Zero(t, rep.Replied)
	assert.Equal(t, 2, rep.Advanced)
}

func TestUnreadableThreadCountsAsNoReply(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 4), sent("b", 1, 1))
	f.mail.failures["thr-a"] = fmt.Errorf("thread not found")
	f.mail.failures["thr-b"] = fmt.Errorf("thread not found")

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Advanced)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Equal(t, lead.StatusSent, f.lead(t, "b").Status)
}

func TestThreadIsFoundBySearchWhenMissing(t *testing.T) {
	a := sent("a", 1, 4)
	a.ThreadRef = ""
	b := sent("b", 2, 4)
	b.ThreadRef = ""
	f := newFixture(t, Options{}, a, b)
	f.mail.sentTo["a@biz.com"] = "thr-found-a"
	f.mail.sentTo["b@biz.com"] = "thr-found-b"
	f.mail.reply("thr-found-b", "b@biz.com")

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replied)
	assert.Equal(t, 1, rep.Advanced)
	assert.Equal(t, "thr-found-a", f.lead(t, "a").ThreadRef)
	assert.Equal(t, lead.StatusReplied, f.lead(t, "b").Status)
}

func TestRunIsIdempotentWithinADay(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 4), sent("b", 3, 5), sent("c", 2, 2), sent("d", 2, 3))
	f.mail.reply("thr-c", "c@biz.com")

	_, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	first := f.snapshot(t)
	drafts := len(f.mail.drafts)

	rep, err := f.orch.Run(context.Background(), today.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, f.snapshot(t))
	assert.Equal(t, drafts, len(f.mail.drafts))
	assert.Zero(t, rep.Advanced+rep.Revoked+rep.Replied)
}

// TestLifecycleSimulation drives leads through many days, confirming every
// draft as sent the day after, and checks step monotonicity and terminality.
func TestLifecycleSimulation(t *testing.T) {
	engine := policy.Default()
	f := newFixture(t, Options{DraftInitial: true},
		lead.Lead{ID: "quiet", Status: lead.StatusNew, Contact: lead.Contact{Name: "Quiet", Email: "quiet@biz.com"}},
		lead.Lead{ID: "chatty", Status: lead.StatusNew, Contact: lead.Contact{Name: "Chatty", Email: "chatty@biz.com"}},
		lead.Lead{ID: "noemail", Status: lead.StatusNew, Contact: lead.Contact{Name: "Unknown"}},
	)
	ctx := context.Background()

	steps := map[string]int{}
	terminal := map[string]string{}
	day := today
	for i := 0; i < 40; i++ {
		_, err := f.orch.Run(ctx, day)
		require.NoError(t, err)

		leads, err := f.mem.ListLeads(ctx, lead.Filter{})
		require.NoError(t, err)
		for _, l := range leads {
			require.GreaterOrEqual(t, l.Step, steps[l.ID], "step of %s went backwards", l.ID)
			steps[l.ID] = l.Step
			if prev, ok := terminal[l.ID]; ok {
				require.Equal(t, prev, fmt.Sprintf("%s/%d", l.Status, l.Step), "terminal lead %s changed", l.ID)
			}
			if l.Status.Terminal() {
				terminal[l.ID] = fmt.Sprintf("%s/%d", l.Status, l.Step)
			}
		}

		day = day.AddDate(0, 0, 1)
		for _, l := range leads {
			if l.Status != lead.StatusDraftCreated {
				continue
			}
			patch, err := engine.ConfirmSent(policy.StateOf(l), day)
			require.NoError(t, err)
			patch.ExpectedVersion = l.Version
			_, err = f.mem.UpdateLead(ctx, l.ID, patch)
			require.NoError(t, err)
			if l.ID == "chatty" && l.Step == 2 {
				f.mail.reply(l.ThreadRef, "chatty@biz.com")
			}
		}
	}

	quiet := f.lead(t, "quiet")
	assert.Equal(t, lead.StatusRevoked, quiet.Status)
	assert.Equal(t, 3, quiet.Step)

	chatty := f.lead(t, "chatty")
	assert.Equal(t, lead.StatusReplied, chatty.Status)
	assert.Equal(t, 2, chatty.Step)

	assert.Equal(t, lead.StatusNew, f.lead(t, "noemail").Status)
}

func TestStoreUnavailableAbortsBeforeMutating(t *testing.T) {
	mem := store.NewMemoryStore(sent("a", 1, 4))
	fs := &flakyStore{MemoryStore: mem, pingFail: true}
	f := newFixtureWithStore(t, Options{}, fs, mem, nil)

	_, err := f.orch.Run(context.Background(), today)
	assert.ErrorIs(t, err, lead.ErrStoreUnavailable)
	assert.Equal(t, lead.StatusSent, f.lead(t, "a").Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RunAborts))
}

func TestStoreUnavailableMidRunReturnsPartialReport(t *testing.T) {
	mem := store.NewMemoryStore(sent("a", 1, 4), sent("b", 2, 1))
	fs := &flakyStore{MemoryStore: mem, okLists: 1}
	f := newFixtureWithStore(t, Options{}, fs, mem, nil)
	f.mail.reply("thr-b", "b@biz.com")

	rep, err := f.orch.Run(context.Background(), today)
	assert.ErrorIs(t, err, lead.ErrStoreUnavailable)
	assert.Equal(t, 1, rep.Replied)
	assert.Zero(t, rep.Advanced)
	assert.False(t, rep.FinishedAt.IsZero())
	assert.Equal(t, lead.StatusSent, f.lead(t, "a").Status)
}

func TestOverlappingRunsAreRejected(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 4))
	locker := runlock.NewLocalLocker()
	f.orch.deps.Locker = locker

	lease, err := locker.Acquire(context.Background(), LockKey, time.Minute)
	require.NoError(t, err)

	_, err = f.orch.Run(context.Background(), today)
	assert.ErrorIs(t, err, runlock.ErrLocked)
	assert.Equal(t, lead.StatusSent, f.lead(t, "a").Status)

	require.NoError(t, lease.Release(context.Background()))
	_, err = f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, lead.StatusDraftCreated, f.lead(t, "a").Status)
}

func TestInitialOutreach(t *testing.T) {
	f := newFixture(t, Options{DraftInitial: true},
		lead.Lead{ID: "n1", Status: lead.StatusNew, Contact: lead.Contact{Name: "One", Email: "one@biz.com"}},
		lead.Lead{ID: "n2", Status: lead.StatusNew, Contact: lead.Contact{Name: "Two"}},
	)

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drafted)

	n1 := f.lead(t, "n1")
	assert.Equal(t, lead.StatusDraftCreated, n1.Status)
	assert.Equal(t, 1, n1.Step)
	assert.Equal(t, "thr-new-one@biz.com", n1.ThreadRef)
	assert.Equal(t, lead.StatusNew, f.lead(t, "n2").Status)

	f2 := newFixture(t, Options{}, lead.Lead{ID: "n1", Status: lead.StatusNew, Contact: lead.Contact{Name: "One", Email: "one@biz.com"}})
	rep, err = f2.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Zero(t, rep.Drafted)
	assert.Equal(t, lead.StatusNew, f2.lead(t, "n1").Status)
}

func TestStaleDraftsAreFlaggedNotPromoted(t *testing.T) {
	stale := lead.Lead{ID: "s", Status: lead.StatusDraftCreated, Step: 2, LastContactDate: daysAgo(20), UpdatedAt: today.AddDate(0, 0, -10)}
	fresh := lead.Lead{ID: "r", Status: lead.StatusDraftCreated, Step: 1, UpdatedAt: today.AddDate(0, 0, -1)}
	f := newFixture(t, Options{StaleDraftDays: 7}, stale, fresh)

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stalled)
	assert.Equal(t, lead.StatusDraftCreated, f.lead(t, "s").Status)
	assert.Equal(t, 2, f.lead(t, "s").Step)
	assert.Equal(t, int64(1), f.lead(t, "s").Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StalledDrafts))
}

func TestMaxLeadsBoundsTheRun(t *testing.T) {
	f := newFixture(t, Options{MaxLeads: 2}, sent("a", 1, 4), sent("b", 1, 4), sent("c", 1, 4))

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Advanced)
	assert.Equal(t, lead.StatusSent, f.lead(t, "c").Status)
}

func TestRunLogIsPersisted(t *testing.T) {
	gdb, err := db.Open(sqlite.Open(filepath.Join(t.TempDir(), "runs.db")))
	require.NoError(t, err)
	repo := repository.New(gdb)

	corrupt := sent("x", 1, 4)
	corrupt.LastContactDate = nil
	mem := store.NewMemoryStore(sent("a", 1, 4), sent("b", 2, 1), corrupt)
	f := newFixtureWithStore(t, Options{}, mem, mem, repo)
	f.mail.reply("thr-b", "b@biz.com")

	rep, err := f.orch.Run(WithTrigger(context.Background(), TriggerScheduled), today)
	require.NoError(t, err)
	assert.Equal(t, TriggerScheduled, rep.Trigger)

	run, err := repo.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, TriggerScheduled, run.Trigger)
	assert.Equal(t, 1, run.Replied)
	assert.Equal(t, 1, run.Advanced)
	assert.Equal(t, 1, run.Skipped)

	events, err := repo.GetRunEvents(context.Background(), rep.RunID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	byLead := map[string]string{}
	for _, e := range events {
		byLead[e.LeadID] = e.Phase + ":" + e.Status
	}
	assert.Equal(t, "reply:success", byLead["b"])
	assert.Equal(t, "follow_up:success", byLead["a"])
	assert.Equal(t, "reply:skipped", byLead["x"])
}

func TestUntaggedRunIsManual(t *testing.T) {
	f := newFixture(t, Options{}, sent("a", 1, 1))

	rep, err := f.orch.Run(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, rep.Trigger)
}

// lostLocker grants leases that can never be extended
type lostLocker struct{}

func (lostLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (runlock.Lease, error) {
	return lostLease{}, nil
}

type lostLease struct{}

func (lostLease) Extend(ctx context.Context, ttl time.Duration) error {
	return runlock.ErrLockLost
}

func (lostLease) Release(ctx context.Context) error { return nil }

// stallingMail blocks reading one thread until the run is cancelled
type stallingMail struct {
	*fakeMail
	stall string
}

func (m *stallingMail) ListMessages(ctx context.Context, threadRef string) ([]mail.Message, error) {
	if threadRef == m.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.fakeMail.ListMessages(ctx, threadRef)
}

func TestLostRunLockStopsTheRun(t *testing.T) {
	f := newFixture(t, Options{LockTTL: 150 * time.Millisecond, LeadTimeout: 5 * time.Second},
		sent("a", 1, 4), sent("b", 1, 4))
	f.orch.deps.Locker = lostLocker{}
	f.orch.deps.Mail = &stallingMail{fakeMail: f.mail, stall: "thr-a"}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), today)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run kept going after losing its lock")
	}
	assert.Equal(t, lead.StatusSent, f.lead(t, "a").Status)
	assert.Equal(t, lead.StatusSent, f.lead(t, "b").Status)
	assert.Empty(t, f.mail.drafts)
}

func TestLongRunKeepsItsLock(t *testing.T) {
	locker := runlock.NewLocalLocker()
	f := newFixture(t, Options{LockTTL: 60 * time.Millisecond}, sent("a", 1, 4))
	f.orch.deps.Locker = locker
	release := make(chan struct{})
	f.orch.deps.Mail = &gatedMail{fakeMail: f.mail, gate: release}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), today)
		done <- err
	}()

	// well past the original ttl another run is still locked out
	time.Sleep(200 * time.Millisecond)
	_, err := locker.Acquire(context.Background(), LockKey, time.Minute)
	assert.ErrorIs(t, err, runlock.ErrLocked)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, lead.StatusDraftCreated, f.lead(t, "a").Status)
}

// gatedMail holds every thread read until gate is closed
type gatedMail struct {
	*fakeMail
	gate chan struct{}
}

func (m *gatedMail) ListMessages(ctx context.Context, threadRef string) ([]mail.Message, error) {
	select {
	case <-m.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.fakeMail.ListMessages(ctx, threadRef)
}
