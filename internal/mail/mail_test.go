package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/lead"
)

func TestParseAddress(t *testing.T) {
	assert.Equal(t, "jane@example.com", ParseAddress("Jane Doe <Jane@Example.com>"))
	assert.Equal(t, "bob@shop.co", ParseAddress("bob@shop.co"))
	assert.Equal(t, "odd@host.io", ParseAddress(`"broken <odd@host.io`))
	assert.Equal(t, "", ParseAddress("  "))
}

func TestMessageHeaderLookup(t *testing.T) {
	m := Message{Headers: map[string]string{"Auto-Submitted": "auto-replied"}, Labels: []string{"INBOX"}}
	assert.Equal(t, "auto-replied", m.Header("auto-submitted"))
	assert.Equal(t, "", m.Header("Precedence"))
	assert.True(t, m.HasLabel("inbox"))
	assert.False(t, m.HasLabel("SENT"))
}

func TestComposeMIME(t *testing.T) {
	raw, err := composeMIME("me@example.com", Content{To: "owner@shop.com", Subject: "Hello", Body: "Hi there"},
		"<abc@example.com>", "<first@example.com>", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "To: owner@shop.com")
	assert.Contains(t, s, "Subject: Hello")
	assert.Contains(t, s, "Message-ID: <abc@example.com>")
	assert.Contains(t, s, "In-Reply-To: <first@example.com>")
	assert.Contains(t, s, "Hi there")
}

func TestWrapCallErrorTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := wrapCallError(ctx, "failed to get thread", context.DeadlineExceeded)
	assert.ErrorIs(t, err, lead.ErrCollaboratorTimeout)
}

func newTestGmail(t *testing.T, handler http.HandlerFunc) *GmailMailer {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewGmailMailerWithService(svc, "me")
}

func TestGmailListMessages(t *testing.T) {
	m := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/threads/t1"), r.URL.Path)
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"t1","messages":[
			{"id":"m1","threadId":"t1","labelIds":["SENT"],"payload":{"headers":[
				{"name":"From","value":"Me <me@example.com>"},{"name":"Subject","value":"Quick question"}]}},
			{"id":"m2","threadId":"t1","labelIds":["INBOX"],"payload":{"headers":[
				{"name":"From","value":"Owner <owner@shop.com>"},{"name":"Subject","value":"Re: Quick question"}]}}
		]}`)
	})

	messages, err := m.ListMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m2", messages[1].ID)
	assert.Equal(t, "t1", messages[1].ThreadID)
	assert.Equal(t, "Owner <owner@shop.com>", messages[1].From)
	assert.Equal(t, "Re: Quick question", messages[1].Subject)
	assert.True(t, messages[0].HasLabel("SENT"))
}

func TestGmailCreateDraft(t *testing.T) {
	var got gmail.Draft
	m := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/threads/"):
			io.WriteString(w, `{"id":"t9","messages":[{"id":"m1","threadId":"t9","payload":{"headers":[
				{"name":"Message-ID","value":"<orig@example.com>"}]}}]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/drafts"):
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			io.WriteString(w, `{"id":"d1","message":{"id":"m5","threadId":"t9"}}`)
		default:
			http.NotFound(w, r)
		}
	})

	ref, err := m.CreateDraft(context.Background(), "t9", Content{To: "owner@shop.com", Subject: "Following up", Body: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "t9", ref)
	require.NotNil(t, got.Message)
	assert.Equal(t, "t9", got.Message.ThreadId)
	assert.NotEmpty(t, got.Message.Raw)
}

func TestGmailFindThreadNone(t *testing.T) {
	m := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), "to:owner@shop.com")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"resultSizeEstimate":0}`)
	})

	ref, err := m.FindThread(context.Background(), "owner@shop.com")
	require.NoError(t, err)
	assert.Equal(t, "", ref)
}

type fakeIMAP struct {
	selected string
	appended []string
	flags    []string
	messages []*imap.Message
	criteria *imap.SearchCriteria
}

func (f *fakeIMAP) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.selected = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (f *fakeIMAP) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.criteria = criteria
	var nums []uint32
	for i := range f.messages {
		nums = append(nums, uint32(i+1))
	}
	return nums, nil
}

func (f *fakeIMAP) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	for _, m := range f.messages {
		ch <- m
	}
	return nil
}

func (f *fakeIMAP) Append(mbox string, flags []string, date time.Time, msg imap.Literal) error {
	b, err := io.ReadAll(msg)
	if err != nil {
		return err
	}
	f.selected = mbox
	f.flags = flags
	f.appended = append(f.appended, string(b))
	return nil
}

func (f *fakeIMAP) Logout() error { return nil }

func testIMAPConfig() config.IMAPConfig {
	return config.IMAPConfig{
		User:          "me@example.com",
		Inbox:         "INBOX",
		DraftsMailbox: "Drafts",
		SentMailbox:   "Sent",
		Aliases:       []string{"Sales@Example.com"},
	}
}

func TestIMAPCreateDraft(t *testing.T) {
	fake := &fakeIMAP{}
	m := newIMAPMailer(fake, testIMAPConfig())

	ref, err := m.CreateDraft(context.Background(), "", Content{To: "owner@shop.com", Subject: "Hello", Body: "Hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "<") && strings.HasSuffix(ref, "@example.com>"), ref)
	assert.Equal(t, "Drafts", fake.selected)
	assert.Equal(t, []string{imap.DraftFlag}, fake.flags)
	require.Len(t, fake.appended, 1)
	assert.Contains(t, fake.appended[0], "Message-ID: "+ref)

	next, err := m.CreateDraft(context.Background(), ref, Content{To: "owner@shop.com", Subject: "Re: Hello", Body: "Ping"})
	require.NoError(t, err)
	assert.Equal(t, ref, next)
	assert.Contains(t, fake.appended[1], "In-Reply-To: "+ref)
}

func TestIMAPListMessages(t *testing.T) {
	// servers answer BODY.PEEK[HEADER] as BODY[HEADER]
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}}
	header := "From: Owner <owner@shop.com>\r\nAuto-Submitted: no\r\nIn-Reply-To: <first@example.com>\r\n\r\n"

	msg := imap.NewMessage(1, []imap.FetchItem{imap.FetchEnvelope})
	msg.Envelope = &imap.Envelope{
		Subject:   "Re: Hello",
		MessageId: "<reply@shop.com>",
		Date:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		From:      []*imap.Address{{PersonalName: "Owner", MailboxName: "owner", HostName: "shop.com"}},
	}
	msg.Body = map[*imap.BodySectionName]imap.Literal{section: bytes.NewBufferString(header)}

	fake := &fakeIMAP{messages: []*imap.Message{msg}}
	m := newIMAPMailer(fake, testIMAPConfig())

	messages, err := m.ListMessages(context.Background(), "<first@example.com>")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "INBOX", fake.selected)
	assert.Equal(t, "<reply@shop.com>", messages[0].ID)
	assert.Equal(t, "owner@shop.com", messages[0].From)
	assert.Equal(t, "<first@example.com>", messages[0].ThreadID)
	assert.Equal(t, "no", messages[0].Header("Auto-Submitted"))
	require.Len(t, fake.criteria.Or, 1)
}

func TestIMAPOwnAddresses(t *testing.T) {
	m := newIMAPMailer(&fakeIMAP{}, testIMAPConfig())
	addrs, err := m.OwnAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"me@example.com", "sales@example.com"}, addrs)
}

// stuckIMAP is a server that never answers a search until released
type stuckIMAP struct {
	*fakeIMAP
	release chan struct{}
}

func (s *stuckIMAP) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	<-s.release
	return s.fakeIMAP.Search(criteria)
}

func TestIMAPCallsHonorDeadline(t *testing.T) {
	fake := &stuckIMAP{fakeIMAP: &fakeIMAP{}, release: make(chan struct{})}
	m := newIMAPMailer(fake, testIMAPConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := m.ListMessages(ctx, "<first@example.com>")
	assert.ErrorIs(t, err, lead.ErrCollaboratorTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// the connection is still busy with the abandoned search
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = m.CreateDraft(ctx2, "", Content{To: "owner@shop.com", Subject: "Hello", Body: "Hi"})
	assert.ErrorIs(t, err, lead.ErrCollaboratorTimeout)

	close(fake.release)
	messages, err := m.ListMessages(context.Background(), "<first@example.com>")
	require.NoError(t, err)
	assert.Empty(t, messages)
}
