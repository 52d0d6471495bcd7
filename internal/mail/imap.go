package mail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/config"
)

// imapClient is the subset of the go-imap client the mailer uses
type imapClient interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
	Logout() error
}

// IMAPMailer implements Mailer over IMAP. Thread references are the
// Message-ID of the first outreach message.
type IMAPMailer struct {
	client imapClient
	cfg    config.IMAPConfig
	// conn holds a token while a command is in flight on the connection.
	// A command abandoned at its deadline keeps the token until the server
	// answers or the client timeout fires.
	conn    chan struct{}
	now     func() time.Time
	aliases []string
}

// NewIMAPMailer connects and logs in to the configured IMAP server
func NewIMAPMailer(cfg *config.IMAPConfig) (*IMAPMailer, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	c.Timeout = cfg.Timeout

	if err := c.Login(cfg.User, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return newIMAPMailer(c, *cfg), nil
}

func newIMAPMailer(c imapClient, cfg config.IMAPConfig) *IMAPMailer {
	aliases := []string{strings.ToLower(cfg.User)}
	for _, a := range cfg.Aliases {
		aliases = append(aliases, strings.ToLower(a))
	}
	return &IMAPMailer{
		client:  c,
		cfg:     cfg,
		conn:    make(chan struct{}, 1),
		now:     time.Now,
		aliases: aliases,
	}
}

// call runs fn on the connection and gives up when ctx is done. The go-imap
// client takes no context, so fn keeps running in the background until
// the server answers.
func (m *IMAPMailer) call(ctx context.Context, op string, fn func() error) error {
	select {
	case m.conn <- struct{}{}:
	case <-ctx.Done():
		return wrapCallError(ctx, op, ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-m.conn }()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return wrapCallError(ctx, op, err)
		}
		return nil
	case <-ctx.Done():
		logrus.WithField("op", op).Warn("IMAP command abandoned at deadline")
		return wrapCallError(ctx, op, ctx.Err())
	}
}

// CreateDraft appends a draft to the drafts mailbox
func (m *IMAPMailer) CreateDraft(ctx context.Context, threadRef string, content Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", wrapCallError(ctx, "failed to create draft", err)
	}

	messageID := m.newMessageID()
	raw, err := composeMIME(m.cfg.User, content, messageID, threadRef, m.now())
	if err != nil {
		return "", err
	}

	date := m.now()
	err = m.call(ctx, "failed to append draft", func() error {
		return m.client.Append(m.cfg.DraftsMailbox, []string{imap.DraftFlag}, date, bytes.NewBuffer(raw))
	})
	if err != nil {
		return "", err
	}

	ref := threadRef
	if ref == "" {
		ref = messageID
	}
	logrus.WithFields(logrus.Fields{"message_id": messageID, "thread": ref}).Info("Created IMAP draft")
	return ref, nil
}

// ListMessages returns inbox messages that reply to the thread's first message
func (m *IMAPMailer) ListMessages(ctx context.Context, threadRef string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapCallError(ctx, "failed to list messages", err)
	}

	inReplyTo := imap.NewSearchCriteria()
	inReplyTo.Header.Add("In-Reply-To", threadRef)
	references := imap.NewSearchCriteria()
	references.Header.Add("References", threadRef)

	criteria := imap.NewSearchCriteria()
	criteria.Or = [][2]*imap.SearchCriteria{{inReplyTo, references}}

	var messages []Message
	err := m.call(ctx, "failed to list messages", func() (err error) {
		messages, err = m.searchAndFetch(m.cfg.Inbox, criteria, threadRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// FindThread returns the Message-ID of the newest message sent to contactEmail
func (m *IMAPMailer) FindThread(ctx context.Context, contactEmail string) (string, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("To", contactEmail)

	var messages []Message
	err := m.call(ctx, "failed to find thread", func() (err error) {
		messages, err = m.searchAndFetch(m.cfg.SentMailbox, criteria, "")
		return err
	})
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Date.Before(messages[j].Date) })
	return messages[len(messages)-1].ID, nil
}

// OwnAddresses returns the login address and configured aliases
func (m *IMAPMailer) OwnAddresses(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.aliases...), nil
}

// Close logs out of the IMAP server once the connection is idle
func (m *IMAPMailer) Close() error {
	m.conn <- struct{}{}
	defer func() { <-m.conn }()
	return m.client.Logout()
}

func (m *IMAPMailer) searchAndFetch(mailbox string, criteria *imap.SearchCriteria, threadRef string) ([]Message, error) {
	if _, err := m.client.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}

	seqNums, err := m.client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(seqNums) == 0 {
		return []Message{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}

	ch := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- m.client.Fetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		message, err := parseIMAPMessage(msg, section)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message %d: %v", msg.SeqNum, err)
			continue
		}
		message.ThreadID = threadRef
		messages = append(messages, message)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

func (m *IMAPMailer) newMessageID() string {
	domain := "localhost"
	if at := strings.LastIndex(m.cfg.User, "@"); at >= 0 && at < len(m.cfg.User)-1 {
		domain = m.cfg.User[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// parseIMAPMessage maps an IMAP envelope plus raw header section onto Message
func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	message := Message{
		Headers: make(map[string]string),
		Labels:  msg.Flags,
	}

	if msg.Envelope != nil {
		message.ID = msg.Envelope.MessageId
		message.Subject = msg.Envelope.Subject
		message.Date = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			message.From = msg.Envelope.From[0].Address()
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return message, nil
	}

	header, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return message, fmt.Errorf("failed to read header: %w", err)
	}

	fields := header.Fields()
	for fields.Next() {
		if _, ok := message.Headers[fields.Key()]; !ok {
			message.Headers[fields.Key()] = fields.Value()
		}
	}
	if message.From == "" {
		message.From = header.Get("From")
	}
	if message.ID == "" {
		message.ID = header.Get("Message-Id")
	}
	return message, nil
}
