package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"lead-nurture-go/internal/config"
)

// metadataHeaders are the headers the reply classifier looks at
var metadataHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"Auto-Submitted", "X-Autoreply", "X-Autorespond", "X-Auto-Response-Suppress",
	"Precedence", "Return-Path", "X-Failed-Recipients",
}

// GmailMailer implements Mailer using the Gmail API
type GmailMailer struct {
	service   *gmail.Service
	userEmail string
}

// TokenSource builds an OAuth2 token source from the configured refresh token
func TokenSource(ctx context.Context, cfg *config.GmailConfig, scopes ...string) oauth2.TokenSource {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}

	return oauth2Config.TokenSource(ctx, token)
}

// NewGmailMailer creates a new Gmail API mailer
func NewGmailMailer(ctx context.Context, cfg *config.GmailConfig) (*GmailMailer, error) {
	ts := TokenSource(ctx, cfg, gmail.GmailComposeScope, gmail.GmailReadonlyScope)

	service, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return NewGmailMailerWithService(service, cfg.UserEmail), nil
}

// NewGmailMailerWithService wraps an existing Gmail service
func NewGmailMailerWithService(service *gmail.Service, userEmail string) *GmailMailer {
	if userEmail == "" {
		userEmail = "me"
	}
	return &GmailMailer{service: service, userEmail: userEmail}
}

// CreateDraft creates a draft, threaded under threadRef when it is set
func (m *GmailMailer) CreateDraft(ctx context.Context, threadRef string, content Content) (string, error) {
	inReplyTo := ""
	if threadRef != "" {
		inReplyTo = m.lastMessageID(ctx, threadRef)
	}

	from := ""
	if m.userEmail != "me" {
		from = m.userEmail
	}
	raw, err := composeMIME(from, content, "", inReplyTo, time.Now())
	if err != nil {
		return "", err
	}

	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: threadRef,
		},
	}

	created, err := m.service.Users.Drafts.Create(m.userEmail, draft).Context(ctx).Do()
	if err != nil {
		return "", wrapCallError(ctx, "failed to create draft", err)
	}

	ref := threadRef
	if created.Message != nil && created.Message.ThreadId != "" {
		ref = created.Message.ThreadId
	}
	logrus.WithFields(logrus.Fields{"draft_id": created.Id, "thread": ref}).Info("Created Gmail draft")
	return ref, nil
}

// ListMessages returns the messages of a Gmail thread
func (m *GmailMailer) ListMessages(ctx context.Context, threadRef string) ([]Message, error) {
	thread, err := m.service.Users.Threads.Get(m.userEmail, threadRef).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapCallError(ctx, "failed to get thread", err)
	}

	messages := make([]Message, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		messages = append(messages, parseGmailMessage(msg))
	}
	return messages, nil
}

// FindThread finds the most recent message sent to contactEmail and returns its thread
func (m *GmailMailer) FindThread(ctx context.Context, contactEmail string) (string, error) {
	query := fmt.Sprintf("to:%s in:sent", contactEmail)

	resp, err := m.service.Users.Messages.List(m.userEmail).Q(query).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", wrapCallError(ctx, "failed to search sent messages", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ThreadId, nil
}

// OwnAddresses returns the profile address and every send-as alias
func (m *GmailMailer) OwnAddresses(ctx context.Context) ([]string, error) {
	profile, err := m.service.Users.GetProfile(m.userEmail).Context(ctx).Do()
	if err != nil {
		return nil, wrapCallError(ctx, "failed to get Gmail profile", err)
	}
	addresses := []string{strings.ToLower(profile.EmailAddress)}

	aliases, err := m.service.Users.Settings.SendAs.List(m.userEmail).Context(ctx).Do()
	if err != nil {
		logrus.Warnf("Failed to list send-as aliases: %v", err)
		return addresses, nil
	}
	for _, alias := range aliases.SendAs {
		addr := strings.ToLower(alias.SendAsEmail)
		if addr != "" && addr != addresses[0] {
			addresses = append(addresses, addr)
		}
	}
	return addresses, nil
}

// lastMessageID returns the Message-ID header of the newest message in a
// thread so the draft carries proper reply headers. Failures only cost the
// headers, the draft still lands on the thread id.
func (m *GmailMailer) lastMessageID(ctx context.Context, threadRef string) string {
	messages, err := m.ListMessages(ctx, threadRef)
	if err != nil || len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Header("Message-ID")
}

// Close closes the Gmail mailer (no-op for Gmail API)
func (m *GmailMailer) Close() error {
	return nil
}

// parseGmailMessage maps a Gmail API message onto Message
func parseGmailMessage(msg *gmail.Message) Message {
	message := Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
		Labels:   msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		message.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return message
	}

	for _, header := range msg.Payload.Headers {
		message.Headers[header.Name] = header.Value

		switch strings.ToLower(header.Name) {
		case "subject":
			message.Subject = header.Value
		case "from":
			message.From = header.Value
		case "date":
			if message.Date.IsZero() {
				if t, err := mail.ParseDate(header.Value); err == nil {
					message.Date = t
				}
			}
		}
	}
	return message
}
