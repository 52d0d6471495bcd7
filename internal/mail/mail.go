package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"lead-nurture-go/internal/lead"
)

// Message is one message of an email conversation
type Message struct {
	ID       string            `json:"id"`
	ThreadID string            `json:"thread_id"`
	From     string            `json:"from"`
	Subject  string            `json:"subject"`
	Date     time.Time         `json:"date"`
	Headers  map[string]string `json:"headers"`
	Labels   []string          `json:"labels,omitempty"`
}

// Header returns a header value regardless of its canonical casing
func (m Message) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// HasLabel reports whether the provider tagged the message with label
func (m Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Content is a rendered outreach email
type Content struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer is the mail collaborator the lifecycle core talks to
type Mailer interface {
	// CreateDraft creates a draft, on threadRef when it is not empty, and
	// returns the thread reference of the conversation.
	CreateDraft(ctx context.Context, threadRef string, content Content) (string, error)
	// ListMessages returns every message of the conversation
	ListMessages(ctx context.Context, threadRef string) ([]Message, error)
	// FindThread locates the latest outreach conversation with an address.
	// It returns an empty reference when there is none.
	FindThread(ctx context.Context, contactEmail string) (string, error)
	// OwnAddresses lists the addresses the sending account sends as
	OwnAddresses(ctx context.Context) ([]string, error)
	Close() error
}

var addressPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)

// ParseAddress extracts the bare lower-cased address from a From-style value
// such as "Jane Doe <jane@example.com>".
func ParseAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address)
	}
	if m := addressPattern.FindString(value); m != "" {
		return strings.ToLower(m)
	}
	return strings.ToLower(value)
}

// wrapCallError maps deadline errors onto the lead error taxonomy
func wrapCallError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, lead.ErrCollaboratorTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
