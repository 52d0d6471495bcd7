package classifier

import (
	"strings"

	"lead-nurture-go/internal/mail"
)

// Verdict is the outcome of classifying a thread
type Verdict int

const (
	// NoReply means nothing in the thread came from the lead
	NoReply Verdict = iota
	// Reply means the lead wrote back in person
	Reply
	// Ambiguous means something came back but it cannot be attributed to
	// the lead with confidence. It is treated as no reply.
	Ambiguous
)

func (v Verdict) String() string {
	switch v {
	case Reply:
		return "reply"
	case Ambiguous:
		return "ambiguous"
	default:
		return "no_reply"
	}
}

var autoSubjectPrefixes = []string{
	"out of office",
	"out of the office",
	"automatic reply",
	"auto reply",
	"autoreply",
	"auto-reply",
	"auto:",
	"away:",
	"undeliverable",
	"undelivered mail",
	"delivery status notification",
	"mail delivery failed",
	"mail delivery failure",
	"delivery failure",
	"returned mail",
	"failure notice",
}

var autoSenderLocalParts = []string{"mailer-daemon", "postmaster", "no-reply", "noreply", "do-not-reply", "donotreply"}

// Classifier decides whether a thread holds a genuine reply from a lead
type Classifier struct {
	own map[string]struct{}
}

// New creates a classifier for an account sending as ownAddresses
func New(ownAddresses []string) *Classifier {
	own := make(map[string]struct{}, len(ownAddresses))
	for _, a := range ownAddresses {
		if addr := mail.ParseAddress(a); addr != "" {
			own[addr] = struct{}{}
		}
	}
	return &Classifier{own: own}
}

// HasGenuineReply reports whether thread contains a reply from contactEmail
func (c *Classifier) HasGenuineReply(thread []mail.Message, contactEmail string) bool {
	return c.Classify(thread, contactEmail) == Reply
}

// Classify inspects every message of a thread. One genuine message from the
// contact makes the verdict Reply; otherwise anything that did not come from
// the account itself makes it Ambiguous.
func (c *Classifier) Classify(thread []mail.Message, contactEmail string) Verdict {
	contact := mail.ParseAddress(contactEmail)
	verdict := NoReply

	for _, msg := range thread {
		sender := mail.ParseAddress(msg.From)
		if sender == "" || c.isOwn(sender) || msg.HasLabel("SENT") || msg.HasLabel("DRAFT") {
			continue
		}

		if contact != "" && sender == contact && !IsAutomated(msg) {
			return Reply
		}
		verdict = Ambiguous
	}
	return verdict
}

func (c *Classifier) isOwn(addr string) bool {
	_, ok := c.own[addr]
	return ok
}

// IsAutomated reports whether a message looks like a bounce or auto-responder
func IsAutomated(msg mail.Message) bool {
	if v := strings.ToLower(strings.TrimSpace(msg.Header("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	if msg.Header("X-Autoreply") != "" || msg.Header("X-Autorespond") != "" || msg.Header("X-Failed-Recipients") != "" {
		return true
	}
	// Exchange sets this on its own auto-replies
	if msg.Header("X-Auto-Response-Suppress") != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(msg.Header("Precedence"))) {
	case "bulk", "junk", "auto_reply", "list":
		return true
	}
	if strings.TrimSpace(msg.Header("Return-Path")) == "<>" {
		return true
	}

	sender := mail.ParseAddress(msg.From)
	if at := strings.Index(sender, "@"); at > 0 {
		local := sender[:at]
		for _, p := range autoSenderLocalParts {
			if local == p {
				return true
			}
		}
	}

	subject := strings.ToLower(strings.TrimSpace(msg.Subject))
	subject = strings.TrimPrefix(subject, "re: ")
	for _, p := range autoSubjectPrefixes {
		if strings.HasPrefix(subject, p) {
			return true
		}
	}
	return false
}
