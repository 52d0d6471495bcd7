package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"lead-nurture-go/internal/mail"
)

const contact = "owner@plumbing.com"

func msg(from, subject string, headers map[string]string, labels ...string) mail.Message {
	if headers == nil {
		headers = map[string]string{}
	}
	return mail.Message{From: from, Subject: subject, Headers: headers, Labels: labels}
}

func TestClassify(t *testing.T) {
	c := New([]string{"Sales <me@outreach.io>", "alias@outreach.io"})
	outbound := msg("me@outreach.io", "Missed calls?", nil, "SENT")

	tests := []struct {
		name   string
		thread []mail.Message
		want   Verdict
	}{
		{"empty thread", nil, NoReply},
		{"only our own message", []mail.Message{outbound}, NoReply},
		{"self-sent copy from alias", []mail.Message{outbound, msg("Alias <alias@outreach.io>", "Missed calls?", nil, "INBOX")}, NoReply},
		{"genuine reply", []mail.Message{outbound, msg("Bob <Owner@Plumbing.com>", "Re: Missed calls?", nil, "INBOX")}, Reply},
		{"contact message labelled sent", []mail.Message{msg(contact, "Re: Missed calls?", nil, "SENT")}, NoReply},
		{"out of office", []mail.Message{outbound, msg(contact, "Out of Office: back Monday", nil)}, Ambiguous},
		{"auto-submitted header", []mail.Message{outbound, msg(contact, "Re: Missed calls?", map[string]string{"Auto-Submitted": "auto-replied"})}, Ambiguous},
		{"auto-submitted no is human", []mail.Message{outbound, msg(contact, "Re: Missed calls?", map[string]string{"Auto-Submitted": "no"})}, Reply},
		{"bounce", []mail.Message{outbound, msg("MAILER-DAEMON@google.com", "Delivery Status Notification (Failure)", nil)}, Ambiguous},
		{"someone else answered", []mail.Message{outbound, msg("office@plumbing.com", "Re: Missed calls?", nil)}, Ambiguous},
		{"reply after auto-responder", []mail.Message{
			outbound,
			msg(contact, "Automatic reply: Missed calls?", nil),
			msg(contact, "Re: Missed calls?", nil),
		}, Reply},
		{"no sender", []mail.Message{msg("", "Re: Missed calls?", nil)}, NoReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.thread, contact)
			assert.Equal(t, tt.want, got, got.String())
			assert.Equal(t, tt.want == Reply, c.HasGenuineReply(tt.thread, contact))
		})
	}
}

func TestAmbiguousNeverCountsAsReply(t *testing.T) {
	c := New([]string{"me@outreach.io"})
	thread := []mail.Message{msg(contact, "Re: hi", map[string]string{"Precedence": "bulk"})}
	assert.Equal(t, Ambiguous, c.Classify(thread, contact))
	assert.False(t, c.HasGenuineReply(thread, contact))
}

func TestMissingContactAddress(t *testing.T) {
	c := New([]string{"me@outreach.io"})
	thread := []mail.Message{msg(contact, "Re: hi", nil)}
	assert.Equal(t, Ambiguous, c.Classify(thread, ""))
}

func TestIsAutomated(t *testing.T) {
	assert.True(t, IsAutomated(msg(contact, "hi", map[string]string{"X-Autoreply": "yes"})))
	assert.True(t, IsAutomated(msg(contact, "hi", map[string]string{"Return-Path": "<>"})))
	assert.True(t, IsAutomated(msg("noreply@plumbing.com", "hi", nil)))
	assert.True(t, IsAutomated(msg(contact, "Re: Undeliverable: hi", nil)))
	assert.False(t, IsAutomated(msg(contact, "Re: hi", map[string]string{"Precedence": "normal"})))
}
