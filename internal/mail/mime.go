package mail

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// composeMIME renders content as an RFC 5322 message. inReplyTo threads the
// message under an earlier Message-ID when it is not empty.
func composeMIME(from string, content Content, messageID, inReplyTo string, now time.Time) ([]byte, error) {
	m := gomail.NewMessage()
	if from != "" {
		m.SetHeader("From", from)
	}
	m.SetHeader("To", content.To)
	m.SetHeader("Subject", content.Subject)
	m.SetDateHeader("Date", now)
	if messageID != "" {
		m.SetHeader("Message-ID", messageID)
	}
	if inReplyTo != "" {
		m.SetHeader("In-Reply-To", inReplyTo)
		m.SetHeader("References", inReplyTo)
	}
	m.SetBody("text/plain", content.Body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), nil
}
