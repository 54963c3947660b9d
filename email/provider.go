// Package email renders digests and operator reports and sends them through
// pluggable providers.
package email

import (
	"context"
	"strings"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers one message. Text may be empty.
	Send(ctx context.Context, msg *Message) error
}

// Message is a rendered email ready for a provider.
type Message struct {
	To          string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// sanitizeEmailHeader removes CR, LF and other control characters so header
// values cannot inject extra headers.
func sanitizeEmailHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
