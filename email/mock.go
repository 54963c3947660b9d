package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MockProvider is a mock email provider for local development and tests. It
// records every message instead of sending it.
type MockProvider struct {
	logger *slog.Logger
	fail   map[string]bool
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
		fail:   make(map[string]bool),
	}
}

// FailFor makes every later send to addr return an error.
func (m *MockProvider) FailFor(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[strings.ToLower(addr)] = true
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail[strings.ToLower(msg.To)] {
		return fmt.Errorf("mock delivery to %s refused", msg.To)
	}

	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"body_length", len(msg.HTML),
		"attachments", len(msg.Attachments))
	m.sent = append(m.sent, *msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the recorded messages addressed to addr.
func (m *MockProvider) SentTo(addr string) []Message {
	var out []Message
	for _, msg := range m.Sent() {
		if strings.EqualFold(msg.To, addr) {
			out = append(out, msg)
		}
	}
	return out
}
