package push

import (
	"context"
	"log/slog"

	"countdown-reminders/pkg/reminder"
)

// MockTokenChannel logs multicast sends instead of performing them, for local
// development without FCM credentials.
type MockTokenChannel struct {
	logger *slog.Logger
}

// NewMockTokenChannel creates a mock primary channel.
func NewMockTokenChannel(logger *slog.Logger) *MockTokenChannel {
	return &MockTokenChannel{logger: logger}
}

// SendMulticast logs the send and reports every token as delivered.
func (m *MockTokenChannel) SendMulticast(_ context.Context, tokens []string, p *reminder.Payload) (*MulticastResult, error) {
	m.logger.Info("MOCK MULTICAST",
		"tokens", len(tokens),
		"title", p.Title,
		"body", p.Body,
		"tag", p.Tag)
	return &MulticastResult{SuccessCount: len(tokens)}, nil
}

// MockSubscriptionChannel logs Web Push sends instead of performing them.
type MockSubscriptionChannel struct {
	logger *slog.Logger
}

// NewMockSubscriptionChannel creates a mock fallback channel.
func NewMockSubscriptionChannel(logger *slog.Logger) *MockSubscriptionChannel {
	return &MockSubscriptionChannel{logger: logger}
}

// Send logs the send and reports success.
func (m *MockSubscriptionChannel) Send(_ context.Context, sub *reminder.PushSubscription, body []byte) error {
	m.logger.Info("MOCK WEB PUSH",
		"endpoint", sub.Endpoint,
		"body_length", len(body))
	return nil
}
