package push

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"countdown-reminders/pkg/reminder"
)

// WebPushClient sends notifications to individual Web Push subscriptions,
// authenticated with VAPID keys.
type WebPushClient struct {
	subscriber string
	publicKey  string
	privateKey string
	logger     *slog.Logger
}

// NewWebPushClient creates a Web Push subscription channel.
func NewWebPushClient(subscriber, publicKey, privateKey string, logger *slog.Logger) *WebPushClient {
	return &WebPushClient{
		subscriber: subscriber,
		publicKey:  publicKey,
		privateKey: privateKey,
		logger:     logger,
	}
}

// Send pushes body to one subscription. A non-2xx answer from the push
// service is returned as *StatusError; 404 and 410 mean the subscription is
// gone and the caller should prune it.
func (c *WebPushClient) Send(ctx context.Context, sub *reminder.PushSubscription, body []byte) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	startTime := time.Now()
	resp, err := webpush.SendNotificationWithContext(ctx, body, s, &webpush.Options{
		Subscriber:      c.subscriber,
		VAPIDPublicKey:  c.publicKey,
		VAPIDPrivateKey: c.privateKey,
		TTL:             300,
		Urgency:         webpush.UrgencyHigh,
	})
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Web push request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("send notification: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("Web push request completed",
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return nil
}
