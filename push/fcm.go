package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"countdown-reminders/pkg/reminder"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCM token error codes that mean the registration is dead and the token
// must be pruned.
const (
	fcmErrNotRegistered       = "NotRegistered"
	fcmErrInvalidRegistration = "InvalidRegistration"
)

// FCMClient sends notifications through the FCM HTTP API as a single
// multicast request carrying every token.
type FCMClient struct {
	serverKey string
	client    *http.Client
	logger    *slog.Logger
}

// NewFCMClient creates an FCM token channel.
func NewFCMClient(serverKey string, logger *slog.Logger) *FCMClient {
	return &FCMClient{
		serverKey: serverKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

type fcmSendRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data"`
	Priority        string            `json:"priority"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

type fcmSendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// SendMulticast delivers one payload to every token in a single request and
// reports the per-token outcome. Tokens the service reports as no longer
// registered come back in InvalidTokens for the caller to prune.
func (c *FCMClient) SendMulticast(ctx context.Context, tokens []string, p *reminder.Payload) (*MulticastResult, error) {
	reqBody := fcmSendRequest{
		RegistrationIDs: tokens,
		Notification: fcmNotification{
			Title: p.Title,
			Body:  p.Body,
			Tag:   p.Tag,
		},
		Data: map[string]string{
			"url":         p.URL,
			"completeUrl": p.CompleteURL,
			"tag":         p.Tag,
			"dedupeKey":   p.DedupeKey,
		},
		Priority: "high",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Info("FCM request starting",
		"method", "POST",
		"endpoint", "fcm/send",
		"tokens", len(tokens),
		"tag", p.Tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fcmEndpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.serverKey)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("FCM request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, fmt.Errorf("send multicast: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("FCM returned non-2xx status",
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var sendResp fcmSendResponse
	if err := json.Unmarshal(respData, &sendResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := &MulticastResult{
		SuccessCount: sendResp.Success,
		FailureCount: sendResp.Failure,
	}
	for i, r := range sendResp.Results {
		if i >= len(tokens) {
			break
		}
		if r.Error == fcmErrNotRegistered || r.Error == fcmErrInvalidRegistration {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	c.logger.Info("FCM request completed",
		"endpoint", "fcm/send",
		"duration_ms", duration.Milliseconds(),
		"success", result.SuccessCount,
		"failure", result.FailureCount)

	return result, nil
}
