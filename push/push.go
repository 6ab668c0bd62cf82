// Package push delivers reminder notifications across two channels: FCM
// token multicast (primary) and Web Push subscriptions (fallback). Every send
// goes through the claim store first, which is what makes repeated and
// overlapping scan runs safe.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"countdown-reminders/claim"
	"countdown-reminders/pkg/reminder"
	"countdown-reminders/store"
)

// StatusError carries the HTTP status a push service answered with, so
// callers can classify the failure as permanent or transient.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("push: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("push: HTTP %d", e.StatusCode)
}

// StatusOf extracts the status code from an error chain. Zero means the
// failure had no HTTP status (network error, timeout) and is treated as
// transient.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// MulticastResult is the per-token outcome of one primary-channel send.
type MulticastResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// TokenChannel is the primary, token-based transport: one multicast call
// carrying all tokens, answered with a per-token outcome.
type TokenChannel interface {
	SendMulticast(ctx context.Context, tokens []string, p *reminder.Payload) (*MulticastResult, error)
}

// SubscriptionChannel is the fallback, subscription-based transport: one
// request per device, failures surfaced as *StatusError.
type SubscriptionChannel interface {
	Send(ctx context.Context, sub *reminder.PushSubscription, body []byte) error
}

// Claims is the delivery claim store.
type Claims interface {
	Claim(ctx context.Context, key string) (bool, error)
	MarkSent(ctx context.Context, key, dedupeKey string, successCount int)
	MarkFailed(ctx context.Context, key, dedupeKey string, statusCode int)
}

// DeviceRegistry prunes devices the transports reported as permanently dead.
type DeviceRegistry interface {
	RemoveToken(ctx context.Context, userID, token string) error
	RemoveSubscription(ctx context.Context, userID, deviceKey string) error
}

// Notifier sends one reminder to one user across whichever channel their
// devices support, preferring tokens.
type Notifier struct {
	tokens  TokenChannel
	subs    SubscriptionChannel
	claims  Claims
	devices DeviceRegistry
	logger  *slog.Logger

	// Fallback-channel retry policy. The primary channel's failures are
	// per-token and already batched by the transport, so it gets no local
	// retry loop.
	MaxRetries    uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// New creates a notifier with the default retry policy.
func New(tokens TokenChannel, subs SubscriptionChannel, claims Claims, devices DeviceRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{
		tokens:        tokens,
		subs:          subs,
		claims:        claims,
		devices:       devices,
		logger:        logger,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		RetryMaxDelay: 30 * time.Second,
	}
}

// Send delivers payload to every device of user, at most once per dedupe key.
// A user with no devices yields a zero result without touching the claim
// store. Every lost claim is counted in Skipped, the expected steady-state
// outcome for repeated runs inside one trigger window.
func (n *Notifier) Send(ctx context.Context, user *reminder.User, p *reminder.Payload, dedupeKey string) (reminder.DeliveryResult, error) {
	if !store.ValidComponent(user.ID) {
		return reminder.DeliveryResult{}, fmt.Errorf("invalid user id %q", user.ID)
	}

	hash := reminder.HashKey(dedupeKey)

	if len(user.Tokens) > 0 {
		return n.sendTokens(ctx, user, p, dedupeKey, hash)
	}
	if len(user.Subscriptions) > 0 {
		return n.sendSubscriptions(ctx, user, p, dedupeKey, hash)
	}
	return reminder.DeliveryResult{}, nil
}

func (n *Notifier) sendTokens(ctx context.Context, user *reminder.User, p *reminder.Payload, dedupeKey, hash string) (reminder.DeliveryResult, error) {
	key := store.TokenClaimKey(user.ID, hash)
	won, err := n.claims.Claim(ctx, key)
	if err != nil {
		return reminder.DeliveryResult{}, fmt.Errorf("claim token send: %w", err)
	}
	if !won {
		return reminder.DeliveryResult{Skipped: 1}, nil
	}

	res, err := n.tokens.SendMulticast(ctx, user.Tokens, p)
	if err != nil {
		status := StatusOf(err)
		n.logger.Warn("FCM multicast failed", "user", user.ID, "status", status, "error", err)
		n.claims.MarkFailed(ctx, key, dedupeKey, status)
		return reminder.DeliveryResult{Failed: len(user.Tokens)}, nil
	}

	for _, token := range res.InvalidTokens {
		if removeErr := n.devices.RemoveToken(ctx, user.ID, token); removeErr != nil {
			n.logger.Warn("Failed to remove invalid token", "user", user.ID, "error", removeErr)
		}
	}

	if res.SuccessCount > 0 {
		n.claims.MarkSent(ctx, key, dedupeKey, res.SuccessCount)
	} else {
		n.claims.MarkFailed(ctx, key, dedupeKey, 0)
	}

	n.logger.Info("Multicast delivered",
		"user", user.ID,
		"success", res.SuccessCount,
		"failure", res.FailureCount,
		"invalid", len(res.InvalidTokens))
	return reminder.DeliveryResult{Sent: res.SuccessCount, Failed: res.FailureCount}, nil
}

func (n *Notifier) sendSubscriptions(ctx context.Context, user *reminder.User, p *reminder.Payload, dedupeKey, hash string) (reminder.DeliveryResult, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return reminder.DeliveryResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	// Deterministic device order keeps logs and tests stable.
	keys := make([]string, 0, len(user.Subscriptions))
	for k := range user.Subscriptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result reminder.DeliveryResult
	for _, devKey := range keys {
		sub := user.Subscriptions[devKey]
		claimKey := store.SubscriptionClaimKey(user.ID, devKey, hash)
		won, claimErr := n.claims.Claim(ctx, claimKey)
		if claimErr != nil {
			n.logger.Warn("Claim failed for subscription send", "user", user.ID, "device", devKey, "error", claimErr)
			result.Failed++
			continue
		}
		if !won {
			result.Skipped++
			continue
		}

		if sendErr := n.sendOneSubscription(ctx, sub, body); sendErr != nil {
			status := StatusOf(sendErr)
			n.claims.MarkFailed(ctx, claimKey, dedupeKey, status)
			if claim.Permanent(status) {
				if removeErr := n.devices.RemoveSubscription(ctx, user.ID, devKey); removeErr != nil {
					n.logger.Warn("Failed to remove expired subscription", "user", user.ID, "device", devKey, "error", removeErr)
				}
			}
			n.logger.Warn("Web push send failed", "user", user.ID, "device", devKey, "status", status, "error", sendErr)
			result.Failed++
			continue
		}

		n.claims.MarkSent(ctx, claimKey, dedupeKey, 1)
		result.Sent++
	}
	return result, nil
}

// sendOneSubscription wraps a single fallback-channel send with bounded
// exponential backoff. Permanent statuses stop the loop immediately.
func (n *Notifier) sendOneSubscription(ctx context.Context, sub *reminder.PushSubscription, body []byte) error {
	return retry.Do(
		func() error {
			err := n.subs.Send(ctx, sub, body)
			if err == nil {
				return nil
			}
			if claim.Permanent(StatusOf(err)) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(n.MaxRetries),
		retry.Delay(n.RetryDelay),
		retry.MaxDelay(n.RetryMaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Info("Retrying web push send after error", "attempt", attempt, "error", err)
		}),
	)
}
