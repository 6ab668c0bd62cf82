package scan

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"countdown-reminders/claim"
	"countdown-reminders/pkg/reminder"
	"countdown-reminders/push"
	"countdown-reminders/store"
)

type countingTokenChannel struct {
	calls int
}

func (c *countingTokenChannel) SendMulticast(_ context.Context, tokens []string, _ *reminder.Payload) (*push.MulticastResult, error) {
	c.calls++
	return &push.MulticastResult{SuccessCount: len(tokens)}, nil
}

// TestEndToEnd wires the real store, claim, and notifier layers over local
// storage: the first run delivers once, a re-run shortly after skips without
// touching the transport again.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	st := store.New(nil, "", t.TempDir(), logger)
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := st.WriteJSON(ctx, "users/u1/profile.json", map[string]any{
		"fcmTokens": map[string]bool{"fcm-token-long-enough-0000000001": true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.WriteJSON(ctx, "users/u1/tasks.json", map[string]any{
		"t1": map[string]any{"title": "Homework", "dueDate": "2026-03-01T10:00:00Z", "reminder": 30},
	}); err != nil {
		t.Fatal(err)
	}

	tokens := &countingTokenChannel{}
	notifier := push.New(tokens, push.NewMockSubscriptionChannel(logger), claim.New(st, logger), st, logger)

	s := New(&Config{
		Store:    st,
		Notifier: notifier,
		Logger:   logger,
		AppURL:   "https://countdown.example",
		Location: time.UTC,
	})
	s.now = func() time.Time { return now }

	first, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if first.Sent != 1 || first.Skipped != 0 || first.Failed != 0 {
		t.Errorf("first run = %+v, want 1 sent", first)
	}
	if tokens.calls != 1 {
		t.Errorf("transport calls after first run = %d, want 1", tokens.calls)
	}

	// Claim record ends terminal.
	hash := reminder.HashKey("task|u1|t1|2026-03-01T10:00:00Z|30")
	var rec claim.Record
	if err := st.ReadJSON(ctx, store.TokenClaimKey("u1", hash), &rec); err != nil {
		t.Fatalf("claim record not written: %v", err)
	}
	if rec.Status != claim.StatusSent || rec.SuccessCount != 1 {
		t.Errorf("claim record = %+v, want sent with successCount 1", rec)
	}

	// Re-run 10 seconds later: skipped, no extra transport call.
	s.now = func() time.Time { return now.Add(10 * time.Second) }
	second, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.Sent != 0 || second.Skipped != 1 {
		t.Errorf("second run = %+v, want 1 skipped", second)
	}
	if tokens.calls != 1 {
		t.Errorf("transport calls after second run = %d, want still 1", tokens.calls)
	}
}

// TestEndToEndMalformedRecords seeds corrupt client data next to healthy
// reminders. The run must deliver the healthy ones; a legacy string offset
// still fires, and a structurally broken record only costs itself.
func TestEndToEndMalformedRecords(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	st := store.New(nil, "", t.TempDir(), logger)
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := st.WriteJSON(ctx, "users/u1/profile.json", map[string]any{
		"fcmTokens": map[string]bool{"fcm-token-long-enough-0000000001": true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.WriteJSON(ctx, "users/u1/tasks.json", map[string]any{
		"t1": map[string]any{"title": "Homework", "dueDate": "2026-03-01T10:00:00Z", "reminder": 30},
	}); err != nil {
		t.Fatal(err)
	}
	// One event from an old client with a string offset, one with a field of
	// the wrong shape entirely.
	if err := st.WriteJSON(ctx, "events.json", map[string]any{
		"legacy": map[string]any{"name": "Launch", "date": "2026-03-01T10:00:00Z", "reminder": "60"},
		"broken": map[string]any{"name": "Corrupt", "date": "2026-03-01T10:00:00Z", "reminder": map[string]any{}},
	}); err != nil {
		t.Fatal(err)
	}

	tokens := &countingTokenChannel{}
	notifier := push.New(tokens, push.NewMockSubscriptionChannel(logger), claim.New(st, logger), st, logger)

	s := New(&Config{
		Store:    st,
		Notifier: notifier,
		Logger:   logger,
		AppURL:   "https://countdown.example",
		Location: time.UTC,
	})
	s.now = func() time.Time { return now }

	sum, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// The task plus the legacy event for u1. The broken record delivers
	// nothing but must not take the run down with it.
	if sum.Sent != 2 || sum.Failed != 0 {
		t.Errorf("Run() = %+v, want 2 sent", sum)
	}
	if tokens.calls != 2 {
		t.Errorf("transport calls = %d, want 2", tokens.calls)
	}
}
