// Package claim grants at-most-one delivery attempt per dedupe key across
// concurrent and repeated scan runs. A claim is a single-key compare-and-set
// on the data store, not a lock: losing the race is the normal outcome for a
// re-run inside the same trigger window.
package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Claim states. StatusSent is terminal and never reclaimed. StatusSending is
// reclaimable once stale. StatusFailed marks a permanent failure;
// StatusTransient marks one a future run may retry.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusTransient = "transient"
)

// StaleAfter is how old a sending claim must be before another worker may
// assume its holder crashed and reclaim it.
const StaleAfter = 5 * time.Minute

// Record is the persisted state of one claim.
type Record struct {
	Status       string `json:"status"`
	TS           int64  `json:"ts"` // unix millis
	DedupeKey    string `json:"dedupeKey,omitempty"`
	SuccessCount int    `json:"successCount,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
}

// Updater is the store's single-key compare-and-set primitive. fn returning
// nil bytes declines the update.
type Updater interface {
	Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error)) (bool, error)
	WriteJSON(ctx context.Context, key string, v any) error
}

// Store wraps the data store's atomic primitive into claim semantics.
type Store struct {
	store  Updater
	logger *slog.Logger
	now    func() time.Time
}

// New creates a claim store.
func New(store Updater, logger *slog.Logger) *Store {
	return &Store{store: store, logger: logger, now: time.Now}
}

// Claim attempts to win the right to deliver for key. Declines when the key
// was already sent, or when another worker holds a fresh sending claim.
// Stale sending claims, failed and transient records are all reclaimable.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	now := s.now()
	won, err := s.store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if cur != nil {
			var rec Record
			if err := json.Unmarshal(cur, &rec); err == nil {
				if rec.Status == StatusSent {
					return nil, nil
				}
				if rec.Status == StatusSending && now.UnixMilli()-rec.TS < StaleAfter.Milliseconds() {
					return nil, nil
				}
			}
			// Unparseable records are treated as abandoned and overwritten.
		}
		return json.Marshal(Record{Status: StatusSending, TS: now.UnixMilli()})
	})
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return won, nil
}

// MarkSent records a successful delivery. Terminal.
func (s *Store) MarkSent(ctx context.Context, key, dedupeKey string, successCount int) {
	rec := Record{
		Status:       StatusSent,
		TS:           s.now().UnixMilli(),
		DedupeKey:    dedupeKey,
		SuccessCount: successCount,
	}
	if err := s.store.WriteJSON(ctx, key, rec); err != nil {
		s.logger.Warn("Failed to mark claim sent", "key", key, "error", err)
	}
}

// MarkFailed records a failed delivery. A permanent status code ends the
// claim; anything else leaves it transient so a future run may reclaim it.
func (s *Store) MarkFailed(ctx context.Context, key, dedupeKey string, statusCode int) {
	status := StatusTransient
	if Permanent(statusCode) {
		status = StatusFailed
	}
	rec := Record{
		Status:     status,
		TS:         s.now().UnixMilli(),
		DedupeKey:  dedupeKey,
		StatusCode: statusCode,
	}
	if err := s.store.WriteJSON(ctx, key, rec); err != nil {
		s.logger.Warn("Failed to mark claim failed", "key", key, "error", err)
	}
}

// Permanent reports whether a push status code means the target is gone for
// good and retrying can never succeed.
func Permanent(statusCode int) bool {
	return statusCode == http.StatusNotFound || statusCode == http.StatusGone
}
