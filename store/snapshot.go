package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"countdown-reminders/pkg/reminder"
)

// Object keys owned by this engine. Everything lives in one bucket (or one
// local directory): per-user profile/tasks/planner objects, the shared event
// and subject collections, claim records, and no-device status records.
const (
	eventsKey   = "events.json"
	subjectsKey = "subjects.json"
)

// minTokenLength filters out truncated or garbage FCM tokens that some
// clients persisted.
const minTokenLength = 21

func profileKey(userID string) string { return "users/" + userID + "/profile.json" }
func tasksKey(userID string) string   { return "users/" + userID + "/tasks.json" }
func plannerKey(userID string) string { return "users/" + userID + "/planner.json" }

// TokenClaimKey is the claim-record key for a primary-channel send.
func TokenClaimKey(userID, dedupeHash string) string {
	return "users/" + userID + "/fcmSent/" + dedupeHash + ".json"
}

// SubscriptionClaimKey is the claim-record key for a fallback-channel send,
// scoped per device so one device's failure does not block another's.
func SubscriptionClaimKey(userID, deviceKey, dedupeHash string) string {
	return "users/" + userID + "/pushSent/" + deviceKey + "/" + dedupeHash + ".json"
}

func noDeviceKey(subjectID, taskID, userID string) string {
	return "subjects/" + subjectID + "/nodevice/" + taskID + "/" + userID + ".json"
}

// profileRecord is the stored shape of a user's device registrations. The
// client writes it; this engine only reads it and prunes dead devices.
type profileRecord struct {
	FCMTokens         map[string]bool                `json:"fcmTokens,omitempty"`
	PushSubscriptions map[string]*subscriptionRecord `json:"pushSubscriptions,omitempty"`
}

type subscriptionRecord struct {
	Sub       *reminder.PushSubscription `json:"sub"`
	UA        string                     `json:"ua,omitempty"`
	CreatedAt int64                      `json:"createdAt,omitempty"`
}

// Users loads every user and their registered devices. Users without devices
// are included; the notifier decides what a missing device set means.
func (s *Store) Users(ctx context.Context) ([]*reminder.User, error) {
	ids, err := s.listUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]*reminder.User, 0, len(ids))
	for _, id := range ids {
		var prof profileRecord
		if err := s.ReadJSON(ctx, profileKey(id), &prof); err != nil {
			if IsNotFound(err) {
				continue
			}
			s.logger.Warn("Failed to load user profile", "user", id, "error", err)
			continue
		}

		u := &reminder.User{ID: id}
		for token := range prof.FCMTokens {
			if len(token) >= minTokenLength {
				u.Tokens = append(u.Tokens, token)
			}
		}
		for key, rec := range prof.PushSubscriptions {
			if rec == nil || !rec.Sub.Valid() || !ValidComponent(key) {
				continue
			}
			if u.Subscriptions == nil {
				u.Subscriptions = make(map[string]*reminder.PushSubscription)
			}
			u.Subscriptions[key] = rec.Sub
		}
		users = append(users, u)
	}
	return users, nil
}

// Tasks loads one user's tasks. IDs come from the collection keys. A record
// that does not decode is skipped, not fatal: one corrupt task must not
// silence the rest of the user's list.
func (s *Store) Tasks(ctx context.Context, userID string) ([]*reminder.Task, error) {
	var m map[string]json.RawMessage
	if err := s.ReadJSON(ctx, tasksKey(userID), &m); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load tasks for %s: %w", userID, err)
	}
	out := make([]*reminder.Task, 0, len(m))
	for id, data := range m {
		var t reminder.Task
		if err := json.Unmarshal(data, &t); err != nil {
			s.logger.Warn("Skipping malformed task record", "user", userID, "task", id, "error", err)
			continue
		}
		t.ID = id
		out = append(out, &t)
	}
	return out, nil
}

// PlannerBlocks loads one user's planner blocks. Older clients stored the
// collection either as a bare array or wrapped in an items field; elements
// that do not decode are skipped.
func (s *Store) PlannerBlocks(ctx context.Context, userID string) ([]*reminder.PlannerBlock, error) {
	data, _, err := s.read(ctx, plannerKey(userID))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load planner for %s: %w", userID, err)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		var wrapped struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("unmarshal planner for %s: %w", userID, err)
		}
		elems = wrapped.Items
	}

	blocks := make([]*reminder.PlannerBlock, 0, len(elems))
	for i, elem := range elems {
		var b reminder.PlannerBlock
		if err := json.Unmarshal(elem, &b); err != nil {
			s.logger.Warn("Skipping malformed planner block", "user", userID, "index", i, "error", err)
			continue
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// SharedEvents loads the shared event collection, skipping records that do
// not decode. The collections are client-authored, so one malformed record is
// expected noise, never a reason to abort the run.
func (s *Store) SharedEvents(ctx context.Context) ([]*reminder.Event, error) {
	var m map[string]json.RawMessage
	if err := s.ReadJSON(ctx, eventsKey, &m); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load shared events: %w", err)
	}
	out := make([]*reminder.Event, 0, len(m))
	for id, data := range m {
		var e reminder.Event
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("Skipping malformed event record", "event", id, "error", err)
			continue
		}
		e.ID = id
		out = append(out, &e)
	}
	return out, nil
}

// subjectRecord splits the stored subject shape so one malformed task skips
// that task alone, not the whole subject.
type subjectRecord struct {
	Name    string                     `json:"name"`
	Owner   string                     `json:"owner"`
	Members map[string]bool            `json:"members,omitempty"`
	Tasks   map[string]json.RawMessage `json:"tasks,omitempty"`
}

// SharedSubjects loads the shared subject collection, tasks included.
// Malformed subjects and malformed tasks within a subject are skipped.
func (s *Store) SharedSubjects(ctx context.Context) ([]*reminder.Subject, error) {
	var m map[string]json.RawMessage
	if err := s.ReadJSON(ctx, subjectsKey, &m); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load shared subjects: %w", err)
	}
	out := make([]*reminder.Subject, 0, len(m))
	for id, data := range m {
		var rec subjectRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping malformed subject record", "subject", id, "error", err)
			continue
		}
		subj := &reminder.Subject{
			ID:      id,
			Name:    rec.Name,
			Owner:   rec.Owner,
			Members: rec.Members,
		}
		for taskID, taskData := range rec.Tasks {
			var t reminder.Task
			if err := json.Unmarshal(taskData, &t); err != nil {
				s.logger.Warn("Skipping malformed subject task", "subject", id, "task", taskID, "error", err)
				continue
			}
			t.ID = taskID
			if subj.Tasks == nil {
				subj.Tasks = make(map[string]*reminder.Task)
			}
			subj.Tasks[taskID] = &t
		}
		out = append(out, subj)
	}
	return out, nil
}

// RemoveToken prunes a token the transport reported as permanently invalid.
// Goes through the CAS primitive so it cannot clobber a concurrent
// registration by the client.
func (s *Store) RemoveToken(ctx context.Context, userID, token string) error {
	_, err := s.Update(ctx, profileKey(userID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil
		}
		var prof profileRecord
		if err := json.Unmarshal(cur, &prof); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
		if _, ok := prof.FCMTokens[token]; !ok {
			return nil, nil
		}
		delete(prof.FCMTokens, token)
		return json.MarshalIndent(prof, "", "  ")
	})
	if err != nil {
		return fmt.Errorf("remove token for %s: %w", userID, err)
	}
	s.logger.Info("Removed invalid FCM token", "user", userID)
	return nil
}

// RemoveSubscription prunes a Web Push subscription the push service reported
// as gone.
func (s *Store) RemoveSubscription(ctx context.Context, userID, deviceKey string) error {
	_, err := s.Update(ctx, profileKey(userID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil
		}
		var prof profileRecord
		if err := json.Unmarshal(cur, &prof); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
		if _, ok := prof.PushSubscriptions[deviceKey]; !ok {
			return nil, nil
		}
		delete(prof.PushSubscriptions, deviceKey)
		return json.MarshalIndent(prof, "", "  ")
	})
	if err != nil {
		return fmt.Errorf("remove subscription for %s: %w", userID, err)
	}
	s.logger.Info("Removed expired push subscription", "user", userID, "device", deviceKey)
	return nil
}

// noDeviceRecord marks a shared-subject recipient that could not be reached
// because they have no registered devices. Observability only, never a
// delivery gate; a later successful delivery clears it.
type noDeviceRecord struct {
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

// SetNoDevice records an unreachable shared-subject recipient. Best effort.
func (s *Store) SetNoDevice(ctx context.Context, subjectID, taskID, userID string) {
	if !ValidComponent(subjectID) || !ValidComponent(taskID) || !ValidComponent(userID) {
		return
	}
	rec := noDeviceRecord{Status: "no-device", TS: time.Now().UnixMilli()}
	if err := s.WriteJSON(ctx, noDeviceKey(subjectID, taskID, userID), rec); err != nil {
		s.logger.Warn("Failed to record no-device status", "subject", subjectID, "task", taskID, "user", userID, "error", err)
	}
}

// ClearNoDevice removes a previously recorded no-device status. Best effort.
func (s *Store) ClearNoDevice(ctx context.Context, subjectID, taskID, userID string) {
	if !ValidComponent(subjectID) || !ValidComponent(taskID) || !ValidComponent(userID) {
		return
	}
	if err := s.Delete(ctx, noDeviceKey(subjectID, taskID, userID)); err != nil {
		s.logger.Warn("Failed to clear no-device status", "subject", subjectID, "task", taskID, "user", userID, "error", err)
	}
}

// listUserIDs discovers users by their profile objects.
func (s *Store) listUserIDs(ctx context.Context) ([]string, error) {
	if s.localPath != "" {
		entries, err := os.ReadDir(filepath.Join(s.localPath, "users"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local users directory: %w", err)
		}
		var ids []string
		for _, entry := range entries {
			if entry.IsDir() && ValidComponent(entry.Name()) {
				ids = append(ids, entry.Name())
			}
		}
		return ids, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "users/",
	})

	var ids []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if path.Base(attrs.Name) != "profile.json" {
			continue
		}
		rest := strings.TrimPrefix(attrs.Name, "users/")
		id, _, ok := strings.Cut(rest, "/")
		if ok && ValidComponent(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
