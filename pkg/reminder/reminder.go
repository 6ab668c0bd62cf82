// Package reminder contains the core domain types for the countdown reminder service.
package reminder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Minutes is a reminder lead time in minutes. Legacy client records stored it
// as a JSON string, so it decodes from either form; null and the empty string
// mean no reminder.
type Minutes int

func (m *Minutes) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*m = 0
		return nil
	}
	s = strings.TrimSpace(strings.Trim(s, `"`))
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse minutes %q: %w", s, err)
		}
		n = int(f)
	}
	*m = Minutes(n)
	return nil
}

// SubscriptionKeys holds the client encryption keys of a Web Push subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one registered Web Push endpoint (fallback channel).
type PushSubscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// Valid reports whether the subscription carries everything needed for a send.
func (s *PushSubscription) Valid() bool {
	return s != nil && s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// User is one account with its registered devices. Tokens are FCM registration
// tokens (primary channel); Subscriptions are Web Push endpoints keyed by the
// hash of their endpoint URL (fallback channel).
type User struct {
	ID            string                       `json:"id"`
	Tokens        []string                     `json:"tokens"`
	Subscriptions map[string]*PushSubscription `json:"subscriptions"`
}

// HasDevices reports whether the user can receive notifications at all.
func (u *User) HasDevices() bool {
	return len(u.Tokens) > 0 || len(u.Subscriptions) > 0
}

// Recurrence describes how a source repeats. Freq is a named cadence
// (daily, weekdays, weekly, biweekly, monthly, yearly) or "custom", in which
// case Interval and Unit (days, weeks, months, years) apply.
type Recurrence struct {
	Freq     string `json:"freq"`
	Interval int    `json:"interval,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// Event is a shared countdown event, visible to every user.
type Event struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Date                 string          `json:"date"` // ISO instant
	Notes                string          `json:"notes,omitempty"`
	ExternalID           string          `json:"externalId,omitempty"`
	Reminder             Minutes         `json:"reminder"` // minutes before start
	ReminderUserSet      bool            `json:"reminderUserSet,omitempty"`
	Repeat               *Recurrence     `json:"repeat,omitempty"`
	CompletedOccurrences map[string]bool `json:"completedOccurrences,omitempty"`
}

// Imported reports whether the event came from a calendar import. Imported
// events only remind when the user explicitly set a reminder on them.
func (e *Event) Imported() bool {
	if e.ExternalID != "" {
		return true
	}
	return containsImportedMarker(e.Notes)
}

// Task is a single user's task with an absolute due instant.
type Task struct {
	ID                   string          `json:"id"`
	Title                string          `json:"title"`
	DueDate              string          `json:"dueDate"` // ISO instant
	Reminder             Minutes         `json:"reminder"`
	Completed            bool            `json:"completed"`
	Repeat               *Recurrence     `json:"repeat,omitempty"`
	CompletedOccurrences map[string]bool `json:"completedOccurrences,omitempty"`
}

// PlannerBlock is a scheduled block of time on the weekly planner. Start times
// are wall-clock values in the planner's timezone unless StartAt is present.
type PlannerBlock struct {
	ID        string  `json:"id,omitempty"`
	Title     string  `json:"title"`
	Date      string  `json:"date,omitempty"`  // 2006-01-02
	Start     string  `json:"start,omitempty"` // 15:04
	StartAt   string  `json:"startAt,omitempty"`
	Reminder  Minutes `json:"reminder"`
	Completed bool    `json:"completed"`
}

// Subject is a shared subject whose tasks are delivered to the owner and all
// members.
type Subject struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Owner   string           `json:"owner"`
	Members map[string]bool  `json:"members,omitempty"`
	Tasks   map[string]*Task `json:"tasks,omitempty"`
}

// Recipients returns the owner plus every member, deduplicated, in stable order.
func (s *Subject) Recipients() []string {
	seen := make(map[string]bool, len(s.Members)+1)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(s.Owner)
	members := make([]string, 0, len(s.Members))
	for id := range s.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	for _, id := range members {
		add(id)
	}
	return out
}

// Payload is the notification content handed to the delivery channels.
// DedupeKey rides along so the client can suppress a duplicate in-app toast,
// and Tag collapses repeated renders of the same logical reminder in the OS
// notification tray.
type Payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Tag         string `json:"tag"`
	URL         string `json:"url"`
	CompleteURL string `json:"completeUrl,omitempty"`
	DedupeKey   string `json:"dedupeKey"`
}

// DeliveryResult is the per-user outcome of one dispatch attempt. Skipped
// counts claim losses, one per delivery unit declined (the whole token
// multicast, or each subscription device).
type DeliveryResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// OccurrenceKey formats an occurrence instant the way completion sets and
// dedupe keys expect it: RFC3339 in UTC.
func OccurrenceKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
