// Package scan runs one pass of the reminder dispatch engine: load users and
// candidate sources, expand recurrences, evaluate trigger windows, and
// dispatch whatever qualifies. Every run re-derives everything from the data
// store; no state survives between invocations.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"countdown-reminders/pkg/reminder"
	"countdown-reminders/schedule"
)

// Store is the snapshot side of the data store.
type Store interface {
	Users(ctx context.Context) ([]*reminder.User, error)
	Tasks(ctx context.Context, userID string) ([]*reminder.Task, error)
	PlannerBlocks(ctx context.Context, userID string) ([]*reminder.PlannerBlock, error)
	SharedEvents(ctx context.Context) ([]*reminder.Event, error)
	SharedSubjects(ctx context.Context) ([]*reminder.Subject, error)
	SetNoDevice(ctx context.Context, subjectID, taskID, userID string)
	ClearNoDevice(ctx context.Context, subjectID, taskID, userID string)
}

// Notifier delivers one payload to one user, at most once per dedupe key.
type Notifier interface {
	Send(ctx context.Context, user *reminder.User, p *reminder.Payload, dedupeKey string) (reminder.DeliveryResult, error)
}

// Summary is the aggregate outcome of one run.
type Summary struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scanner orchestrates one scan.
type Scanner struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	appURL    string
	location  *time.Location
	lateCap   time.Duration
	lookahead time.Duration
	now       func() time.Time
}

// Config holds scanner configuration.
type Config struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger

	// AppURL is the base deep-link target carried in every payload.
	AppURL string
	// Location resolves planner-block wall-clock times to instants.
	Location *time.Location
	// LateCap bounds how stale a reminder may be and still fire.
	LateCap time.Duration
	// Lookahead bounds recurrence expansion around "now".
	Lookahead time.Duration
}

// New creates a scanner.
func New(cfg *Config) *Scanner {
	appURL := cfg.AppURL
	if !strings.HasSuffix(appURL, "/") {
		appURL += "/"
	}
	lateCap := cfg.LateCap
	if lateCap <= 0 {
		lateCap = schedule.DefaultLateCap
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = 7 * 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scanner{
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		appURL:    appURL,
		location:  loc,
		lateCap:   lateCap,
		lookahead: lookahead,
		now:       time.Now,
	}
}

// Run executes one scan. Failures below the source level are contained and
// counted; only an unusable snapshot aborts the run.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	s.logger.Info("Scan starting", "timestamp", now.Format(time.RFC3339))

	// The store messages already identify the failing collection.
	users, err := s.store.Users(ctx)
	if err != nil {
		return Summary{}, err
	}
	events, err := s.store.SharedEvents(ctx)
	if err != nil {
		return Summary{}, err
	}
	subjects, err := s.store.SharedSubjects(ctx)
	if err != nil {
		return Summary{}, err
	}

	byID := make(map[string]*reminder.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	var sum Summary
	s.scanSharedEvents(ctx, now, events, users, &sum)
	s.scanUserSources(ctx, now, users, &sum)
	s.scanSharedSubjects(ctx, now, subjects, byID, &sum)

	s.logger.Info("Scan completed", "sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// scanSharedEvents delivers event reminders to every known user.
func (s *Scanner) scanSharedEvents(ctx context.Context, now time.Time, events []*reminder.Event, users []*reminder.User, sum *Summary) {
	for _, evt := range events {
		if ctx.Err() != nil {
			return
		}
		// Imported calendar events only remind when the user asked for it.
		if evt.Imported() && !evt.ReminderUserSet {
			continue
		}
		base := schedule.ParseInstant(evt.Date)
		for _, occ := range s.occurrences(base, evt.Repeat, evt.CompletedOccurrences, now) {
			if !schedule.ShouldFire(now, occ, int(evt.Reminder), s.lateCap) {
				continue
			}
			name := evt.Name
			if name == "" {
				name = "Event"
			}
			p := &reminder.Payload{
				Title: "Event Reminder ⏰",
				Body:  fmt.Sprintf("%s starts in %s", name, reminder.FormatOffset(int(evt.Reminder))),
				Tag:   "event-" + evt.ID,
				URL:   s.appURL,
			}
			dedupeKey := reminder.EventDedupeKey(evt.ID, occ, int(evt.Reminder))
			p.DedupeKey = dedupeKey
			for _, u := range users {
				s.dispatch(ctx, u, p, dedupeKey, sum)
			}
		}
	}
}

// scanUserSources delivers each user's own task and planner-block reminders.
func (s *Scanner) scanUserSources(ctx context.Context, now time.Time, users []*reminder.User, sum *Summary) {
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}

		tasks, err := s.store.Tasks(ctx, u.ID)
		if err != nil {
			s.logger.Warn("Task load failed", "user", u.ID, "error", err)
		}
		for _, task := range tasks {
			if task.Completed {
				continue
			}
			base := schedule.ParseInstant(task.DueDate)
			for _, occ := range s.occurrences(base, task.Repeat, task.CompletedOccurrences, now) {
				if !schedule.ShouldFire(now, occ, int(task.Reminder), s.lateCap) {
					continue
				}
				dedupeKey := reminder.TaskDedupeKey(u.ID, task.ID, occ, int(task.Reminder))
				s.dispatch(ctx, u, s.taskPayload(task, u.ID, "", dedupeKey), dedupeKey, sum)
			}
		}

		blocks, err := s.store.PlannerBlocks(ctx, u.ID)
		if err != nil {
			s.logger.Warn("Planner load failed", "user", u.ID, "error", err)
		}
		for _, block := range blocks {
			if block.Completed || block.Reminder <= 0 {
				continue
			}
			start := schedule.ResolvePlannerStart(block, s.location)
			if !schedule.ShouldFire(now, start, int(block.Reminder), s.lateCap) {
				continue
			}
			blockKey := block.BlockKey()
			title := block.Title
			if title == "" {
				title = "Activity"
			}
			dedupeKey := reminder.PlannerDedupeKey(u.ID, blockKey, start, int(block.Reminder))
			p := &reminder.Payload{
				Title:     "Planner Reminder 📅",
				Body:      fmt.Sprintf("%s • %s", title, start.In(s.location).Format("Mon, Jan 2, 15:04")),
				Tag:       "planner-" + blockKey,
				URL:       s.appURL,
				DedupeKey: dedupeKey,
			}
			s.dispatch(ctx, u, p, dedupeKey, sum)
		}
	}
}

// scanSharedSubjects delivers subject-task reminders to the owner and every
// member, tracking recipients that have no device to reach.
func (s *Scanner) scanSharedSubjects(ctx context.Context, now time.Time, subjects []*reminder.Subject, byID map[string]*reminder.User, sum *Summary) {
	for _, subj := range subjects {
		if ctx.Err() != nil {
			return
		}
		for _, task := range subj.Tasks {
			if task == nil || task.Completed {
				continue
			}
			base := schedule.ParseInstant(task.DueDate)
			for _, occ := range s.occurrences(base, task.Repeat, task.CompletedOccurrences, now) {
				if !schedule.ShouldFire(now, occ, int(task.Reminder), s.lateCap) {
					continue
				}
				for _, userID := range subj.Recipients() {
					u := byID[userID]
					if u == nil {
						continue
					}
					if !u.HasDevices() {
						s.store.SetNoDevice(ctx, subj.ID, task.ID, userID)
						continue
					}
					dedupeKey := reminder.SharedTaskDedupeKey(userID, subj.ID, task.ID, occ, int(task.Reminder))
					p := s.taskPayload(task, userID, subj.ID, dedupeKey)
					p.Title = "Shared Task Reminder 📋"
					p.Tag = "shared-task-" + task.ID
					res := s.dispatch(ctx, u, p, dedupeKey, sum)
					if res.Sent > 0 {
						s.store.ClearNoDevice(ctx, subj.ID, task.ID, userID)
					}
				}
			}
		}
	}
}

// dispatch sends one payload to one user and folds the outcome into the tally.
func (s *Scanner) dispatch(ctx context.Context, u *reminder.User, p *reminder.Payload, dedupeKey string, sum *Summary) reminder.DeliveryResult {
	res, err := s.notifier.Send(ctx, u, p, dedupeKey)
	if err != nil {
		s.logger.Warn("Dispatch failed", "user", u.ID, "tag", p.Tag, "error", err)
		sum.Failed++
		return reminder.DeliveryResult{}
	}
	sum.Sent += res.Sent
	sum.Failed += res.Failed
	sum.Skipped += res.Skipped
	return res
}

// occurrences normalizes a source to its candidate instants: the single
// stored instant for plain sources, a bounded expansion for recurring ones,
// minus anything in the per-occurrence completion set.
func (s *Scanner) occurrences(base time.Time, rule *reminder.Recurrence, completed map[string]bool, now time.Time) []time.Time {
	if base.IsZero() {
		return nil
	}
	occs := []time.Time{base}
	if rule != nil {
		occs = schedule.Expand(base, rule, now, s.lookahead)
	}
	if len(completed) == 0 {
		return occs
	}
	out := occs[:0]
	for _, occ := range occs {
		if !completed[reminder.OccurrenceKey(occ)] {
			out = append(out, occ)
		}
	}
	return out
}

func (s *Scanner) taskPayload(task *reminder.Task, userID, subjectID, dedupeKey string) *reminder.Payload {
	title := task.Title
	if title == "" {
		title = "Task"
	}
	params := url.Values{}
	params.Set("completeTask", task.ID)
	params.Set("user", userID)
	if subjectID != "" {
		params.Set("sharedSubject", subjectID)
	}
	return &reminder.Payload{
		Title:       "Task Reminder 📋",
		Body:        fmt.Sprintf("%s is due in %s", title, reminder.FormatOffset(int(task.Reminder))),
		Tag:         "task-" + task.ID,
		URL:         s.appURL,
		CompleteURL: s.appURL + "?" + params.Encode(),
		DedupeKey:   dedupeKey,
	}
}
