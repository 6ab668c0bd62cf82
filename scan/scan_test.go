package scan

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"countdown-reminders/pkg/reminder"
)

type fakeStore struct {
	users    []*reminder.User
	tasks    map[string][]*reminder.Task
	planner  map[string][]*reminder.PlannerBlock
	events   []*reminder.Event
	subjects []*reminder.Subject

	noDeviceSet     []string
	noDeviceCleared []string
}

func (f *fakeStore) Users(context.Context) ([]*reminder.User, error) { return f.users, nil }

func (f *fakeStore) Tasks(_ context.Context, userID string) ([]*reminder.Task, error) {
	return f.tasks[userID], nil
}

func (f *fakeStore) PlannerBlocks(_ context.Context, userID string) ([]*reminder.PlannerBlock, error) {
	return f.planner[userID], nil
}

func (f *fakeStore) SharedEvents(context.Context) ([]*reminder.Event, error) { return f.events, nil }

func (f *fakeStore) SharedSubjects(context.Context) ([]*reminder.Subject, error) {
	return f.subjects, nil
}

func (f *fakeStore) SetNoDevice(_ context.Context, subjectID, taskID, userID string) {
	f.noDeviceSet = append(f.noDeviceSet, subjectID+"/"+taskID+"/"+userID)
}

func (f *fakeStore) ClearNoDevice(_ context.Context, subjectID, taskID, userID string) {
	f.noDeviceCleared = append(f.noDeviceCleared, subjectID+"/"+taskID+"/"+userID)
}

type sentCall struct {
	userID    string
	dedupeKey string
	payload   *reminder.Payload
}

// fakeNotifier records dispatches and skips repeated dedupe keys, mimicking
// the claim store.
type fakeNotifier struct {
	calls   []sentCall
	claimed map[string]bool
}

func (f *fakeNotifier) Send(_ context.Context, u *reminder.User, p *reminder.Payload, dedupeKey string) (reminder.DeliveryResult, error) {
	f.calls = append(f.calls, sentCall{userID: u.ID, dedupeKey: dedupeKey, payload: p})
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	claimID := u.ID + "|" + dedupeKey
	if f.claimed[claimID] {
		return reminder.DeliveryResult{Skipped: 1}, nil
	}
	f.claimed[claimID] = true
	if !u.HasDevices() {
		return reminder.DeliveryResult{}, nil
	}
	return reminder.DeliveryResult{Sent: 1}, nil
}

func deviceUser(id string) *reminder.User {
	return &reminder.User{ID: id, Tokens: []string{"fcm-token-long-enough-0000000001"}}
}

func newTestScanner(store *fakeStore, notifier *fakeNotifier, now time.Time) *Scanner {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(&Config{
		Store:    store,
		Notifier: notifier,
		Logger:   logger,
		AppURL:   "https://countdown.example",
		Location: time.UTC,
	})
	s.now = func() time.Time { return now }
	return s
}

// TestRunTaskReminder verifies a due task reaches its owner with a complete
// deep link.
func TestRunTaskReminder(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		tasks: map[string][]*reminder.Task{
			"u1": {{ID: "t1", Title: "Homework", DueDate: "2026-03-01T10:00:00Z", Reminder: 30}},
		},
	}
	nt := &fakeNotifier{}

	sum, err := newTestScanner(st, nt, now).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sum.Sent != 1 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Errorf("summary = %+v, want 1 sent", sum)
	}
	if len(nt.calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(nt.calls))
	}

	call := nt.calls[0]
	if call.userID != "u1" {
		t.Errorf("recipient = %q, want u1", call.userID)
	}
	if call.dedupeKey != "task|u1|t1|2026-03-01T10:00:00Z|30" {
		t.Errorf("dedupe key = %q", call.dedupeKey)
	}
	if !strings.Contains(call.payload.Body, "Homework is due in 30 minutes") {
		t.Errorf("body = %q", call.payload.Body)
	}
	if !strings.Contains(call.payload.CompleteURL, "completeTask=t1") ||
		!strings.Contains(call.payload.CompleteURL, "user=u1") {
		t.Errorf("complete URL = %q", call.payload.CompleteURL)
	}
}

// TestRunSecondPassSkips verifies a re-run inside the trigger window is all
// skips, never duplicates.
func TestRunSecondPassSkips(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		tasks: map[string][]*reminder.Task{
			"u1": {{ID: "t1", Title: "Homework", DueDate: "2026-03-01T10:00:00Z", Reminder: 30}},
		},
	}
	nt := &fakeNotifier{}
	s := newTestScanner(st, nt, now)

	first, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if first.Sent != 1 {
		t.Errorf("first run = %+v, want 1 sent", first)
	}
	if second.Sent != 0 || second.Skipped != 1 {
		t.Errorf("second run = %+v, want 1 skipped", second)
	}
}

// TestRunEventFanout verifies shared events reach every user and imported
// events only fire when the reminder was user-set.
func TestRunEventFanout(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1"), deviceUser("u2")},
		events: []*reminder.Event{
			{ID: "e1", Name: "Launch", Date: "2026-03-01T10:00:00Z", Reminder: 60},
			{ID: "e2", Name: "Synced", Date: "2026-03-01T10:00:00Z", Reminder: 60, ExternalID: "gcal-1"},
			{ID: "e3", Name: "Synced wanted", Date: "2026-03-01T10:00:00Z", Reminder: 60, ExternalID: "gcal-2", ReminderUserSet: true},
		},
	}
	nt := &fakeNotifier{}

	sum, err := newTestScanner(st, nt, now).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// e1 and e3 to both users; e2 suppressed.
	if sum.Sent != 4 {
		t.Errorf("summary = %+v, want 4 sent", sum)
	}
	for _, call := range nt.calls {
		if strings.Contains(call.dedupeKey, "|e2|") {
			t.Errorf("imported event without user-set reminder dispatched: %q", call.dedupeKey)
		}
	}
}

// TestRunRecurringTask verifies only the occurrence inside the trigger window
// fires and completed occurrences stay quiet.
func TestRunRecurringTask(t *testing.T) {
	now := time.Date(2026, 3, 3, 9, 45, 0, 0, time.UTC)
	task := &reminder.Task{
		ID:       "t1",
		Title:    "Standup notes",
		DueDate:  "2026-02-01T10:00:00Z",
		Reminder: 30,
		Repeat:   &reminder.Recurrence{Freq: "daily"},
	}
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		tasks: map[string][]*reminder.Task{"u1": {task}},
	}
	nt := &fakeNotifier{}

	sum, err := newTestScanner(st, nt, now).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want exactly the in-window occurrence", sum)
	}
	if want := "task|u1|t1|2026-03-03T10:00:00Z|30"; nt.calls[0].dedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", nt.calls[0].dedupeKey, want)
	}

	// Completing today's occurrence silences it; the series survives.
	task.CompletedOccurrences = map[string]bool{"2026-03-03T10:00:00Z": true}
	nt2 := &fakeNotifier{}
	sum, err = newTestScanner(st, nt2, now).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 0 || len(nt2.calls) != 0 {
		t.Errorf("completed occurrence still dispatched: %+v", sum)
	}
}

// TestRunPlannerBlock verifies wall-clock starts resolve in the planner
// timezone.
func TestRunPlannerBlock(t *testing.T) {
	loc := time.FixedZone("IST", 2*3600)
	// Block starts 10:00 IST = 08:00 UTC; reminder 15 minutes.
	now := time.Date(2026, 3, 1, 7, 45, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		planner: map[string][]*reminder.PlannerBlock{
			"u1": {
				{ID: "b1", Title: "Math", Date: "2026-03-01", Start: "10:00", Reminder: 15},
				{ID: "b2", Title: "Done", Date: "2026-03-01", Start: "10:00", Reminder: 15, Completed: true},
				{ID: "b3", Title: "No reminder", Date: "2026-03-01", Start: "10:00"},
			},
		},
	}
	nt := &fakeNotifier{}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(&Config{
		Store:    st,
		Notifier: nt,
		Logger:   logger,
		AppURL:   "https://countdown.example",
		Location: loc,
	})
	s.now = func() time.Time { return now }

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 || len(nt.calls) != 1 {
		t.Fatalf("summary = %+v, want only the active block", sum)
	}
	if want := "planner|u1|b1|2026-03-01T08:00:00Z|15"; nt.calls[0].dedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", nt.calls[0].dedupeKey, want)
	}
}

// TestRunSharedSubject verifies recipient fanout, no-device tracking, and the
// sharedSubject deep-link parameter.
func TestRunSharedSubject(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{
			deviceUser("alice"),
			{ID: "bob"}, // no devices
		},
		subjects: []*reminder.Subject{
			{
				ID:      "s1",
				Name:    "Biology",
				Owner:   "alice",
				Members: map[string]bool{"bob": true, "ghost": true},
				Tasks: map[string]*reminder.Task{
					"t1": {ID: "t1", Title: "Lab report", DueDate: "2026-03-01T10:00:00Z", Reminder: 30},
				},
			},
		},
	}
	nt := &fakeNotifier{}

	sum, err := newTestScanner(st, nt, now).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 {
		t.Errorf("summary = %+v, want 1 sent (alice only)", sum)
	}
	if len(nt.calls) != 1 || nt.calls[0].userID != "alice" {
		t.Fatalf("dispatches = %+v, want alice only", nt.calls)
	}
	if got := nt.calls[0].payload; !strings.Contains(got.CompleteURL, "sharedSubject=s1") {
		t.Errorf("complete URL = %q, want sharedSubject param", got.CompleteURL)
	}
	if got := nt.calls[0].payload.Title; got != "Shared Task Reminder 📋" {
		t.Errorf("title = %q", got)
	}

	// bob has no devices: recorded, not dispatched. ghost has no account.
	if len(st.noDeviceSet) != 1 || st.noDeviceSet[0] != "s1/t1/bob" {
		t.Errorf("no-device records = %v, want [s1/t1/bob]", st.noDeviceSet)
	}
	// alice's success clears her (never set) record.
	if len(st.noDeviceCleared) != 1 || st.noDeviceCleared[0] != "s1/t1/alice" {
		t.Errorf("cleared records = %v", st.noDeviceCleared)
	}
}

// TestRunOutsideWindow verifies nothing fires before the trigger instant or
// past the late cap.
func TestRunOutsideWindow(t *testing.T) {
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		tasks: map[string][]*reminder.Task{
			"u1": {{ID: "t1", Title: "Homework", DueDate: "2026-03-01T10:00:00Z", Reminder: 30}},
		},
	}

	for _, tt := range []struct {
		name string
		now  time.Time
	}{
		{"too early", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{"past late cap", time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			nt := &fakeNotifier{}
			sum, err := newTestScanner(st, nt, tt.now).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if sum.Sent != 0 || len(nt.calls) != 0 {
				t.Errorf("summary = %+v with %d dispatches, want none", sum, len(nt.calls))
			}
		})
	}
}

// TestRunCanceledContext verifies cancellation stops the walk promptly.
func TestRunCanceledContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	st := &fakeStore{
		users: []*reminder.User{deviceUser("u1")},
		tasks: map[string][]*reminder.Task{
			"u1": {{ID: "t1", Title: "Homework", DueDate: "2026-03-01T10:00:00Z", Reminder: 30}},
		},
	}
	nt := &fakeNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := newTestScanner(st, nt, now).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sum.Sent != 0 {
		t.Errorf("summary = %+v, want nothing dispatched after cancel", sum)
	}
}
