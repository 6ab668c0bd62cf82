package schedule

import (
	"strings"
	"time"

	"countdown-reminders/pkg/reminder"
)

// DefaultLateCap is how far past its trigger instant a reminder may still be
// delivered. A full day tolerates missed cron runs during an outage while
// still preventing a flood of ancient reminders once the job comes back.
const DefaultLateCap = 24 * time.Hour

// ShouldFire reports whether now falls inside the trigger window of a target
// instant: at or after target minus the reminder lead time, and before the
// late cap expires. It is the sole time-based gate before a delivery attempt
// and must be evaluated fresh every run.
func ShouldFire(now, target time.Time, reminderMinutes int, lateCap time.Duration) bool {
	if reminderMinutes <= 0 || target.IsZero() {
		return false
	}
	triggerAt := target.Add(-time.Duration(reminderMinutes) * time.Minute)
	return !now.Before(triggerAt) && now.Before(triggerAt.Add(lateCap))
}

// ParseInstant parses the ISO instants stored on events and tasks. Returns the
// zero time when the value is missing or malformed; ShouldFire treats that as
// "never fires".
func ParseInstant(iso string) time.Time {
	if iso == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z07:00", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ResolvePlannerStart converts a planner block's start expression to an
// absolute instant. An explicit StartAt instant wins; otherwise the block's
// wall-clock date and start time are interpreted in loc, the planner's
// timezone. Returns the zero time when the block has no usable start.
func ResolvePlannerStart(block *reminder.PlannerBlock, loc *time.Location) time.Time {
	if block == nil {
		return time.Time{}
	}
	if block.StartAt != "" {
		if t := ParseInstant(block.StartAt); !t.IsZero() {
			return t
		}
	}
	if block.Date == "" || block.Start == "" {
		return time.Time{}
	}
	day, err := time.Parse("2006-01-02", block.Date)
	if err != nil {
		return time.Time{}
	}
	hm := block.Start
	if strings.Count(hm, ":") == 0 {
		hm += ":00"
	}
	clock, err := time.Parse("15:04", hm)
	if err != nil {
		return time.Time{}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
}
