// Package schedule decides when reminders fire: it expands recurrence rules
// into concrete occurrence instants and evaluates the trigger window for each.
package schedule

import (
	"time"

	"countdown-reminders/pkg/reminder"
)

// maxSteps bounds both the fast-forward and collection phases of an
// expansion. A pathological rule (interval 0, or a unit that never advances)
// stops here instead of looping forever.
const maxSteps = 10000

// Expand produces the ordered occurrence instants of a recurrence rule that
// fall within [from-lookahead, from+lookahead]. The base instant anchors the
// series. An unrecognized cadence or unit yields nil, which callers treat as
// "no occurrences this run".
func Expand(base time.Time, rule *reminder.Recurrence, from time.Time, lookahead time.Duration) []time.Time {
	if rule == nil || base.IsZero() {
		return nil
	}

	step := stepFunc(rule)
	if step == nil {
		return nil
	}

	windowStart := from.Add(-lookahead)
	windowEnd := from.Add(lookahead)

	// Fast-forward from the anchor to the window start.
	cur := base
	for i := 0; i < maxSteps && cur.Before(windowStart); i++ {
		next := step(cur)
		if !next.After(cur) {
			return nil // rule does not advance
		}
		cur = next
	}
	if cur.Before(windowStart) {
		return nil // cap hit before reaching the window
	}

	// A weekday series anchored on a weekend starts on the next weekday.
	if rule.Freq == "weekdays" && (cur.Weekday() == time.Saturday || cur.Weekday() == time.Sunday) {
		cur = nextWeekday(cur)
	}

	var out []time.Time
	for i := 0; i < maxSteps && !cur.After(windowEnd); i++ {
		out = append(out, cur)
		next := step(cur)
		if !next.After(cur) {
			break
		}
		cur = next
	}
	return out
}

// stepFunc maps a rule onto a single-step advance. Returns nil for rules this
// engine does not understand.
func stepFunc(rule *reminder.Recurrence) func(time.Time) time.Time {
	switch rule.Freq {
	case "daily":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case "weekdays":
		return nextWeekday
	case "weekly":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case "biweekly":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 14) }
	case "monthly":
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case "yearly":
		return func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	case "custom":
		return customStepFunc(rule.Interval, rule.Unit)
	default:
		return nil
	}
}

func customStepFunc(interval int, unit string) func(time.Time) time.Time {
	if interval <= 0 {
		return nil
	}
	switch unit {
	case "days":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, interval) }
	case "weeks":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7*interval) }
	case "months":
		return func(t time.Time) time.Time { return t.AddDate(0, interval, 0) }
	case "years":
		return func(t time.Time) time.Time { return t.AddDate(interval, 0, 0) }
	default:
		return nil
	}
}

// nextWeekday advances one day at a time, skipping Saturday and Sunday.
func nextWeekday(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
