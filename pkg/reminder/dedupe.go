package reminder

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// HashKey hashes a dedupe key into the short, path-safe form used as the
// claim-record key: SHA-256, base64url without padding.
func HashKey(input string) string {
	h := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// EventDedupeKey identifies one firing of a shared-event reminder.
func EventDedupeKey(eventID string, occurrence time.Time, reminderMinutes int) string {
	return fmt.Sprintf("event|%s|%s|%d", eventID, OccurrenceKey(occurrence), reminderMinutes)
}

// TaskDedupeKey identifies one firing of a per-user task reminder.
func TaskDedupeKey(userID, taskID string, occurrence time.Time, reminderMinutes int) string {
	return fmt.Sprintf("task|%s|%s|%s|%d", userID, taskID, OccurrenceKey(occurrence), reminderMinutes)
}

// PlannerDedupeKey identifies one firing of a planner-block reminder.
func PlannerDedupeKey(userID, blockKey string, occurrence time.Time, reminderMinutes int) string {
	return fmt.Sprintf("planner|%s|%s|%s|%d", userID, blockKey, OccurrenceKey(occurrence), reminderMinutes)
}

// SharedTaskDedupeKey identifies one firing of a shared-subject task reminder
// for one recipient.
func SharedTaskDedupeKey(userID, subjectID, taskID string, occurrence time.Time, reminderMinutes int) string {
	return fmt.Sprintf("shared-task|%s|%s|%s|%s|%d", userID, subjectID, taskID, OccurrenceKey(occurrence), reminderMinutes)
}

// BlockKey returns a stable identifier for a planner block. Blocks created by
// older clients have no ID, so fall back to a hash of their identifying fields.
func (b *PlannerBlock) BlockKey() string {
	if b.ID != "" {
		return b.ID
	}
	return HashKey(fmt.Sprintf("%s|%s|%s", b.Title, b.Date, b.Start))
}

// FormatOffset renders a reminder lead time for notification bodies,
// e.g. "30 minutes", "1 hour", "2 days", "1 week".
func FormatOffset(minutes int) string {
	m := minutes
	if m < 0 {
		m = 0
	}
	switch {
	case m >= 10080:
		weeks := (m + 5040) / 10080
		if weeks == 1 {
			return "1 week"
		}
		return fmt.Sprintf("%d weeks", weeks)
	case m >= 1440:
		days := (m + 720) / 1440
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case m >= 60:
		hours := (m + 30) / 60
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	case m == 1:
		return "1 minute"
	default:
		return fmt.Sprintf("%d minutes", m)
	}
}

func containsImportedMarker(notes string) bool {
	return strings.Contains(notes, "[Imported")
}
