package mapper

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/identity"
)

// Diff returns a patch holding only the fields of target that differ from
// existing, or nil when nothing differs. Compared fields are summary,
// description, status, start, end, reminders and recurrence. Ownership
// metadata is never compared.
func Diff(existing, target *calendar.Event) *calendar.Event {
	patch := &calendar.Event{}
	needsUpdate := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		patch.ForceSendFields = append(patch.ForceSendFields, "Summary")
		needsUpdate = true
	}

	if existing.Description != target.Description {
		patch.Description = target.Description
		patch.ForceSendFields = append(patch.ForceSendFields, "Description")
		needsUpdate = true
	}

	if identity.StatusKey(existing.Status) != identity.StatusKey(target.Status) {
		patch.Status = target.Status
		if patch.Status == "" {
			patch.Status = "confirmed"
		}
		needsUpdate = true
	}

	// Start and end travel together so the calendar never sees end <= start.
	if !SameTime(existing.Start, target.Start) || !SameTime(existing.End, target.End) {
		patch.Start = target.Start
		patch.End = target.End
		needsUpdate = true
	}

	if identity.ReminderSignature(existing.Reminders) != identity.ReminderSignature(target.Reminders) {
		patch.Reminders = target.Reminders
		if patch.Reminders == nil {
			patch.Reminders = &calendar.EventReminders{UseDefault: true}
		}
		needsUpdate = true
	}

	if identity.RecurrenceSignature(existing.Recurrence) != identity.RecurrenceSignature(target.Recurrence) {
		patch.Recurrence = target.Recurrence
		if len(patch.Recurrence) == 0 {
			patch.Recurrence = []string{}
			patch.ForceSendFields = append(patch.ForceSendFields, "Recurrence")
		}
		needsUpdate = true
	}

	if needsUpdate {
		return patch
	}
	return nil
}

// SameTime compares two event boundaries. All-day boundaries compare by
// date; timed boundaries compare as instants, so offsets do not matter.
func SameTime(a, b *calendar.EventDateTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Date != "" || b.Date != "" {
		return a.Date == b.Date
	}
	at, aerr := time.Parse(time.RFC3339, a.DateTime)
	bt, berr := time.Parse(time.RFC3339, b.DateTime)
	if aerr != nil || berr != nil {
		return a.DateTime == b.DateTime
	}
	return at.Equal(bt)
}
