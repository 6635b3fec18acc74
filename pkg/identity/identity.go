// Package identity computes the canonical identity key of a calendar event.
// Two events are the same logical event iff their keys are equal.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"google.golang.org/api/calendar/v3"
)

// Options gates the optional parts of the key.
type Options struct {
	IncludeDescription bool
	IncludeReminders   bool
	// DescriptionLimit caps the description excerpt in runes. Zero means 200.
	DescriptionLimit int
}

const defaultDescriptionLimit = 200

// Key returns the identity key of ev.
func Key(ev *calendar.Event, opts Options) string {
	if ev == nil {
		return ""
	}

	parts := []string{
		"S:" + NormalizeSummary(ev.Summary),
		TimeKey(ev.Start),
		TimeKey(ev.End),
		StatusKey(ev.Status),
		"R:" + RecurrenceSignature(ev.Recurrence),
	}

	if opts.IncludeReminders {
		parts = append(parts, "M:"+ReminderSignature(ev.Reminders))
	}
	if opts.IncludeDescription {
		limit := opts.DescriptionLimit
		if limit <= 0 {
			limit = defaultDescriptionLimit
		}
		parts = append(parts, "N:"+excerpt(ev.Description, limit))
	}

	return strings.Join(parts, "|")
}

// NormalizeSummary trims, NFC-normalises and collapses internal whitespace.
func NormalizeSummary(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// TimeKey renders an event boundary as D:<date> or T:<instant>. The instant
// keeps the offset it was written with.
func TimeKey(dt *calendar.EventDateTime) string {
	if dt == nil {
		return "-"
	}
	if dt.Date != "" {
		return "D:" + dt.Date
	}
	if dt.DateTime == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return "T:" + dt.DateTime
	}
	return "T:" + t.Format(time.RFC3339)
}

// StatusKey maps "cancelled" to X and everything else to C.
func StatusKey(status string) string {
	if strings.EqualFold(status, "cancelled") {
		return "X"
	}
	return "C"
}

// RecurrenceSignature upper-cases each rule, strips the RRULE: prefix, sorts
// and joins them.
func RecurrenceSignature(rules []string) string {
	if len(rules) == 0 {
		return ""
	}
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.ToUpper(strings.TrimSpace(r))
		r = strings.TrimPrefix(r, "RRULE:")
		if r != "" {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// ReminderSignature is DEF for calendar defaults, OFF for no reminders and
// OVR(method:minutes,...) sorted for explicit overrides. A missing reminders
// block means the calendar defaults apply.
func ReminderSignature(r *calendar.EventReminders) string {
	if r == nil || r.UseDefault {
		return "DEF"
	}
	if len(r.Overrides) == 0 {
		return "OFF"
	}
	items := make([]string, 0, len(r.Overrides))
	for _, o := range r.Overrides {
		if o == nil {
			continue
		}
		method := strings.ToLower(o.Method)
		if method == "" {
			method = "popup"
		}
		items = append(items, fmt.Sprintf("%s:%d", method, o.Minutes))
	}
	sort.Strings(items)
	return "OVR(" + strings.Join(items, ",") + ")"
}

// Fingerprint is the reminder signature stored on events for diagnostics.
func Fingerprint(ev *calendar.Event) string {
	if ev == nil {
		return ""
	}
	return ReminderSignature(ev.Reminders)
}

func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r)
}
