// Package mapper converts task records into calendar event payloads.
package mapper

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/identity"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/recurrence"
)

// Private extended property keys written on every managed event.
const (
	SyncMarkerKey   = "tasksync"
	SyncMarkerValue = "1"
	TaskIDKey       = "taskId"
	FingerprintKey  = "fingerprint"
)

const (
	// DegradedNote is appended to the description of events whose timing
	// could not be derived from the task.
	DegradedNote = "[tasksync] missing or invalid dates; shown as an all-day event for today"

	defaultPlaceholder = "(untitled task)"
	defaultDuration    = 30 * time.Minute
	reminderMethod     = "popup"
	// maxReminderMinutes is the calendar's upper bound for an override (4 weeks).
	maxReminderMinutes = 40320
)

// Options configures a Mapper.
type Options struct {
	Location        *time.Location
	DefaultDuration time.Duration
	Placeholder     string
	Now             func() time.Time
	Logger          *slog.Logger
}

// Mapper turns tasks into calendar.Event payloads.
type Mapper struct {
	loc         *time.Location
	duration    time.Duration
	placeholder string
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Mapper, filling unset options with defaults.
func New(opts Options) *Mapper {
	m := &Mapper{
		loc:         opts.Location,
		duration:    opts.DefaultDuration,
		placeholder: opts.Placeholder,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.duration <= 0 {
		m.duration = defaultDuration
	}
	if m.placeholder == "" {
		m.placeholder = defaultPlaceholder
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Location returns the zone the mapper interprets task dates in.
func (m *Mapper) Location() *time.Location { return m.loc }

// Map converts a task into an event payload. It never fails: unusable dates
// degrade to an all-day event for today and a bad recurrence is dropped.
func (m *Mapper) Map(task model.Task) *calendar.Event {
	summary := strings.TrimSpace(task.Summary)
	if summary == "" {
		summary = m.placeholder
	}

	event := &calendar.Event{
		Summary:     summary,
		Description: describe(task),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				SyncMarkerKey: SyncMarkerValue,
				TaskIDKey:     task.ID,
			},
		},
	}

	var rule string
	if task.Recurrence != "" {
		r, err := recurrence.Normalize(task.Recurrence)
		if err != nil {
			m.logger.Warn("dropping unparsable recurrence",
				slog.String("task_id", task.ID),
				slog.String("rule", task.Recurrence),
				slog.String("error", err.Error()),
			)
		} else {
			rule = r
		}
	}

	var start time.Time
	if task.HasDates() {
		t, err := m.timing(task, rule != "")
		if err != nil {
			m.logger.Warn("falling back to all-day event",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			start = m.fallback(event)
			rule = ""
		} else {
			event.Start, event.End = t.startDT, t.endDT
			start = t.start

			if rule != "" {
				bounded, err := recurrence.Bound(rule, t.start, t.due)
				if err != nil {
					m.logger.Warn("dropping recurrence",
						slog.String("task_id", task.ID),
						slog.String("rule", rule),
						slog.String("error", err.Error()),
					)
					rule = ""
				} else {
					rule = bounded
				}
			}
		}
	} else {
		start = m.fallback(event)
		rule = ""
	}

	if rule != "" {
		event.Recurrence = []string{rule}
	}

	event.Reminders = m.reminders(task, start)

	if !resolved(event.Start) || !resolved(event.End) {
		start = m.fallback(event)
		event.Recurrence = nil
		event.Reminders = m.reminders(task, start)
	}

	event.ExtendedProperties.Private[FingerprintKey] = identity.Fingerprint(event)

	return event
}

type timing struct {
	start   time.Time
	due     time.Time
	startDT *calendar.EventDateTime
	endDT   *calendar.EventDateTime
}

var errWindow = errors.New("invalid time window")

// timing derives start and end from the task's dates and optional window.
func (m *Mapper) timing(task model.Task, recurring bool) (*timing, error) {
	startAt, startHasTime, err := model.ParseDate(task.StartDate, m.loc)
	if err != nil {
		return nil, fmt.Errorf("start date: %w", err)
	}
	dueAt, dueHasTime, err := model.ParseDate(task.DueDate, m.loc)
	if err != nil {
		return nil, fmt.Errorf("due date: %w", err)
	}

	if from, to, err := window(task); err == nil {
		start := from.On(model.Day(startAt))
		base := model.Day(dueAt)
		if recurring {
			base = model.Day(startAt)
		}
		end := to.On(base)
		if !end.After(start) {
			end = start.Add(m.duration)
		}
		return &timing{start: start, due: dueAt, startDT: m.timed(start), endDT: m.timed(end)}, nil
	}

	if startHasTime || dueHasTime {
		start, end := startAt, dueAt
		if !end.After(start) {
			end = start.Add(m.duration)
		}
		return &timing{start: start, due: dueAt, startDT: m.timed(start), endDT: m.timed(end)}, nil
	}

	startDay := model.Day(startAt)
	endDay := model.AddDays(model.Day(dueAt), 1)
	if !endDay.After(startDay) {
		endDay = model.AddDays(startDay, 1)
	}
	return &timing{
		start:   startDay,
		due:     dueAt,
		startDT: &calendar.EventDateTime{Date: startDay.Format(model.DateLayout)},
		endDT:   &calendar.EventDateTime{Date: endDay.Format(model.DateLayout)},
	}, nil
}

// window parses the task's HH:mm time window. A missing or malformed
// window returns an error and timing falls through to the next rule.
func window(task model.Task) (model.Clock, model.Clock, error) {
	if task.TimeWindowStart == "" || task.TimeWindowEnd == "" {
		return model.Clock{}, model.Clock{}, errWindow
	}
	from, err := model.ParseClock(task.TimeWindowStart, false)
	if err != nil {
		return model.Clock{}, model.Clock{}, errWindow
	}
	to, err := model.ParseClock(task.TimeWindowEnd, true)
	if err != nil {
		return model.Clock{}, model.Clock{}, errWindow
	}
	return from, to, nil
}

func (m *Mapper) timed(t time.Time) *calendar.EventDateTime {
	dt := &calendar.EventDateTime{DateTime: t.In(m.loc).Format(time.RFC3339)}
	if name := m.loc.String(); name != "Local" {
		dt.TimeZone = name
	}
	return dt
}

// fallback turns event into an all-day event for today and annotates the
// description. It returns the start used for reminder computation.
func (m *Mapper) fallback(event *calendar.Event) time.Time {
	today := model.Day(m.now().In(m.loc))
	event.Start = &calendar.EventDateTime{Date: today.Format(model.DateLayout)}
	event.End = &calendar.EventDateTime{Date: model.AddDays(today, 1).Format(model.DateLayout)}
	if !strings.Contains(event.Description, DegradedNote) {
		if event.Description != "" {
			event.Description += "\n\n"
		}
		event.Description += DegradedNote
	}
	return today
}

// reminders anchors on the scheduled date, or one day before start. Only a
// positive lead time produces an override; otherwise reminders are off.
func (m *Mapper) reminders(task model.Task, start time.Time) *calendar.EventReminders {
	anchor := start.Add(-24 * time.Hour)
	if task.ScheduledDate != "" {
		if at, _, err := model.ParseDate(task.ScheduledDate, m.loc); err == nil {
			anchor = at
		}
	}

	r := &calendar.EventReminders{
		UseDefault:      false,
		ForceSendFields: []string{"UseDefault", "Overrides"},
	}

	lead := start.Sub(anchor)
	minutes := int64(lead / time.Minute)
	if minutes <= 0 {
		r.Overrides = []*calendar.EventReminder{}
		return r
	}
	if minutes > maxReminderMinutes {
		minutes = maxReminderMinutes
	}
	r.Overrides = []*calendar.EventReminder{{
		Method:          reminderMethod,
		Minutes:         minutes,
		ForceSendFields: []string{"Minutes"},
	}}
	return r
}

func resolved(dt *calendar.EventDateTime) bool {
	return dt != nil && (dt.Date != "" || dt.DateTime != "")
}

// describe builds the event description from the task's metadata and notes.
func describe(task model.Task) string {
	var b strings.Builder

	if len(task.Tags) > 0 {
		for i, tag := range task.Tags {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("#" + strings.TrimPrefix(tag, "#"))
		}
		b.WriteString("\n\n")
	}

	if task.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	}
	if task.Location.Path != "" {
		if task.Location.Line > 0 {
			fmt.Fprintf(&b, "Source: %s:%d\n", task.Location.Path, task.Location.Line)
		} else {
			fmt.Fprintf(&b, "Source: %s\n", task.Location.Path)
		}
	}

	if len(task.Notes) > 0 {
		b.WriteString("\nNotes:\n")
		for _, n := range task.Notes {
			fmt.Fprintf(&b, "‣ %s\n", n)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
