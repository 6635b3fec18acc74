package mapper

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

var fixedNow = time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)

func newTestMapper() *Mapper {
	return New(Options{
		Location:        time.UTC,
		DefaultDuration: 30 * time.Minute,
		Now:             func() time.Time { return fixedNow },
	})
}

func TestMap_OwnershipMetadata(t *testing.T) {
	ev := newTestMapper().Map(model.Task{ID: "t1", Summary: "Buy milk", StartDate: "2025-08-31", DueDate: "2025-08-31"})

	require.NotNil(t, ev.ExtendedProperties)
	assert.Equal(t, SyncMarkerValue, ev.ExtendedProperties.Private[SyncMarkerKey])
	assert.Equal(t, "t1", ev.ExtendedProperties.Private[TaskIDKey])
	assert.NotEmpty(t, ev.ExtendedProperties.Private[FingerprintKey])
}

func TestMap_PlaceholderSummary(t *testing.T) {
	ev := newTestMapper().Map(model.Task{ID: "t1", Summary: "   ", StartDate: "2025-08-31", DueDate: "2025-08-31"})
	assert.Equal(t, defaultPlaceholder, ev.Summary)
}

func TestMap_TimeWindowEndOfDay(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", Summary: "Deep work",
		StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "12:00", TimeWindowEnd: "24:00",
	})

	assert.Equal(t, "2025-08-31T12:00:00Z", ev.Start.DateTime)
	assert.Equal(t, "2025-09-01T00:00:00Z", ev.End.DateTime)
	assert.Equal(t, "UTC", ev.Start.TimeZone)
	assert.Empty(t, ev.Recurrence)
}

func TestMap_TimeWindowEndsOnDueDay(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-09-02",
		TimeWindowStart: "13:00", TimeWindowEnd: "16:00",
	})

	assert.Equal(t, "2025-08-31T13:00:00Z", ev.Start.DateTime)
	assert.Equal(t, "2025-09-02T16:00:00Z", ev.End.DateTime)
}

func TestMap_RecurringWindowEndsOnStartDay(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-09-02",
		TimeWindowStart: "13:00", TimeWindowEnd: "16:00",
		Recurrence: "RRULE:FREQ=DAILY",
	})

	assert.Equal(t, "2025-08-31T13:00:00Z", ev.Start.DateTime)
	assert.Equal(t, "2025-08-31T16:00:00Z", ev.End.DateTime)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY;COUNT=3"}, ev.Recurrence)
}

func TestMap_WeeklyRecurrenceCounted(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-09-15",
		TimeWindowStart: "08:00", TimeWindowEnd: "10:00",
		Recurrence: "FREQ=WEEKLY;BYDAY=SU",
	})
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=SU;COUNT=3"}, ev.Recurrence)
}

func TestMap_BadRecurrenceDropped(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		Recurrence: "whenever I feel like it",
	})
	assert.Empty(t, ev.Recurrence)
	assert.Equal(t, "2025-08-31", ev.Start.Date)
}

func TestMap_NonPositiveWindowUsesDefaultDuration(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "16:00", TimeWindowEnd: "13:00",
	})
	assert.Equal(t, "2025-08-31T16:00:00Z", ev.Start.DateTime)
	assert.Equal(t, "2025-08-31T16:30:00Z", ev.End.DateTime)
}

func TestMap_InvalidWindowFallsThrough(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-09-01",
		TimeWindowStart: "25:00", TimeWindowEnd: "26:00",
	})
	assert.Equal(t, "2025-08-31", ev.Start.Date)
	assert.Equal(t, "2025-09-02", ev.End.Date)
}

func TestMap_LiteralTimes(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31T09:00", DueDate: "2025-08-31T11:15",
	})
	assert.Equal(t, "2025-08-31T09:00:00Z", ev.Start.DateTime)
	assert.Equal(t, "2025-08-31T11:15:00Z", ev.End.DateTime)

	ev = newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31T09:00", DueDate: "2025-08-31T09:00",
	})
	assert.Equal(t, "2025-08-31T09:30:00Z", ev.End.DateTime)
}

func TestMap_AllDay(t *testing.T) {
	ev := newTestMapper().Map(model.Task{ID: "t1", StartDate: "2025-08-31", DueDate: "2025-09-02"})
	assert.Equal(t, "2025-08-31", ev.Start.Date)
	assert.Equal(t, "2025-09-03", ev.End.Date)

	// Due before start forces a one-day event.
	ev = newTestMapper().Map(model.Task{ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-20"})
	assert.Equal(t, "2025-08-31", ev.Start.Date)
	assert.Equal(t, "2025-09-01", ev.End.Date)
}

func TestMap_MissingDatesFallBackToToday(t *testing.T) {
	ev := newTestMapper().Map(model.Task{ID: "t1", Summary: "Someday", DueDate: "2025-08-31"})
	assert.Equal(t, "2025-08-20", ev.Start.Date)
	assert.Equal(t, "2025-08-21", ev.End.Date)
	assert.Contains(t, ev.Description, DegradedNote)
}

func TestMap_UnparsableDatesFallBackToToday(t *testing.T) {
	ev := newTestMapper().Map(model.Task{ID: "t1", StartDate: "soon", DueDate: "later", Recurrence: "FREQ=DAILY"})
	assert.Equal(t, "2025-08-20", ev.Start.Date)
	assert.Empty(t, ev.Recurrence)
	assert.Contains(t, ev.Description, DegradedNote)
}

func TestMap_DefaultReminderOneDayBefore(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "13:00", TimeWindowEnd: "14:00",
	})
	require.NotNil(t, ev.Reminders)
	assert.False(t, ev.Reminders.UseDefault)
	require.Len(t, ev.Reminders.Overrides, 1)
	assert.Equal(t, int64(24*60), ev.Reminders.Overrides[0].Minutes)
	assert.Equal(t, "popup", ev.Reminders.Overrides[0].Method)
}

func TestMap_ScheduledAnchor(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "13:00", TimeWindowEnd: "14:00",
		ScheduledDate: "2025-08-31T12:30",
	})
	require.Len(t, ev.Reminders.Overrides, 1)
	assert.Equal(t, int64(30), ev.Reminders.Overrides[0].Minutes)

	// An anchor after the start emits no reminder.
	ev = newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "13:00", TimeWindowEnd: "14:00",
		ScheduledDate: "2025-09-01",
	})
	assert.False(t, ev.Reminders.UseDefault)
	assert.Empty(t, ev.Reminders.Overrides)
}

func TestMap_ReminderClamped(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		ScheduledDate: "2025-01-01",
	})
	require.Len(t, ev.Reminders.Overrides, 1)
	assert.Equal(t, int64(maxReminderMinutes), ev.Reminders.Overrides[0].Minutes)
}

func TestMap_Description(t *testing.T) {
	ev := newTestMapper().Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		Tags:     []string{"buy", "#food"},
		Priority: "high",
		Location: model.Location{Path: "notes/todo.md", Line: 12},
		Notes:    []string{"Don't forget almond milk"},
	})
	assert.True(t, strings.HasPrefix(ev.Description, "#buy #food"))
	assert.Contains(t, ev.Description, "Priority: high")
	assert.Contains(t, ev.Description, "Source: notes/todo.md:12")
	assert.Contains(t, ev.Description, "Don't forget almond milk")
}

func TestMap_Timezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	m := New(Options{Location: berlin})
	ev := m.Map(model.Task{
		ID: "t1", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "09:00", TimeWindowEnd: "10:00",
	})
	assert.Equal(t, "2025-08-31T09:00:00+02:00", ev.Start.DateTime)
	assert.Equal(t, "Europe/Berlin", ev.Start.TimeZone)
}

func TestDiff(t *testing.T) {
	m := newTestMapper()
	task := model.Task{
		ID: "t1", Summary: "Plan", StartDate: "2025-08-31", DueDate: "2025-08-31",
		TimeWindowStart: "09:00", TimeWindowEnd: "10:00",
	}
	target := m.Map(task)

	// A remote copy rendered with a different offset but the same instants.
	remote := *target
	remote.Start = &calendar.EventDateTime{DateTime: "2025-08-31T11:00:00+02:00"}
	remote.End = &calendar.EventDateTime{DateTime: "2025-08-31T12:00:00+02:00"}
	remote.Status = "confirmed"
	remote.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{TaskIDKey: "someone-else"}}
	assert.Nil(t, Diff(&remote, target))

	remote.Summary = "Old plan"
	remote.Reminders = &calendar.EventReminders{UseDefault: true}
	patch := Diff(&remote, target)
	require.NotNil(t, patch)
	assert.Equal(t, "Plan", patch.Summary)
	assert.NotNil(t, patch.Reminders)
	assert.Nil(t, patch.Start)
	assert.Nil(t, patch.End)
	assert.Empty(t, patch.Description)
	assert.Nil(t, patch.Recurrence)
}

func TestDiff_TimeChangeSendsBothBoundaries(t *testing.T) {
	existing := &calendar.Event{
		Start: &calendar.EventDateTime{Date: "2025-08-31"},
		End:   &calendar.EventDateTime{Date: "2025-09-01"},
	}
	target := &calendar.Event{
		Start: &calendar.EventDateTime{Date: "2025-08-31"},
		End:   &calendar.EventDateTime{Date: "2025-09-02"},
	}
	patch := Diff(existing, target)
	require.NotNil(t, patch)
	assert.Equal(t, "2025-08-31", patch.Start.Date)
	assert.Equal(t, "2025-09-02", patch.End.Date)
}

func TestDiff_RecurrenceRemoved(t *testing.T) {
	existing := &calendar.Event{Recurrence: []string{"RRULE:FREQ=DAILY;COUNT=3"}}
	patch := Diff(existing, &calendar.Event{})
	require.NotNil(t, patch)
	assert.Equal(t, []string{}, patch.Recurrence)
	assert.Contains(t, patch.ForceSendFields, "Recurrence")
}
