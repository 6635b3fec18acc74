package recurrence

import (
	"fmt"
	"iter"
	"maps"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// OccurrenceKey is the private extended property carrying the occurrence date.
const OccurrenceKey = "occurrence"

// Expandable reports whether ev carries exactly one DAILY or WEEKLY rule.
func Expandable(ev *calendar.Event) bool {
	if ev == nil || len(ev.Recurrence) != 1 {
		return false
	}
	switch Frequency(ev.Recurrence[0]) {
	case "DAILY", "WEEKLY":
		return true
	}
	return false
}

// Expand materialises ev over the task's [start, due] span. Each yielded
// event is a copy of ev without recurrence, placed on one occurrence date
// with the template's wall-clock start and end. An event without recurrence
// is yielded once unchanged.
//
// The sequence is lazy and single-use: occurrences are pulled from one
// iterator, so ranging over it a second time yields whatever is left.
func Expand(ev *calendar.Event, task model.Task, loc *time.Location) (iter.Seq[*calendar.Event], error) {
	if ev == nil {
		return nil, fmt.Errorf("recurrence: nil template")
	}
	if len(ev.Recurrence) == 0 {
		done := false
		return func(yield func(*calendar.Event) bool) {
			if done {
				return
			}
			done = true
			yield(ev)
		}, nil
	}
	if !Expandable(ev) {
		return nil, ErrNotExpandable
	}

	spanStart, _, err := model.ParseDate(task.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("recurrence: start date: %w", err)
	}
	spanDue, _, err := model.ParseDate(task.DueDate, loc)
	if err != nil {
		return nil, fmt.Errorf("recurrence: due date: %w", err)
	}

	tpl, err := parseTemplate(ev, loc)
	if err != nil {
		return nil, err
	}

	opt, err := rrule.StrToROption(strings.TrimPrefix(strings.ToUpper(ev.Recurrence[0]), Prefix))
	if err != nil {
		return nil, fmt.Errorf("recurrence: parsing %q: %w", ev.Recurrence[0], err)
	}
	opt.Count = 0
	opt.Dtstart = time.Date(spanStart.Year(), spanStart.Month(), spanStart.Day(), tpl.start.Hour(), tpl.start.Minute(), 0, 0, loc)
	opt.Until = endOfDay(spanDue)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: evaluating %q: %w", ev.Recurrence[0], err)
	}
	next := r.Iterator()

	return func(yield func(*calendar.Event) bool) {
		for {
			at, ok := next()
			if !ok {
				return
			}
			if !yield(tpl.place(ev, at)) {
				return
			}
		}
	}, nil
}

type template struct {
	allDay bool
	start  time.Time
	end    time.Time
	// endOffset is the number of days the end lies after the start day.
	endOffset int
}

func parseTemplate(ev *calendar.Event, loc *time.Location) (*template, error) {
	if ev.Start == nil || ev.End == nil {
		return nil, fmt.Errorf("recurrence: template without start or end")
	}

	if ev.Start.Date != "" {
		start, err := time.ParseInLocation(model.DateLayout, ev.Start.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("recurrence: template start: %w", err)
		}
		return &template{allDay: true, start: start}, nil
	}

	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("recurrence: template start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return nil, fmt.Errorf("recurrence: template end: %w", err)
	}
	start, end = start.In(loc), end.In(loc)

	return &template{
		start:     start,
		end:       end,
		endOffset: model.DaySpan(start, end) - 1,
	}, nil
}

func (t *template) place(ev *calendar.Event, at time.Time) *calendar.Event {
	occ := *ev
	occ.Recurrence = nil
	occ.Id = ""
	occ.Etag = ""
	date := at.Format(model.DateLayout)

	if t.allDay {
		occ.Start = &calendar.EventDateTime{Date: date}
		occ.End = &calendar.EventDateTime{Date: model.AddDays(at, 1).Format(model.DateLayout)}
	} else {
		y, m, d := at.Date()
		start := time.Date(y, m, d, t.start.Hour(), t.start.Minute(), 0, 0, at.Location())
		end := time.Date(y, m, d+t.endOffset, t.end.Hour(), t.end.Minute(), 0, 0, at.Location())
		occ.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: ev.Start.TimeZone}
		occ.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: ev.End.TimeZone}
	}

	if ev.ExtendedProperties != nil {
		props := *ev.ExtendedProperties
		props.Private = maps.Clone(ev.ExtendedProperties.Private)
		if props.Private == nil {
			props.Private = map[string]string{}
		}
		props.Private[OccurrenceKey] = date
		occ.ExtendedProperties = &props
	} else {
		occ.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{OccurrenceKey: date},
		}
	}

	return &occ
}
