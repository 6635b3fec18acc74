package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the all-day date layout used on the wire.
const DateLayout = "2006-01-02"

var timedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDate parses a task date in loc. hasTime is false for plain dates, in
// which case the result is midnight of that day.
func ParseDate(s string, loc *time.Location) (t time.Time, hasTime bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, fmt.Errorf("empty date")
	}

	if d, err := time.ParseInLocation(DateLayout, s, loc); err == nil {
		return d, false, nil
	}

	for _, layout := range timedLayouts {
		if d, err := time.ParseInLocation(layout, s, loc); err == nil {
			return d, true, nil
		}
	}

	return time.Time{}, false, fmt.Errorf("unrecognised date %q", s)
}

// HasTimeComponent reports whether s carries a time of day.
func HasTimeComponent(s string) bool {
	_, hasTime, err := ParseDate(s, time.UTC)
	return err == nil && hasTime
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddDays moves t by n calendar days keeping the wall clock.
func AddDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// DaySpan returns the inclusive number of calendar days from a to b.
func DaySpan(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours()/24) + 1
}

// Clock is a wall-clock time of day. Hour 24 is only produced for "24:00".
type Clock struct {
	Hour   int
	Minute int
}

// EndOfDay reports whether c is the "24:00" marker.
func (c Clock) EndOfDay() bool { return c.Hour == 24 }

// On places c on the given day. "24:00" rolls over to 00:00 of the next day.
func (c Clock) On(day time.Time) time.Time {
	y, m, d := day.Date()
	if c.EndOfDay() {
		return time.Date(y, m, d+1, 0, 0, 0, 0, day.Location())
	}
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:mm". allowEndOfDay admits "24:00".
func ParseClock(s string, allowEndOfDay bool) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return Clock{}, fmt.Errorf("invalid time %q", s)
	}

	h, err := strconv.Atoi(hh)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}

	if h == 24 && m == 0 && allowEndOfDay {
		return Clock{Hour: 24}, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("time %q out of range", s)
	}

	return Clock{Hour: h, Minute: m}, nil
}
