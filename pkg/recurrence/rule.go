// Package recurrence normalises RRULE text, bounds open-ended rules to a
// task's date span and materialises rules into per-occurrence events.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Prefix is the content-line name the calendar expects on each rule.
const Prefix = "RRULE:"

var (
	// ErrEmpty is returned for blank recurrence text.
	ErrEmpty = errors.New("recurrence: empty rule")
	// ErrNoOccurrences is returned when a rule matches nothing inside the span.
	ErrNoOccurrences = errors.New("recurrence: no occurrences in span")
	// ErrNotExpandable is returned for rules the expander does not materialise.
	ErrNotExpandable = errors.New("recurrence: rule cannot be expanded")
)

// Normalize turns recurrence text into a single "RRULE:" line. DTSTART parts
// and lines are dropped because the event start anchors the rule.
func Normalize(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}

	var body string
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.ToUpper(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "DTSTART") {
			continue
		}
		body = strings.TrimPrefix(line, Prefix)
		break
	}

	parts := splitParts(body)
	kept := parts[:0]
	for _, p := range parts {
		if p.key == "DTSTART" {
			continue
		}
		kept = append(kept, p)
	}
	body = joinParts(kept)
	if body == "" {
		return "", ErrEmpty
	}

	if _, err := rrule.StrToROption(body); err != nil {
		return "", fmt.Errorf("recurrence: parsing %q: %w", text, err)
	}

	return Prefix + body, nil
}

// Bound adds a COUNT to a rule without COUNT or UNTIL so that the series
// stops at the end of the due day. DAILY rules use the inclusive day span;
// anything else is evaluated from start.
func Bound(rule string, start, due time.Time) (string, error) {
	body := strings.TrimPrefix(rule, Prefix)
	parts := splitParts(body)
	if hasPart(parts, "COUNT") || hasPart(parts, "UNTIL") {
		return rule, nil
	}

	opt, err := rrule.StrToROption(body)
	if err != nil {
		return "", fmt.Errorf("recurrence: parsing %q: %w", rule, err)
	}

	var count int
	if opt.Freq == rrule.DAILY && opt.Interval <= 1 {
		count = model.DaySpan(start, due)
	} else {
		opt.Dtstart = start
		opt.Until = endOfDay(due.In(start.Location()))
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return "", fmt.Errorf("recurrence: evaluating %q: %w", rule, err)
		}
		count = len(r.All())
	}

	if count < 1 {
		return "", ErrNoOccurrences
	}

	parts = append(parts, part{key: "COUNT", value: strconv.Itoa(count)})
	return Prefix + joinParts(parts), nil
}

// Frequency returns the FREQ of a normalised rule, or "" when unparsable.
func Frequency(rule string) string {
	for _, p := range splitParts(strings.TrimPrefix(strings.ToUpper(rule), Prefix)) {
		if p.key == "FREQ" {
			return p.value
		}
	}
	return ""
}

type part struct {
	key   string
	value string
}

func splitParts(body string) []part {
	var parts []part
	for _, raw := range strings.Split(body, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		k, v, _ := strings.Cut(raw, "=")
		parts = append(parts, part{key: strings.TrimSpace(k), value: strings.TrimSpace(v)})
	}
	return parts
}

func joinParts(parts []part) string {
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, p.key+"="+p.value)
	}
	return strings.Join(s, ";")
}

func hasPart(parts []part, key string) bool {
	for _, p := range parts {
		if p.key == key {
			return true
		}
	}
	return false
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
