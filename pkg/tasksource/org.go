package tasksource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/harrisonrobin/tasksync/pkg/model"
)

// orgNamespace seeds ids derived for headlines without an :ID: property.
var orgNamespace = uuid.MustParse("6f1d3c2e-8b0a-4f4e-9c59-2a7d0e5b6c31")

// OrgFiles reads TODO/DONE headlines from Org-mode files.
type OrgFiles struct {
	Files  []string
	Tag    string
	logger *slog.Logger
}

func (o *OrgFiles) Paths() []string { return o.Files }

func (o *OrgFiles) Tasks(_ context.Context) ([]model.Task, error) {
	var all []model.Task
	for _, path := range o.Files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("tasksource: %w", err)
		}
		tasks, err := ParseOrg(f, path)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("tasksource: %s: %w", path, err)
		}
		o.logger.Debug("parsed org file", slog.String("path", path), slog.Int("tasks", len(tasks)))
		all = append(all, tasks...)
	}
	return dedupe(FilterTasks(all, o.Tag), o.logger), nil
}

var (
	headlineRegex = regexp.MustCompile(`^\*+\s+(TODO|DONE)\s+(?:\[#([A-Z])\]\s*)?(.*?)(?:\s+(:[\w@#%:]+:))?\s*$`)
	otherHeading  = regexp.MustCompile(`^\*+\s`)
	stampRegex    = regexp.MustCompile(`(SCHEDULED|DEADLINE|CLOSED):\s*[<\[]([^>\]]+)[>\]]`)
	propertyRegex = regexp.MustCompile(`^:([A-Za-z_-]+):\s*(.*)$`)
	orgStampBody  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:\s+[^\s\d+.-]+)?(?:\s+(\d{1,2}:\d{2})(?:-(\d{1,2}:\d{2}))?)?(?:\s+([.+]?\+\d+[dwmy]))?`)
)

// ParseOrg parses Org-mode text. SCHEDULED gives the start, DEADLINE the
// due date (each defaults to the other), a time range on SCHEDULED the
// window, and the :ID:, :RRULE:, :REMIND: and :CREATED: properties their
// fields. Headlines without :ID: get an id derived from path and title.
func ParseOrg(r io.Reader, source string) ([]model.Task, error) {
	scanner := bufio.NewScanner(r)
	var tasks []model.Task
	var current *model.Task
	var repeater string
	inProps := false
	lineNo := 0

	flush := func() {
		if current == nil {
			return
		}
		finishOrgTask(current, source, repeater)
		if current.Summary != "" {
			tasks = append(tasks, *current)
		}
		current, repeater, inProps = nil, "", false
	}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if m := headlineRegex.FindStringSubmatch(line); m != nil {
			flush()
			current = &model.Task{
				Summary:   strings.TrimSpace(m[3]),
				Priority:  m[2],
				Completed: m[1] == "DONE",
				Location:  model.Location{Path: source, Line: lineNo},
			}
			if m[4] != "" {
				current.Tags = strings.Split(strings.Trim(m[4], ":"), ":")
			}
			continue
		}
		if otherHeading.MatchString(raw) {
			flush()
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case line == ":PROPERTIES:":
			inProps = true
		case line == ":END:":
			inProps = false
		case inProps:
			if m := propertyRegex.FindStringSubmatch(line); m != nil {
				applyProperty(current, strings.ToUpper(m[1]), strings.TrimSpace(m[2]))
			}
		case stampRegex.MatchString(line):
			for _, m := range stampRegex.FindAllStringSubmatch(line, -1) {
				if rep := applyStamp(current, m[1], m[2]); rep != "" {
					repeater = rep
				}
			}
		case line != "":
			current.Notes = append(current.Notes, line)
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func applyProperty(t *model.Task, key, value string) {
	switch key {
	case "ID":
		t.ID = value
	case "RRULE":
		t.Recurrence = value
	case "REMIND":
		if d, clock := orgDate(value); d != "" {
			t.ScheduledDate = joinClock(d, clock)
		}
	case "CREATED":
		if d, clock := orgDate(value); d != "" {
			t.CreatedDate = joinClock(d, clock)
		}
	}
}

// applyStamp records one planning timestamp and returns its repeater.
func applyStamp(t *model.Task, kind, body string) string {
	m := orgStampBody.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return ""
	}
	date, from, to, rep := m[1], m[2], m[3], m[4]

	switch kind {
	case "SCHEDULED":
		if to != "" {
			t.StartDate = date
			t.TimeWindowStart, t.TimeWindowEnd = from, to
		} else {
			t.StartDate = joinClock(date, from)
		}
		return rep
	case "DEADLINE":
		t.DueDate = joinClock(date, from)
		return rep
	case "CLOSED":
		t.CompletionDate = joinClock(date, from)
	}
	return ""
}

func orgDate(value string) (date, clock string) {
	value = strings.Trim(strings.TrimSpace(value), "<>[]")
	m := orgStampBody.FindStringSubmatch(value)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

func joinClock(date, clock string) string {
	if clock == "" {
		return date
	}
	if len(clock) == 4 {
		clock = "0" + clock
	}
	return date + "T" + clock
}

func finishOrgTask(t *model.Task, source, repeater string) {
	if t.StartDate == "" {
		t.StartDate = t.DueDate
	}
	if t.DueDate == "" {
		t.DueDate = t.StartDate
	}
	if t.TimeWindowStart != "" && model.HasTimeComponent(t.DueDate) {
		t.DueDate = t.DueDate[:len(model.DateLayout)]
	}
	if t.Recurrence == "" {
		t.Recurrence = repeaterToRRule(repeater)
	}
	if t.ID == "" {
		t.ID = uuid.NewSHA1(orgNamespace, []byte(source+"\x00"+t.Summary)).String()
	}
}

// repeaterToRRule maps Org repeaters (+1d, ++2w, .+1m) onto RRULE text.
func repeaterToRRule(rep string) string {
	rep = strings.TrimLeft(rep, ".+")
	if rep == "" {
		return ""
	}
	unit := rep[len(rep)-1:]
	n := rep[:len(rep)-1]
	switch unit {
	case "d":
		return recurToRRule(n + "d")
	case "w":
		return recurToRRule(n + "w")
	case "m":
		return recurToRRule(n + "mo")
	case "y":
		return recurToRRule(n + "y")
	}
	return ""
}
