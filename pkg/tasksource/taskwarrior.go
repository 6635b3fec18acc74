package tasksource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Taskwarrior statuses.
const (
	twPending   = "pending"
	twCompleted = "completed"
	twWaiting   = "waiting"
	twDeleted   = "deleted"
	twRecurring = "recurring"
)

const taskwarriorTimeLayout = "20060102T150405Z"

// twTime decodes Taskwarrior's compact UTC timestamps.
type twTime struct {
	time.Time
}

func (ct *twTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "0" {
		ct.Time = time.Time{}
		return nil
	}

	t, err := time.Parse(taskwarriorTimeLayout, s)
	if err != nil {
		return fmt.Errorf("failed to parse Taskwarrior time string '%s': %w", s, err)
	}
	ct.Time = t
	return nil
}

// twTask is one record of `task export`.
type twTask struct {
	UUID        string   `json:"uuid"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Project     string   `json:"project,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Entry       *twTime  `json:"entry,omitempty"`
	Due         *twTime  `json:"due,omitempty"`
	Scheduled   *twTime  `json:"scheduled,omitempty"`
	Start       *twTime  `json:"start,omitempty"`
	End         *twTime  `json:"end,omitempty"`
	Recur       string   `json:"recur,omitempty"`
	Until       *twTime  `json:"until,omitempty"`
	Annotations []struct {
		Description string  `json:"description"`
		Entry       *twTime `json:"entry"`
	} `json:"annotations,omitempty"`
	// Est is the estimate UDA, an ISO 8601 duration such as PT1H30M.
	Est string `json:"est,omitempty"`
	// Remind is an optional reminder-anchor UDA.
	Remind *twTime `json:"remind,omitempty"`
}

// Taskwarrior runs `task export` and converts the records.
type Taskwarrior struct {
	Filter   []string
	Location *time.Location
	data     []string
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
	logger   *slog.Logger
}

// NewTaskwarrior returns a source for `task <filter> export`. dataFiles are
// watched for changes only.
func NewTaskwarrior(filter string, dataFiles []string, logger *slog.Logger) *Taskwarrior {
	return &Taskwarrior{
		Filter:   strings.Fields(filter),
		Location: time.Local,
		data:     dataFiles,
		run:      runCommand,
		logger:   logger,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("taskwarrior command failed: exit code %d, %s, stderr: %s",
				exitErr.ExitCode(), err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("taskwarrior command failed: %w", err)
	}
	return output, nil
}

func (tw *Taskwarrior) Paths() []string { return tw.data }

func (tw *Taskwarrior) Tasks(ctx context.Context) ([]model.Task, error) {
	args := append(append([]string{}, tw.Filter...), "export", "rc.hooks=0")
	output, err := tw.run(ctx, "task", args...)
	if err != nil {
		return nil, fmt.Errorf("tasksource: %w", err)
	}

	var records []twTask
	if err := json.Unmarshal(output, &records); err != nil {
		return nil, fmt.Errorf("tasksource: failed to unmarshal taskwarrior output: %w", err)
	}

	tasks := make([]model.Task, 0, len(records))
	for _, r := range records {
		// Recurring parents are templates; their pending children are the tasks.
		if r.Status == twDeleted || r.Status == twRecurring {
			continue
		}
		tasks = append(tasks, tw.convert(r))
	}
	return dedupe(tasks, tw.logger), nil
}

func (tw *Taskwarrior) convert(r twTask) model.Task {
	loc := tw.Location
	if loc == nil {
		loc = time.Local
	}

	t := model.Task{
		ID:        r.UUID,
		Summary:   r.Description,
		Completed: r.Status == twCompleted,
		Priority:  r.Priority,
		Tags:      r.Tags,
	}
	if r.Project != "" {
		t.Tags = append([]string{r.Project}, t.Tags...)
	}

	start, due := r.Scheduled, r.Due
	if isZero(start) {
		start = due
	}
	if isZero(due) {
		due = start
	}
	if !isZero(start) {
		t.StartDate = formatTime(start.Time, loc)
		t.DueDate = formatTime(due.Time, loc)
	}

	// An estimate on a timed schedule becomes a time window on the start day.
	if est, err := ParseDuration(r.Est); err == nil && est > 0 && !isZero(r.Scheduled) {
		from := r.Scheduled.In(loc)
		if model.HasTimeComponent(t.StartDate) {
			to := from.Add(est)
			t.TimeWindowStart = from.Format("15:04")
			switch {
			case model.Day(to).Equal(model.Day(from)):
				t.TimeWindowEnd = to.Format("15:04")
			case to.Equal(model.AddDays(model.Day(from), 1)):
				t.TimeWindowEnd = "24:00"
			default:
				t.TimeWindowStart = ""
			}
		}
	} else if err != nil {
		tw.logger.Warn("ignoring unparsable estimate", slog.String("task_id", r.UUID), slog.String("est", r.Est))
	}

	t.Recurrence = recurToRRule(r.Recur)
	if t.Recurrence != "" && !isZero(r.Until) {
		t.Recurrence += ";UNTIL=" + r.Until.UTC().Format(taskwarriorTimeLayout)
	}

	if !isZero(r.Remind) {
		t.ScheduledDate = formatTime(r.Remind.Time, loc)
	}
	if !isZero(r.Entry) {
		t.CreatedDate = formatTime(r.Entry.Time, loc)
	}
	if !isZero(r.End) && t.Completed {
		t.CompletionDate = formatTime(r.End.Time, loc)
	}
	for _, a := range r.Annotations {
		t.Notes = append(t.Notes, a.Description)
	}
	return t
}

func isZero(t *twTime) bool {
	return t == nil || t.IsZero()
}

// formatTime renders a date, with a clock only when it is not midnight.
func formatTime(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format(model.DateLayout)
	}
	return t.Format("2006-01-02T15:04")
}

var recurPattern = regexp.MustCompile(`^(\d*)\s*([a-z]+)$`)

// recurToRRule maps Taskwarrior recurrence periods onto RRULE text. Unknown
// periods yield "".
func recurToRRule(recur string) string {
	m := recurPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(recur)))
	if m == nil {
		return ""
	}

	interval := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return ""
		}
		interval = n
	}

	var freq string
	switch m[2] {
	case "d", "day", "days", "daily":
		freq = "DAILY"
	case "w", "wk", "wks", "week", "weeks", "weekly":
		freq = "WEEKLY"
	case "weekdays":
		return "RRULE:FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"
	case "biweekly", "fortnight":
		freq, interval = "WEEKLY", 2*interval
	case "mo", "month", "months", "monthly":
		freq = "MONTHLY"
	case "q", "quarterly":
		freq, interval = "MONTHLY", 3*interval
	case "y", "yr", "year", "years", "yearly", "annual", "annually":
		freq = "YEARLY"
	default:
		return ""
	}

	if interval > 1 {
		return fmt.Sprintf("RRULE:FREQ=%s;INTERVAL=%d", freq, interval)
	}
	return "RRULE:FREQ=" + freq
}

var isoDurationPart = regexp.MustCompile(`(\d+)([HMS])`)

// ParseDuration parses the ISO 8601 time durations (PT1H30M) Taskwarrior
// exports for duration UDAs.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO 8601 duration format: %s", s)
	}

	s = s[1:]
	if len(s) == 0 || s[0] != 'T' {
		return 0, fmt.Errorf("invalid ISO 8601 duration (missing T): P%s", s)
	}
	s = s[1:]

	var total time.Duration
	for _, match := range isoDurationPart.FindAllStringSubmatch(s, -1) {
		value, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "H":
			total += time.Duration(value) * time.Hour
		case "M":
			total += time.Duration(value) * time.Minute
		case "S":
			total += time.Duration(value) * time.Second
		}
	}

	if total == 0 {
		return 0, fmt.Errorf("invalid ISO 8601 duration: PT%s", s)
	}

	return total, nil
}
