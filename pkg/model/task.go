package model

import "strings"

// Location points at the place a task was read from.
type Location struct {
	Path string `json:"path,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Task represents a task record from any source. Dates are kept as the
// source wrote them ("2006-01-02" or "2006-01-02T15:04"); the mapper decides
// how to interpret them.
type Task struct {
	ID              string   `json:"id"`
	Summary         string   `json:"summary"`
	StartDate       string   `json:"startDate,omitempty"`
	DueDate         string   `json:"dueDate,omitempty"`
	TimeWindowStart string   `json:"timeWindowStart,omitempty"`
	TimeWindowEnd   string   `json:"timeWindowEnd,omitempty"`
	Recurrence      string   `json:"recurrence,omitempty"`
	Completed       bool     `json:"completed,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ScheduledDate   string   `json:"scheduledDate,omitempty"`
	CreatedDate     string   `json:"createdDate,omitempty"`
	CompletionDate  string   `json:"completionDate,omitempty"`
	Location        Location `json:"location,omitempty"`
	Notes           []string `json:"notes,omitempty"`
}

// HasDates reports whether both the start and the due date are present.
func (t *Task) HasDates() bool {
	return strings.TrimSpace(t.StartDate) != "" && strings.TrimSpace(t.DueDate) != ""
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", "#", "%23")
	keyUnescaper = strings.NewReplacer("%23", "#", "%25", "%")
)

// TaskKey returns the TaskMap key of a task mapped as a single event. The
// occurrence separator is escaped so any id survives OwnerOf.
func TaskKey(taskID string) string {
	return keyEscaper.Replace(taskID)
}

// OccurrenceKey builds the TaskMap key of one materialised occurrence.
func OccurrenceKey(taskID, date string) string {
	return TaskKey(taskID) + "#" + date
}

// OwnerOf returns the task id a TaskMap key belongs to.
func OwnerOf(key string) string {
	owner, _, _ := strings.Cut(key, "#")
	return keyUnescaper.Replace(owner)
}
