// Package tasksource reads task records from the configured source: JSON
// files, a Taskwarrior export or Org-mode files.
package tasksource

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Source produces the current task set.
type Source interface {
	Tasks(ctx context.Context) ([]model.Task, error)
	// Paths lists the files whose changes should trigger a new run.
	Paths() []string
}

// Kinds accepted by New.
const (
	KindJSON        = "json"
	KindTaskwarrior = "taskwarrior"
	KindOrg         = "org"
)

// New builds the source of the given kind. filter is a tag for file sources
// and a Taskwarrior filter expression for the taskwarrior source.
func New(kind string, paths []string, filter string, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch kind {
	case "", KindJSON:
		return &JSONFiles{Files: paths, Tag: filter, logger: logger}, nil
	case KindTaskwarrior:
		return NewTaskwarrior(filter, paths, logger), nil
	case KindOrg:
		return &OrgFiles{Files: paths, Tag: filter, logger: logger}, nil
	default:
		return nil, fmt.Errorf("tasksource: unknown kind %q", kind)
	}
}

// FilterTasks keeps the tasks carrying tag. An empty tag keeps everything.
func FilterTasks(tasks []model.Task, tag string) []model.Task {
	if tag == "" {
		return tasks
	}
	var filtered []model.Task
	for _, task := range tasks {
		if slices.Contains(task.Tags, tag) {
			filtered = append(filtered, task)
		}
	}
	return filtered
}

// dedupe drops later tasks that reuse an id, logging each one.
func dedupe(tasks []model.Task, logger *slog.Logger) []model.Task {
	seen := make(map[string]bool, len(tasks))
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID == "" {
			logger.Warn("skipping task without id", slog.String("summary", t.Summary))
			continue
		}
		if seen[t.ID] {
			logger.Warn("skipping duplicate task id",
				slog.String("task_id", t.ID),
				slog.String("path", t.Location.Path),
			)
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}
