package tasksource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// JSONFiles reads tasks from files holding a JSON array or a stream of
// JSON objects (one per line).
type JSONFiles struct {
	Files  []string
	Tag    string
	logger *slog.Logger
}

func (j *JSONFiles) Paths() []string { return j.Files }

func (j *JSONFiles) Tasks(_ context.Context) ([]model.Task, error) {
	var all []model.Task
	for _, path := range j.Files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("tasksource: %w", err)
		}
		tasks, err := ParseTasks(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("tasksource: %s: %w", path, err)
		}
		for i := range tasks {
			if tasks[i].Location.Path == "" {
				tasks[i].Location.Path = path
			}
		}
		all = append(all, tasks...)
	}
	return dedupe(FilterTasks(all, j.Tag), j.logger), nil
}

// ParseTasks decodes either a JSON array of tasks or consecutive task
// objects.
func ParseTasks(r io.Reader) ([]model.Task, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(br)
	if first == '[' {
		var tasks []model.Task
		if err := decoder.Decode(&tasks); err != nil {
			return nil, fmt.Errorf("failed to decode task array: %w", err)
		}
		return tasks, nil
	}

	var tasks []model.Task
	for {
		var task model.Task
		if err := decoder.Decode(&task); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode task json: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
