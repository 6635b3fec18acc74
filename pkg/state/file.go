package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps State in one JSON file, replaced atomically on Save.
type FileStore struct {
	Path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{Path: path, logger: logger}
}

// Load returns an empty state when the file does not exist yet.
func (fs *FileStore) Load(_ context.Context) (*State, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.Path)
	if errors.Is(err, os.ErrNotExist) {
		fs.logger.Debug("no state file yet", slog.String("path", fs.Path))
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", fs.Path, err)
	}
	defer f.Close()

	s := New()
	if err := json.NewDecoder(f).Decode(s); err != nil {
		return nil, fmt.Errorf("state: decoding %s: %w", fs.Path, err)
	}
	s.ensure()

	fs.logger.Debug("state loaded",
		slog.String("path", fs.Path),
		slog.Int("mappings", len(s.TaskMap)),
	)
	return s, nil
}

func (fs *FileStore) Save(_ context.Context, s *State) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Dir(fs.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		tmp.Close()
		return fmt.Errorf("state: encoding: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("state: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.Path); err != nil {
		return fmt.Errorf("state: replacing %s: %w", fs.Path, err)
	}
	return nil
}

func (fs *FileStore) Close() error { return nil }
