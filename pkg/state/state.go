// Package state persists what one run hands to the next: the task to event
// mapping, the incremental sync token with its filter signature, the last
// successful run, a ring of recent errors and the last observed managed
// events.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"google.golang.org/api/calendar/v3"
)

// ErrorCapacity bounds the diagnostic error ring.
const ErrorCapacity = 50

// ErrorRecord is one permanent failure kept for diagnostics.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Op      string    `json:"op"`
	TaskID  string    `json:"taskId,omitempty"`
	PriorID string    `json:"priorId,omitempty"`
	Retries int       `json:"retries"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
}

// State is the persisted engine state.
type State struct {
	// TaskMap maps task keys (task id, or task id#date for materialised
	// occurrences) to remote event ids. Not injective.
	TaskMap         map[string]string `json:"taskMap"`
	SyncToken       string            `json:"syncToken,omitempty"`
	FilterSignature string            `json:"filterSignature,omitempty"`
	LastRun         time.Time         `json:"lastRun,omitempty"`
	Errors          []ErrorRecord     `json:"errors,omitempty"`
	// Remote caches the managed events seen so far, keyed by event id, so
	// an incremental listing can be merged into a complete view.
	Remote map[string]*calendar.Event `json:"remote,omitempty"`
}

// New returns an empty state.
func New() *State {
	return &State{
		TaskMap: make(map[string]string),
		Remote:  make(map[string]*calendar.Event),
	}
}

func (s *State) ensure() {
	if s.TaskMap == nil {
		s.TaskMap = make(map[string]string)
	}
	if s.Remote == nil {
		s.Remote = make(map[string]*calendar.Event)
	}
}

// AddError appends rec, dropping the oldest records beyond ErrorCapacity.
func (s *State) AddError(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
	if over := len(s.Errors) - ErrorCapacity; over > 0 {
		s.Errors = append([]ErrorRecord(nil), s.Errors[over:]...)
	}
}

// KeysFor returns the sorted mapping keys that point at eventID.
func (s *State) KeysFor(eventID string) []string {
	var keys []string
	for k, v := range s.TaskMap {
		if v == eventID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Unmap removes every mapping key pointing at eventID and returns them.
func (s *State) Unmap(eventID string) []string {
	keys := s.KeysFor(eventID)
	for _, k := range keys {
		delete(s.TaskMap, k)
	}
	return keys
}

// ResetSync forgets the incremental cursor and the remote cache.
func (s *State) ResetSync() {
	s.SyncToken = ""
	s.FilterSignature = ""
	s.Remote = make(map[string]*calendar.Event)
}

// Store loads and saves State.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
	Close() error
}

// Backends accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend at path.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case "", BackendJSON:
		return NewFileStore(path, logger), nil
	case BackendSQLite:
		return OpenSQLite(context.Background(), path, logger)
	default:
		return nil, fmt.Errorf("state: unknown backend %q", backend)
	}
}
