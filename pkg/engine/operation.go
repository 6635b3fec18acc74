package engine

import (
	"fmt"

	"github.com/harrisonrobin/tasksync/pkg/google"
)

type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpCancel
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpCancel:
		return "cancel"
	default:
		return "delete"
	}
}

// Operation is one planned remote write. Only Request goes over the wire;
// the rest is bookkeeping for applying the result.
type Operation struct {
	Kind OpKind
	// Key is the TaskMap key the result belongs to; empty for deletes of
	// unowned remote events.
	Key    string
	TaskID string
	// PriorID is the remote event the operation targets (not set on insert).
	PriorID string
	Summary string
	Request google.Request

	// after is a delete that must succeed before this operation is sent.
	after *Operation

	attempts   int
	lastStatus int
	lastErr    string
	failed     bool
}

// OpError is an operation finalised as a permanent failure.
type OpError struct {
	Op      OpKind
	Key     string
	TaskID  string
	PriorID string
	Retries int
	Status  int
	Message string
}

func (e OpError) Error() string {
	return fmt.Sprintf("%s %s (event %s): HTTP %d after %d retries: %s",
		e.Op, e.Key, e.PriorID, e.Status, e.Retries, e.Message)
}
