package engine

import (
	"net/http"

	"github.com/harrisonrobin/tasksync/pkg/google"
)

// Outcome is the verdict on one operation response.
type Outcome int

const (
	// Succeed applies the result to the mapping.
	Succeed Outcome = iota
	// Skip means the remote side is already where the operation wanted it;
	// local cleanup only, never an error.
	Skip
	// Retry leaves the operation pending for the next round.
	Retry
	// Fail records a permanent error.
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Succeed:
		return "succeed"
	case Skip:
		return "skip"
	case Retry:
		return "retry"
	default:
		return "fail"
	}
}

// Classify maps a per-operation status to an Outcome. Status 0 means the
// server returned no part for the operation.
func Classify(kind OpKind, status int, reason string) Outcome {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return Succeed
	case status == 0:
		return Retry
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return Retry
	case status == http.StatusForbidden && google.IsRateLimitReason(reason):
		return Retry
	case kind == OpInsert && status == http.StatusConflict:
		return Skip
	case kind != OpInsert && (status == http.StatusNotFound || status == http.StatusGone || status == http.StatusPreconditionFailed):
		return Skip
	default:
		return Fail
	}
}
