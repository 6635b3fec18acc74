package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

// Kind is the failure class assigned to an error at the transport boundary.
type Kind int

const (
	// KindPermanent failures are reported and never retried.
	KindPermanent Kind = iota
	// KindTransient failures (rate limits, 5xx, network) are retried.
	KindTransient
	// KindBenign failures mean the target is already in the wanted state.
	KindBenign
	// KindFatal failures abort the whole run.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBenign:
		return "benign"
	case KindFatal:
		return "fatal"
	default:
		return "permanent"
	}
}

// Sentinel errors. Use errors.Is(err, google.ErrGone) to check.
var (
	ErrBadRequest         = errors.New("google: bad request")
	ErrUnauthorized       = errors.New("google: unauthorized")
	ErrForbidden          = errors.New("google: forbidden")
	ErrNotFound           = errors.New("google: not found")
	ErrConflict           = errors.New("google: conflict")
	ErrGone               = errors.New("google: resource gone")
	ErrPreconditionFailed = errors.New("google: precondition failed")
	ErrRateLimited        = errors.New("google: rate limited")
	ErrServerError        = errors.New("google: server error")
	ErrNoCredential       = errors.New("google: no valid credential")
	ErrNotInitialized     = errors.New("google: client not initialized")
	ErrMalformedResponse  = errors.New("google: malformed batch response")
)

// Error is the tagged error produced by this package.
type Error struct {
	Kind       Kind
	StatusCode int
	Reason     string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Reason != "":
		return fmt.Sprintf("google: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("google: HTTP %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "google: " + e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// rateLimitReasons are the 403 reasons the calendar uses for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// IsRateLimitReason reports whether a 403 reason means "slow down".
func IsRateLimitReason(reason string) bool {
	return rateLimitReasons[reason]
}

// Classify converts any error into a tagged *Error. It returns nil for nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindFatal, Message: "request canceled", Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		e := statusError(gerr.Code, reason, gerr.Message)
		e.RetryAfter = retryAfter(gerr.Header)
		return e
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindPermanent, Message: err.Error(), Err: err}
}

// statusError builds the tagged error for an HTTP status.
func statusError(code int, reason, message string) *Error {
	e := &Error{StatusCode: code, Reason: reason, Message: message}

	switch {
	case code == http.StatusTooManyRequests:
		e.Kind, e.Err = KindTransient, ErrRateLimited
	case code == http.StatusForbidden && IsRateLimitReason(reason):
		e.Kind, e.Err = KindTransient, ErrRateLimited
	case code >= http.StatusInternalServerError:
		e.Kind, e.Err = KindTransient, ErrServerError
	case code == http.StatusNotFound:
		e.Kind, e.Err = KindBenign, ErrNotFound
	case code == http.StatusGone:
		e.Kind, e.Err = KindBenign, ErrGone
	case code == http.StatusPreconditionFailed:
		e.Kind, e.Err = KindBenign, ErrPreconditionFailed
	case code == http.StatusConflict:
		e.Kind, e.Err = KindBenign, ErrConflict
	case code == http.StatusUnauthorized:
		e.Kind, e.Err = KindFatal, ErrUnauthorized
	case code == http.StatusForbidden:
		e.Kind, e.Err = KindPermanent, ErrForbidden
	case code == http.StatusBadRequest:
		e.Kind, e.Err = KindPermanent, ErrBadRequest
	default:
		e.Kind = KindPermanent
	}

	return e
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
