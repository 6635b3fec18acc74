package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

type staticCreds bool

func (s staticCreds) EnsureCredential(context.Context) bool { return bool(s) }

// newTestClient points both the REST and the batch endpoints at handler.
func newTestClient(t *testing.T, handler http.Handler, creds Credentials) *CalendarClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), "primary", Options{
		HTTPClient:  srv.Client(),
		Credentials: creds,
		Endpoint:    srv.URL + "/",
		BatchURL:    srv.URL + "/batch",
		Retry:       RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond},
		Logger:      testLogger(t),
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": http.StatusText(status),
			"errors":  []map[string]string{{"reason": reason, "message": http.StatusText(status)}},
		},
	})
}

func marked(id string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: id,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"tasksync": "1", "taskId": id},
		},
	}
}

var managed = ListOptions{PropertyKey: "tasksync", PropertyValue: "1"}

func TestListManaged_FullListingPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "tasksync=1", q.Get("privateExtendedProperty"))
		assert.Equal(t, "false", q.Get("showDeleted"))
		assert.Empty(t, q.Get("syncToken"))

		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, calendar.Events{Items: []*calendar.Event{marked("a")}, NextPageToken: "p2"})
			return
		}
		assert.Equal(t, "p2", q.Get("pageToken"))
		writeJSON(w, http.StatusOK, calendar.Events{Items: []*calendar.Event{marked("b")}, NextSyncToken: "tok-1"})
	}), nil)

	listing, err := c.ListManaged(context.Background(), managed)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, listing.Incremental)
	assert.Equal(t, "tok-1", listing.NextSyncToken)
	assert.Equal(t, c.FilterSignature(managed), listing.Signature)
	require.Len(t, listing.Events, 2)
	assert.Equal(t, "a", listing.Events[0].Id)
	assert.Equal(t, "b", listing.Events[1].Id)
}

func TestListManaged_IncrementalFiltersUnmarked(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "tok-1", q.Get("syncToken"))
		assert.Empty(t, q.Get("privateExtendedProperty"))

		writeJSON(w, http.StatusOK, calendar.Events{
			Items: []*calendar.Event{
				marked("a"),
				{Id: "foreign", Summary: "someone else's"},
				{Id: "gone", Status: "cancelled"},
			},
			NextSyncToken: "tok-2",
		})
	}), nil)

	opts := managed
	opts.SyncToken = "tok-1"
	opts.Signature = c.FilterSignature(managed)

	listing, err := c.ListManaged(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, listing.Incremental)
	assert.Equal(t, "tok-2", listing.NextSyncToken)
	require.Len(t, listing.Events, 2)
	assert.Equal(t, "a", listing.Events[0].Id)
	assert.Equal(t, "gone", listing.Events[1].Id)
}

func TestListManaged_SignatureMismatchDropsToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("syncToken"))
		writeJSON(w, http.StatusOK, calendar.Events{NextSyncToken: "fresh"})
	}), nil)

	opts := managed
	opts.SyncToken = "tok-1"
	opts.Signature = "cal=other|prop=tasksync=1|singleEvents=false|quotaUser="

	listing, err := c.ListManaged(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, listing.Incremental)
	assert.Equal(t, "fresh", listing.NextSyncToken)
}

func TestListManaged_ExpiredTokenFallsBack(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("syncToken") != "" {
			apiError(w, http.StatusGone, "fullSyncRequired")
			return
		}
		writeJSON(w, http.StatusOK, calendar.Events{Items: []*calendar.Event{marked("a")}, NextSyncToken: "fresh"})
	}), nil)

	opts := managed
	opts.SyncToken = "stale"
	opts.Signature = c.FilterSignature(managed)

	listing, err := c.ListManaged(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "410 is not retried, the full listing follows")
	assert.False(t, listing.Incremental)
	assert.Equal(t, "fresh", listing.NextSyncToken)
	assert.Len(t, listing.Events, 1)
}

func TestListManaged_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			apiError(w, http.StatusServiceUnavailable, "backendError")
		case 2:
			apiError(w, http.StatusTooManyRequests, "rateLimitExceeded")
		default:
			writeJSON(w, http.StatusOK, calendar.Events{NextSyncToken: "t"})
		}
	}), nil)

	_, err := c.ListManaged(context.Background(), managed)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListManaged_GivesUpAfterAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		apiError(w, http.StatusInternalServerError, "backendError")
	}), nil)

	_, err := c.ListManaged(context.Background(), managed)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, ErrServerError)
}

func TestListManaged_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		apiError(w, http.StatusForbidden, "forbidden")
	}), nil)

	_, err := c.ListManaged(context.Background(), managed)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var tagged *Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, KindPermanent, tagged.Kind)
	assert.Equal(t, http.StatusForbidden, tagged.StatusCode)
}

func TestListManaged_QuotaUser(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.URL.Query().Get("quotaUser"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		writeJSON(w, http.StatusOK, calendar.Events{})
	}), nil)

	opts := managed
	opts.QuotaUser = "alice"
	opts.SingleEvents = true
	_, err := c.ListManaged(context.Background(), opts)
	require.NoError(t, err)
}

func TestListManaged_NotInitialized(t *testing.T) {
	var c *CalendarClient
	_, err := c.ListManaged(context.Background(), managed)
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, KindFatal, Classify(err).Kind)
}

func TestFilterSignature_ChangesWithFilter(t *testing.T) {
	c := NewCalendarClient(nil, "cal-1", Options{})
	base := c.FilterSignature(managed)

	other := managed
	other.SingleEvents = true
	assert.NotEqual(t, base, c.FilterSignature(other))

	other = managed
	other.QuotaUser = "q"
	assert.NotEqual(t, base, c.FilterSignature(other))

	assert.NotEqual(t, base, NewCalendarClient(nil, "cal-2", Options{}).FilterSignature(managed))
}

func TestResolveCalendarID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/calendarList", r.URL.Path)
		writeJSON(w, http.StatusOK, calendar.CalendarList{Items: []*calendar.CalendarListEntry{
			{Id: "work@group", Summary: "Work"},
			{Id: "tasks@group", Summary: "Tasks"},
		}})
	}), nil)

	id, err := c.ResolveCalendarID(context.Background(), "Tasks")
	require.NoError(t, err)
	assert.Equal(t, "tasks@group", id)

	_, err = c.ResolveCalendarID(context.Background(), "Missing")
	assert.Error(t, err)

	id, err = c.ResolveCalendarID(context.Background(), "primary")
	require.NoError(t, err)
	assert.Equal(t, "primary", id)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		reason string
		kind   Kind
		want   error
	}{
		{http.StatusTooManyRequests, "", KindTransient, ErrRateLimited},
		{http.StatusForbidden, "rateLimitExceeded", KindTransient, ErrRateLimited},
		{http.StatusForbidden, "userRateLimitExceeded", KindTransient, ErrRateLimited},
		{http.StatusForbidden, "forbidden", KindPermanent, ErrForbidden},
		{http.StatusServiceUnavailable, "", KindTransient, ErrServerError},
		{http.StatusNotFound, "", KindBenign, ErrNotFound},
		{http.StatusGone, "", KindBenign, ErrGone},
		{http.StatusPreconditionFailed, "", KindBenign, ErrPreconditionFailed},
		{http.StatusConflict, "duplicate", KindBenign, ErrConflict},
		{http.StatusUnauthorized, "", KindFatal, ErrUnauthorized},
		{http.StatusBadRequest, "", KindPermanent, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.reason), func(t *testing.T) {
			e := statusError(tt.status, tt.reason, "msg")
			assert.Equal(t, tt.kind, e.Kind)
			assert.ErrorIs(t, e, tt.want)
		})
	}

	assert.Nil(t, Classify(nil))
	assert.Equal(t, KindFatal, Classify(context.Canceled).Kind)
	assert.Equal(t, KindPermanent, Classify(errors.New("boom")).Kind)
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, retryAfter(h))
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, retryAfter(h))
	h.Set("Retry-After", "soon")
	assert.Zero(t, retryAfter(h))
}
