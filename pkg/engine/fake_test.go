package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/mapper"
	"github.com/harrisonrobin/tasksync/pkg/model"
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

type taskList []model.Task

func (l taskList) Tasks(context.Context) ([]model.Task, error) {
	return l, nil
}

type staticCreds bool

func (c staticCreds) EnsureCredential(context.Context) bool { return bool(c) }

// fakeCalendar is an in-memory calendar speaking the batch protocol at the
// Request/Response level.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]*calendar.Event
	seq     int
	batches [][]google.Request
	lists   int

	// respond overrides the status of a request when it returns non-zero.
	respond func(call, i int, r google.Request) int
	// batchErr fails a whole batch when it returns non-nil.
	batchErr func(call int) error
	// onList runs at the start of every listing, outside the lock.
	onList func()
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]*calendar.Event)}
}

func (f *fakeCalendar) CalendarID() string { return "primary" }

func (f *fakeCalendar) ListManaged(_ context.Context, _ google.ListOptions) (*google.Listing, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var out []*calendar.Event
	for _, id := range f.sortedIDs() {
		ev := f.events[id]
		if ev.Status == cancelledStatus || private(ev, mapper.SyncMarkerKey) != mapper.SyncMarkerValue {
			continue
		}
		out = append(out, roundTrip(ev))
	}
	return &google.Listing{Events: out, NextSyncToken: fmt.Sprintf("tok-%d", f.lists), Signature: "sig"}, nil
}

func (f *fakeCalendar) ExecuteBatch(_ context.Context, reqs []google.Request) ([]google.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.batches)
	f.batches = append(f.batches, reqs)
	if f.batchErr != nil {
		if err := f.batchErr(call); err != nil {
			return nil, err
		}
	}

	out := make([]google.Response, len(reqs))
	for i, r := range reqs {
		out[i] = google.Response{Index: i}
		if f.respond != nil {
			if status := f.respond(call, i, r); status != 0 {
				out[i].StatusCode = status
				continue
			}
		}
		status, ev := f.apply(r)
		out[i].StatusCode = status
		if ev != nil {
			out[i].Body, _ = json.Marshal(ev)
		}
	}
	return out, nil
}

func (f *fakeCalendar) apply(r google.Request) (int, *calendar.Event) {
	switch r.Method {
	case http.MethodPost:
		f.seq++
		ev := roundTrip(r.Body.(*calendar.Event))
		ev.Id = fmt.Sprintf("ev-%d", f.seq)
		ev.Etag = fmt.Sprintf(`"%d"`, f.seq)
		f.events[ev.Id] = ev
		return http.StatusOK, roundTrip(ev)
	case http.MethodPatch:
		ev, status := f.target(r)
		if ev == nil {
			return status, nil
		}
		merged := mergePatch(ev, r.Body)
		f.seq++
		merged.Etag = fmt.Sprintf(`"%d"`, f.seq)
		f.events[merged.Id] = merged
		return http.StatusOK, roundTrip(merged)
	case http.MethodDelete:
		ev, status := f.target(r)
		if ev == nil {
			return status, nil
		}
		delete(f.events, ev.Id)
		return http.StatusNoContent, nil
	}
	return http.StatusBadRequest, nil
}

func (f *fakeCalendar) target(r google.Request) (*calendar.Event, int) {
	escaped := r.Path[strings.LastIndex(r.Path, "/")+1:]
	id, _ := url.PathUnescape(escaped)
	ev, ok := f.events[id]
	if !ok {
		return nil, http.StatusNotFound
	}
	if r.IfMatch != "" && r.IfMatch != ev.Etag {
		return nil, http.StatusPreconditionFailed
	}
	return ev, 0
}

func (f *fakeCalendar) put(ev *calendar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Etag == "" {
		ev.Etag = `"seed-` + ev.Id + `"`
	}
	f.events[ev.Id] = roundTrip(ev)
}

func (f *fakeCalendar) get(id string) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.events[id]; ok {
		return roundTrip(ev)
	}
	return nil
}

func (f *fakeCalendar) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeCalendar) sortedIDs() []string {
	ids := make([]string, 0, len(f.events))
	for id := range f.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func roundTrip(ev *calendar.Event) *calendar.Event {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	var out calendar.Event
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// mergePatch applies patch semantics: objects merge, everything else is
// replaced.
func mergePatch(ev *calendar.Event, patch any) *calendar.Event {
	var base, delta map[string]any
	data, _ := json.Marshal(ev)
	_ = json.Unmarshal(data, &base)
	data, _ = json.Marshal(patch)
	_ = json.Unmarshal(data, &delta)

	merged, _ := json.Marshal(mergeMaps(base, delta))
	var out calendar.Event
	_ = json.Unmarshal(merged, &out)
	return &out
}

func mergeMaps(base, delta map[string]any) map[string]any {
	for k, v := range delta {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := base[k].(map[string]any); ok {
				base[k] = mergeMaps(cur, sub)
				continue
			}
		}
		base[k] = v
	}
	return base
}
