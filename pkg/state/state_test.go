package state

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
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

func sample() *State {
	s := New()
	s.TaskMap["t1"] = "e1"
	s.TaskMap["t2#2025-08-31"] = "e2"
	s.TaskMap["t3"] = "e1"
	s.SyncToken = "tok"
	s.FilterSignature = "cal=primary"
	s.LastRun = time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
	s.AddError(ErrorRecord{At: s.LastRun, Op: "insert", TaskID: "t9", Retries: 5, Status: 503, Message: "boom"})
	s.Remote["e1"] = &calendar.Event{Id: "e1", Summary: "one", Etag: `"1"`}
	return s
}

func TestAddError_Ring(t *testing.T) {
	s := New()
	for i := range ErrorCapacity + 7 {
		s.AddError(ErrorRecord{Message: fmt.Sprint(i)})
	}
	require.Len(t, s.Errors, ErrorCapacity)
	assert.Equal(t, "7", s.Errors[0].Message)
	assert.Equal(t, fmt.Sprint(ErrorCapacity+6), s.Errors[ErrorCapacity-1].Message)
}

func TestUnmap(t *testing.T) {
	s := sample()
	assert.Equal(t, []string{"t1", "t3"}, s.KeysFor("e1"))
	assert.Equal(t, []string{"t1", "t3"}, s.Unmap("e1"))
	assert.Equal(t, map[string]string{"t2#2025-08-31": "e2"}, s.TaskMap)
	assert.Empty(t, s.Unmap("missing"))
}

func testRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.TaskMap)
	assert.NotNil(t, empty.Remote)

	want := sample()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.TaskMap, got.TaskMap)
	assert.Equal(t, want.SyncToken, got.SyncToken)
	assert.Equal(t, want.FilterSignature, got.FilterSignature)
	assert.True(t, want.LastRun.Equal(got.LastRun))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "boom", got.Errors[0].Message)
	assert.Equal(t, 503, got.Errors[0].Status)
	require.Contains(t, got.Remote, "e1")
	assert.Equal(t, `"1"`, got.Remote["e1"].Etag)

	// A second save replaces rather than accumulates.
	delete(want.TaskMap, "t3")
	want.Errors = nil
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.TaskMap, 2)
	assert.Empty(t, got.Errors)
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := Open(BackendJSON, filepath.Join(t.TempDir(), "nested", "state.json"), testLogger(t))
	require.NoError(t, err)
	defer store.Close()
	testRoundTrip(t, store)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := Open(BackendSQLite, filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	defer store.Close()
	testRoundTrip(t, store)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := OpenSQLite(ctx, path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sample()))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(ctx, path, testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.TaskMap["t1"])
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("redis", "x", nil)
	assert.Error(t, err)
}
