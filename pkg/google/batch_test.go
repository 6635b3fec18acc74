package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

func TestEncodeBatch(t *testing.T) {
	reqs := []Request{
		{Method: http.MethodPost, Path: EventsPath("primary"), Body: &calendar.Event{Summary: "new"}},
		{Method: http.MethodPatch, Path: "calendars/primary/events/e1", IfMatch: `"etag-1"`, Body: &calendar.Event{Status: "cancelled"}},
		{Method: http.MethodDelete, Path: EventPath("primary", "e2")},
	}

	body, err := EncodeBatch(reqs, "batch_test")
	require.NoError(t, err)

	mr := multipart.NewReader(bytes.NewReader(body), "batch_test")
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			assert.Equal(t, len(reqs), i)
			break
		}
		require.NoError(t, err)

		assert.Equal(t, "application/http", part.Header.Get("Content-Type"))
		assert.Equal(t, "<"+contentID(i)+">", part.Header.Get("Content-ID"))

		req, err := http.ReadRequest(bufio.NewReader(part))
		require.NoError(t, err)
		assert.Equal(t, reqs[i].Method, req.Method)

		switch i {
		case 0:
			assert.Equal(t, "/calendar/v3/calendars/primary/events", req.URL.Path)
			var ev calendar.Event
			require.NoError(t, json.NewDecoder(req.Body).Decode(&ev))
			assert.Equal(t, "new", ev.Summary)
		case 1:
			assert.Equal(t, "/calendar/v3/calendars/primary/events/e1", req.URL.Path)
			assert.Equal(t, `"etag-1"`, req.Header.Get("If-Match"))
		case 2:
			assert.Equal(t, "/calendar/v3/calendars/primary/events/e2", req.URL.Path)
			assert.Empty(t, req.Header.Get("Content-Type"))
		}
	}
}

func TestEventPath_Escapes(t *testing.T) {
	assert.Equal(t, "/calendar/v3/calendars/tasks@group/events/abc", EventPath("tasks@group", "abc"))
	assert.Equal(t, "/calendar/v3/calendars/primary/events/a%2Fb%20c", EventPath("primary", "a/b c"))
	assert.Equal(t, "/calendar/v3/calendars/my%2Fcal/events", EventsPath("my/cal"))
}

const fixtureOutOfOrder = "--batch_xyz\r\n" +
	"Content-Type: application/http\r\n" +
	"Content-ID: <response-item-2>\r\n" +
	"\r\n" +
	"HTTP/1.1 204 No Content\r\n" +
	"\r\n" +
	"\r\n" +
	"--batch_xyz\r\n" +
	"Content-Type: application/http\r\n" +
	"Content-ID: <response-item-0>\r\n" +
	"\r\n" +
	"HTTP/1.1 200 OK\r\n" +
	"Content-Type: application/json; charset=UTF-8\r\n" +
	"ETag: \"e0\"\r\n" +
	"\r\n" +
	"{\"id\": \"ev-0\", \"summary\": \"first\"}\r\n" +
	"--batch_xyz\r\n" +
	"Content-Type: application/http\r\n" +
	"Content-ID: <response-item-1>\r\n" +
	"\r\n" +
	"HTTP/1.1 403 Forbidden\r\n" +
	"Content-Type: application/json\r\n" +
	"\r\n" +
	"{\"error\": {\"code\": 403, \"errors\": [{\"reason\": \"rateLimitExceeded\"}]}}\r\n" +
	"--batch_xyz--\r\n"

func TestDecodeBatch_OutOfOrder(t *testing.T) {
	out, err := DecodeBatch("multipart/mixed; boundary=batch_xyz", []byte(fixtureOutOfOrder), 3)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, http.StatusOK, out[0].StatusCode)
	assert.Equal(t, "item-0", out[0].ContentID)
	ev, err := out[0].Event()
	require.NoError(t, err)
	assert.Equal(t, "ev-0", ev.Id)
	assert.Equal(t, `"e0"`, out[0].Header.Get("ETag"))

	assert.Equal(t, http.StatusForbidden, out[1].StatusCode)
	assert.Equal(t, "rateLimitExceeded", out[1].Reason())

	assert.Equal(t, http.StatusNoContent, out[2].StatusCode)
	ev, err = out[2].Event()
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeBatch_BoundaryScanFallback(t *testing.T) {
	out, err := DecodeBatch("", []byte("\r\n"+fixtureOutOfOrder), 3)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out[0].StatusCode)
	assert.Equal(t, http.StatusNoContent, out[2].StatusCode)
}

func TestDecodeBatch_MissingPart(t *testing.T) {
	out, err := DecodeBatch("multipart/mixed; boundary=batch_xyz", []byte(fixtureOutOfOrder), 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, 0, out[3].StatusCode)
	assert.Equal(t, 3, out[3].Index)
}

func TestDecodeBatch_NoBoundary(t *testing.T) {
	_, err := DecodeBatch("", []byte("not multipart"), 1)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNormalizeContentID(t *testing.T) {
	assert.Equal(t, "item-3", NormalizeContentID(" <response-item-3> "))
	assert.Equal(t, 3, indexOf("item-3"))
	assert.Equal(t, -1, indexOf("garbage"))
}

// batchServer answers every part with handle(i, req) and writes the parts in
// reverse order.
func batchServer(t *testing.T, calls *atomic.Int32, handle func(i int, r *http.Request) (int, any)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/batch", r.URL.Path)

		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)

		type result struct {
			id     string
			status int
			body   any
		}
		var results []result

		mr := multipart.NewReader(r.Body, params["boundary"])
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			inner, err := http.ReadRequest(bufio.NewReader(part))
			require.NoError(t, err)
			status, body := handle(i, inner)
			results = append(results, result{id: part.Header.Get("Content-ID"), status: status, body: body})
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for i := len(results) - 1; i >= 0; i-- {
			res := results[i]
			pw, err := mw.CreatePart(map[string][]string{
				"Content-Type": {"application/http"},
				"Content-ID":   {"<response-" + strings.Trim(res.id, "<>") + ">"},
			})
			require.NoError(t, err)
			_, _ = fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", res.status, http.StatusText(res.status))
			if res.body == nil {
				_, _ = io.WriteString(pw, "\r\n")
				continue
			}
			data, _ := json.Marshal(res.body)
			_, _ = io.WriteString(pw, "Content-Type: application/json\r\n\r\n")
			_, _ = pw.Write(data)
		}
		require.NoError(t, mw.Close())

		w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	})
}

func TestExecuteBatch_RoundTrip(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, batchServer(t, &calls, func(i int, r *http.Request) (int, any) {
		switch r.Method {
		case http.MethodPost:
			return http.StatusOK, &calendar.Event{Id: "created"}
		case http.MethodPatch:
			return http.StatusPreconditionFailed, nil
		default:
			return http.StatusNoContent, nil
		}
	}), staticCreds(true))

	out, err := c.ExecuteBatch(context.Background(), []Request{
		{Method: http.MethodPost, Path: EventsPath("primary"), Body: &calendar.Event{Summary: "x"}},
		{Method: http.MethodPatch, Path: EventPath("primary", "e1"), IfMatch: `"1"`, Body: &calendar.Event{}},
		{Method: http.MethodDelete, Path: EventPath("primary", "e2")},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, http.StatusOK, out[0].StatusCode)
	ev, err := out[0].Event()
	require.NoError(t, err)
	assert.Equal(t, "created", ev.Id)
	assert.Equal(t, http.StatusPreconditionFailed, out[1].StatusCode)
	assert.Equal(t, http.StatusNoContent, out[2].StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteBatch_EnvelopeConflictAttributedToParts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusConflict, "conflict")
	}), staticCreds(true))

	out, err := c.ExecuteBatch(context.Background(), []Request{
		{Method: http.MethodDelete, Path: EventPath("primary", "a")},
		{Method: http.MethodDelete, Path: EventPath("primary", "b")},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, http.StatusConflict, out[0].StatusCode)
	assert.Equal(t, http.StatusConflict, out[1].StatusCode)
}

func TestExecuteBatch_RetriesEnvelope(t *testing.T) {
	var calls atomic.Int32
	inner := batchServer(t, &atomic.Int32{}, func(int, *http.Request) (int, any) { return http.StatusNoContent, nil })
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			apiError(w, http.StatusBadGateway, "backendError")
			return
		}
		inner.ServeHTTP(w, r)
	}), staticCreds(true))

	out, err := c.ExecuteBatch(context.Background(), []Request{{Method: http.MethodDelete, Path: EventPath("primary", "a")}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.StatusNoContent, out[0].StatusCode)
}

func TestExecuteBatch_NoCredential(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, batchServer(t, &calls, nil), staticCreds(false))

	_, err := c.ExecuteBatch(context.Background(), []Request{{Method: http.MethodDelete, Path: EventPath("primary", "a")}})
	require.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, KindFatal, Classify(err).Kind)
	assert.Zero(t, calls.Load())
}
