package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// Request is one sub-operation of a batch.
type Request struct {
	Method string
	Path   string
	// IfMatch carries the event etag as an optimistic-concurrency precondition.
	IfMatch string
	// Body is marshalled to JSON; nil sends no body.
	Body any
}

// Response is one decoded sub-result. StatusCode 0 means the server sent
// no part for the request.
type Response struct {
	Index      int
	ContentID  string
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Event decodes the body as an event. A bodiless response yields nil, nil.
func (r *Response) Event() (*calendar.Event, error) {
	if len(r.Body) == 0 {
		return nil, nil
	}
	var ev calendar.Event
	if err := json.Unmarshal(r.Body, &ev); err != nil {
		return nil, fmt.Errorf("google: decoding event in part %d: %w", r.Index, err)
	}
	return &ev, nil
}

// Reason returns the first error reason of an error body, if any.
func (r *Response) Reason() string {
	return errorReason(r.Body)
}

// EventsPath is the collection path of a calendar's events.
func EventsPath(calendarID string) string {
	return servicePrefix + "/calendars/" + url.PathEscape(calendarID) + "/events"
}

// EventPath is the resource path of one event.
func EventPath(calendarID, eventID string) string {
	return EventsPath(calendarID) + "/" + url.PathEscape(eventID)
}

// ExecuteBatch sends reqs as one multipart batch and returns one Response
// per request, in request order.
func (c *CalendarClient) ExecuteBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	if c == nil || c.httpClient == nil {
		return nil, &Error{Kind: KindFatal, Message: "batch without an HTTP client", Err: ErrNotInitialized}
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	if c.creds != nil && !c.creds.EnsureCredential(ctx) {
		return nil, &Error{Kind: KindFatal, Message: "no valid credential", Err: ErrNoCredential}
	}

	boundary := "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	payload, err := EncodeBatch(reqs, boundary)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: err.Error(), Err: err}
	}

	var (
		contentType string
		body        []byte
		outerStatus int
	)

	err = c.retry(ctx, "batch", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, bytes.NewReader(payload))
		if err != nil {
			return &Error{Kind: KindFatal, Message: err.Error(), Err: err}
		}
		req.Header.Set("Content-Type", "multipart/mixed; boundary="+boundary)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &Error{Kind: KindTransient, Message: "reading batch response: " + err.Error(), Err: err}
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			contentType, body = resp.Header.Get("Content-Type"), data
			return nil
		}

		// Conflicts on the envelope are left to the caller to classify per
		// operation.
		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
			outerStatus = resp.StatusCode
			return nil
		}

		e := statusError(resp.StatusCode, errorReason(data), strings.TrimSpace(string(data)))
		e.RetryAfter = retryAfter(resp.Header)
		return e
	})
	if err != nil {
		return nil, err
	}

	if outerStatus != 0 {
		c.logger.Warn("batch envelope rejected, attributing status to every part",
			slog.Int("status", outerStatus),
			slog.Int("parts", len(reqs)),
		)
		out := make([]Response, len(reqs))
		for i := range out {
			out[i] = Response{Index: i, StatusCode: outerStatus}
		}
		return out, nil
	}

	out, err := DecodeBatch(contentType, body, len(reqs))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}

	c.logger.Debug("batch executed", slog.Int("parts", len(reqs)))
	return out, nil
}

// EncodeBatch renders reqs as a multipart/mixed body. Part i carries
// Content-ID <item-i>.
func EncodeBatch(reqs []Request, boundary string) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("google: invalid boundary: %w", err)
	}

	for i, r := range reqs {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<"+contentID(i)+">")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("google: creating part %d: %w", i, err)
		}

		fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", r.Method, normalizePath(r.Path))
		if r.IfMatch != "" {
			fmt.Fprintf(part, "If-Match: %s\r\n", r.IfMatch)
		}

		if r.Body != nil {
			data, err := json.Marshal(r.Body)
			if err != nil {
				return nil, fmt.Errorf("google: encoding body of part %d: %w", i, err)
			}
			fmt.Fprintf(part, "Content-Type: application/json; charset=UTF-8\r\n")
			fmt.Fprintf(part, "Content-Length: %d\r\n\r\n", len(data))
			part.Write(data)
		} else {
			fmt.Fprintf(part, "\r\n")
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("google: closing batch body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a multipart batch response. The boundary comes from the
// declared content type, or failing that from the first delimiter line in
// the body. Results are placed by correlation id, not arrival order; n is
// the number of requests sent.
func DecodeBatch(contentType string, body []byte, n int) ([]Response, error) {
	boundary := boundaryFromContentType(contentType)
	if boundary == "" {
		boundary = scanBoundary(body)
	}
	if boundary == "" {
		return nil, fmt.Errorf("%w: no boundary", ErrMalformedResponse)
	}

	var decoded []Response
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("%w: reading part: %v", ErrMalformedResponse, err)
		}

		r, err := parsePart(part.Header.Get("Content-ID"), raw)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, r)
	}

	sort.SliceStable(decoded, func(i, j int) bool { return decoded[i].Index < decoded[j].Index })

	out := make([]Response, n)
	for i := range out {
		out[i] = Response{Index: i}
	}
	var unplaced []Response
	for _, r := range decoded {
		if r.Index >= 0 && r.Index < n && out[r.Index].StatusCode == 0 {
			out[r.Index] = r
			continue
		}
		unplaced = append(unplaced, r)
	}
	// Parts without a usable correlation id fill the remaining slots in
	// arrival order.
	for _, r := range unplaced {
		for i := range out {
			if out[i].StatusCode == 0 {
				r.Index = i
				out[i] = r
				break
			}
		}
	}

	return out, nil
}

// parsePart parses "HTTP/1.1 <status>" + headers + optional JSON body.
func parsePart(rawID string, raw []byte) (Response, error) {
	id := NormalizeContentID(rawID)
	r := Response{ContentID: id, Index: indexOf(id)}

	raw = bytes.TrimLeft(raw, "\r\n \t")
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return r, fmt.Errorf("%w: part %q status line: %v", ErrMalformedResponse, id, err)
	}
	defer resp.Body.Close()

	r.StatusCode = resp.StatusCode
	r.Header = resp.Header

	data, err := io.ReadAll(resp.Body)
	if err != nil && len(data) == 0 {
		// No-content parts routinely end without a body; treat as bodiless.
		return r, nil
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && json.Valid(data) {
		r.Body = json.RawMessage(data)
	}
	return r, nil
}

// NormalizeContentID strips angle brackets and the "response-" prefix the
// server adds to echoed ids.
func NormalizeContentID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimPrefix(id, "response-")
	return id
}

func contentID(i int) string {
	return "item-" + strconv.Itoa(i)
}

// indexOf extracts the request index from a normalised id, or -1.
func indexOf(id string) int {
	i := strings.LastIndexAny(id, "-+:")
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasPrefix(p, servicePrefix+"/") {
		p = servicePrefix + p
	}
	return p
}

func boundaryFromContentType(ct string) string {
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["boundary"]
}

// scanBoundary finds the first "--boundary" delimiter line in body.
func scanBoundary(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "--") && len(line) > 2 {
			return strings.TrimSuffix(strings.TrimPrefix(line, "--"), "--")
		}
		return ""
	}
	return ""
}

// errorReason digs the first reason out of a Google error body.
func errorReason(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var env struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if len(env.Error.Errors) > 0 {
		return env.Error.Errors[0].Reason
	}
	return env.Error.Status
}
