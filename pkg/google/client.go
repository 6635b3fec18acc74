// Package google talks to the Google Calendar API: paginated, sync-token
// aware listing of managed events and multipart batch execution.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	defaultBatchURL = "https://www.googleapis.com/batch/calendar/v3"
	servicePrefix   = "/calendar/v3"
	primaryCalendar = "primary"
)

// Credentials is the credential collaborator: it reports whether a usable
// credential is available, refreshing it when needed.
type Credentials interface {
	EnsureCredential(ctx context.Context) bool
}

// Options configures a CalendarClient.
type Options struct {
	HTTPClient  *http.Client
	Credentials Credentials
	// Endpoint overrides the REST base path (tests point it at httptest).
	Endpoint string
	// BatchURL overrides the batch endpoint.
	BatchURL string
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// CalendarClient is a Google Calendar API client bound to one calendar.
type CalendarClient struct {
	srv         *calendar.Service
	httpClient  *http.Client
	creds       Credentials
	calendarID  string
	batchURL    string
	retryPolicy RetryPolicy
	logger      *slog.Logger
}

// NewClient builds the calendar service on top of opts.HTTPClient and
// resolves calendarName to a calendar id.
func NewClient(ctx context.Context, calendarName string, opts Options) (*CalendarClient, error) {
	if opts.HTTPClient == nil {
		return nil, ErrNotInitialized
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
	if opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(opts.Endpoint))
	}

	srv, err := calendar.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("google: unable to create calendar service: %w", err)
	}

	c := NewCalendarClient(srv, "", opts)

	calendarID, err := c.ResolveCalendarID(ctx, calendarName)
	if err != nil {
		return nil, err
	}
	c.calendarID = calendarID

	return c, nil
}

// NewCalendarClient wraps an existing service bound to calendarID.
func NewCalendarClient(srv *calendar.Service, calendarID string, opts Options) *CalendarClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchURL := opts.BatchURL
	if batchURL == "" {
		batchURL = defaultBatchURL
	}

	return &CalendarClient{
		srv:         srv,
		httpClient:  opts.HTTPClient,
		creds:       opts.Credentials,
		calendarID:  calendarID,
		batchURL:    batchURL,
		retryPolicy: opts.Retry,
		logger:      logger,
	}
}

// CalendarID returns the id of the calendar the client writes to.
func (c *CalendarClient) CalendarID() string {
	return c.calendarID
}

// ResolveCalendarID maps a calendar name to its id. "primary" and names that
// already match a calendar id are returned as they are.
func (c *CalendarClient) ResolveCalendarID(ctx context.Context, name string) (string, error) {
	if name == "" || name == primaryCalendar {
		return primaryCalendar, nil
	}

	pageToken := ""
	for {
		var page *calendar.CalendarList
		err := c.retry(ctx, "calendarList.list", func() error {
			call := c.srv.CalendarList.List().Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return "", fmt.Errorf("google: unable to retrieve calendar list: %w", err)
		}

		for _, item := range page.Items {
			if item.Summary == name || item.Id == name || strings.EqualFold(item.SummaryOverride, name) {
				return item.Id, nil
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return "", fmt.Errorf("google: calendar %q not found", name)
}
