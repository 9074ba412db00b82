// Package google synchronizes Google Calendar with the local store over the
// Calendar v3 REST API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNotFound           = errors.New("resource not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrSyncTokenExpired   = errors.New("sync token expired")
	ErrRequestFailed      = errors.New("request failed")
	ErrMissingCredentials = errors.New("missing Google credentials")
)

const (
	defaultTimeout = 30 * time.Second
	pageSize       = 250
)

// Transport is the Google Calendar operation set the sync engine consumes.
type Transport interface {
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	ListEvents(ctx context.Context, calendarID string, query EventQuery) (*EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event, etag string) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID, etag string) error
}

// EventQuery selects events either by sync token or by time window.
type EventQuery struct {
	SyncToken string
	TimeMin   time.Time
	TimeMax   time.Time
}

// EventPage is the concatenation of every page of an events listing.
type EventPage struct {
	Events        []*calendar.Event
	NextSyncToken string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient replaces the OAuth2 client, mainly for tests.
	HTTPClient *http.Client
}

// Client wraps the Calendar v3 service.
type Client struct {
	service *calendar.Service
}

// NewClient creates a Calendar client authenticated with a long-lived refresh
// token.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
			return nil, ErrMissingCredentials
		}
		oauthConfig := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     googleoauth.Endpoint,
			Scopes:       []string{calendar.CalendarScope},
		}
		tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		httpClient = oauth2.NewClient(ctx, tokenSource)
		httpClient.Timeout = timeout
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Client{service: service}, nil
}

// ListCalendars returns every entry of the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var entries []*calendar.CalendarListEntry
	err := c.service.CalendarList.List().MaxResults(pageSize).Pages(ctx, func(page *calendar.CalendarList) error {
		entries = append(entries, page.Items...)
		return nil
	})
	if err != nil {
		return nil, classifyError(err, "failed to list calendars")
	}
	return entries, nil
}

// ListEvents lists events incrementally when query carries a sync token,
// otherwise every event overlapping the window. Recurring events are returned
// as their master, not expanded.
func (c *Client) ListEvents(ctx context.Context, calendarID string, query EventQuery) (*EventPage, error) {
	call := c.service.Events.List(calendarID).MaxResults(pageSize)
	if query.SyncToken != "" {
		call = call.SyncToken(query.SyncToken)
	} else {
		call = call.ShowDeleted(false).SingleEvents(false)
		if !query.TimeMin.IsZero() {
			call = call.TimeMin(query.TimeMin.UTC().Format(time.RFC3339))
		}
		if !query.TimeMax.IsZero() {
			call = call.TimeMax(query.TimeMax.UTC().Format(time.RFC3339))
		}
	}

	result := &EventPage{}
	err := call.Pages(ctx, func(page *calendar.Events) error {
		result.Events = append(result.Events, page.Items...)
		if page.NextSyncToken != "" {
			result.NextSyncToken = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		var apiErr *googleapi.Error
		if query.SyncToken != "" && errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
			return nil, fmt.Errorf("%w: %s", ErrSyncTokenExpired, calendarID)
		}
		return nil, classifyError(err, "failed to list events")
	}
	return result, nil
}

// InsertEvent creates an event and returns the stored copy.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err, "failed to insert event")
	}
	return created, nil
}

// UpdateEvent replaces an event if it still has the given ETag.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event, etag string) (*calendar.Event, error) {
	call := c.service.Events.Update(calendarID, eventID, event).Context(ctx)
	if etag != "" {
		call.Header().Set("If-Match", etag)
	}
	updated, err := call.Do()
	if err != nil {
		return nil, classifyError(err, "failed to update event")
	}
	return updated, nil
}

// DeleteEvent removes an event if it still has the given ETag.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID, etag string) error {
	call := c.service.Events.Delete(calendarID, eventID).Context(ctx)
	if etag != "" {
		call.Header().Set("If-Match", etag)
	}
	if err := call.Do(); err != nil {
		return classifyError(err, "failed to delete event")
	}
	return nil
}

// classifyError maps API and token refresh failures onto the package's errors.
func classifyError(err error, msg string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %w", ErrAuthFailed, msg, err)
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %s: %w", ErrNotFound, msg, err)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %s: %w", ErrPreconditionFailed, msg, err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %s: %w", ErrAuthFailed, msg, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrRequestFailed, msg, err)
}
