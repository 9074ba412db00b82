package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrForbidden           = errors.New("access forbidden")
	ErrNotFound            = errors.New("resource not found")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrSyncTokenExpired    = errors.New("sync token expired")
	ErrInvalidResponse     = errors.New("invalid server response")
	ErrMissingCalendarHome = errors.New("calendar home not found")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	maxErrorBody   = 4096
)

// Transport is the CalDAV operation set the sync engine consumes.
type Transport interface {
	FindPrincipal(ctx context.Context) (string, error)
	FindCalendarHome(ctx context.Context, principal string) (string, error)
	ListCalendars(ctx context.Context, homeURL string) ([]RemoteCalendar, error)
	SyncEvents(ctx context.Context, calendarURL, syncToken string) (*SyncCollectionResponse, error)
	GetEventsInRange(ctx context.Context, calendarURL string, start, end time.Time) (*SyncCollectionResponse, error)
	MultiGet(ctx context.Context, calendarURL string, hrefs []string) ([]EventResource, error)
	CreateEvent(ctx context.Context, href, data string) (string, error)
	UpdateEvent(ctx context.Context, href, data, etag string) (string, error)
	DeleteEvent(ctx context.Context, href, etag string) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
}

// Client provides CalDAV operations. Discovery goes through go-webdav; the
// REPORT, PUT and DELETE calls are issued directly so that sync tokens,
// custom properties and preconditions stay under our control.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
	limiter      *rate.Limiter
}

// pacedClient applies the request limiter to go-webdav traffic.
type pacedClient struct {
	client  webdav.HTTPClient
	limiter *rate.Limiter
}

func (p *pacedClient) Do(req *http.Request) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return p.client.Do(req)
}

// NewClient creates a new CalDAV client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	caldavClient, err := caldav.NewClient(
		&pacedClient{
			client:  webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password),
			limiter: limiter,
		},
		cfg.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		username:     cfg.Username,
		password:     cfg.Password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
		limiter:      limiter,
	}, nil
}

// FindPrincipal discovers the current user's principal URL.
func (c *Client) FindPrincipal(ctx context.Context) (string, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", classifyWebDAVError("failed to find principal", err)
	}
	return principal, nil
}

// FindCalendarHome resolves the calendar home set of a principal.
func (c *Client) FindCalendarHome(ctx context.Context, principal string) (string, error) {
	home, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", classifyWebDAVError("failed to find home set", err)
	}
	if home == "" {
		return "", ErrMissingCalendarHome
	}
	return home, nil
}

// ListCalendars lists the calendar collections of a calendar home.
func (c *Client) ListCalendars(ctx context.Context, homeURL string) ([]RemoteCalendar, error) {
	body, err := c.multistatus(ctx, "PROPFIND", homeURL, BuildCalendarListRequest(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	calendars, err := ParseCalendarListResponse(body)
	if err != nil {
		return nil, err
	}
	for i := range calendars {
		calendars[i].Href = resolveHref(homeURL, calendars[i].Href)
	}
	return calendars, nil
}

// SyncEvents performs a WebDAV-Sync (RFC 6578) REPORT. A rejected token is
// reported as ErrSyncTokenExpired.
func (c *Client) SyncEvents(ctx context.Context, calendarURL, syncToken string) (*SyncCollectionResponse, error) {
	body, err := c.multistatus(ctx, "REPORT", calendarURL, BuildSyncCollectionRequest(syncToken), syncToken)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseSyncResponse(body)
	if err != nil {
		return nil, err
	}
	resolveEvents(calendarURL, parsed.Events)
	return parsed, nil
}

// GetEventsInRange fetches every VEVENT resource overlapping [start, end].
// Some servers include a sync token in the report; it is returned when
// present.
func (c *Client) GetEventsInRange(ctx context.Context, calendarURL string, start, end time.Time) (*SyncCollectionResponse, error) {
	body, err := c.multistatus(ctx, "REPORT", calendarURL, BuildTimeRangeQueryRequest(start, end), "")
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	parsed, err := ParseSyncResponse(body)
	if err != nil {
		return nil, err
	}
	resolveEvents(calendarURL, parsed.Events)
	return parsed, nil
}

// MultiGet fetches explicit resources of a calendar.
func (c *Client) MultiGet(ctx context.Context, calendarURL string, hrefs []string) ([]EventResource, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	paths := make([]string, len(hrefs))
	for i, href := range hrefs {
		paths[i] = hrefPath(href)
	}
	body, err := c.multistatus(ctx, "REPORT", calendarURL, BuildMultigetRequest(paths), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	parsed, err := ParseSyncResponse(body)
	if err != nil {
		return nil, err
	}
	resolveEvents(calendarURL, parsed.Events)
	return parsed.Events, nil
}

// CreateEvent stores a new resource, failing with ErrPreconditionFailed if
// one already exists at href. It returns the new ETag when the server sends one.
func (c *Client) CreateEvent(ctx context.Context, href, data string) (string, error) {
	return c.put(ctx, href, data, map[string]string{"If-None-Match": "*"})
}

// UpdateEvent replaces a resource if it still has the given ETag.
func (c *Client) UpdateEvent(ctx context.Context, href, data, etag string) (string, error) {
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}
	return c.put(ctx, href, data, headers)
}

// DeleteEvent removes a resource if it still has the given ETag.
func (c *Client) DeleteEvent(ctx context.Context, href, etag string) error {
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}

	resp, body, err := c.do(ctx, http.MethodDelete, href, "", "", headers)
	if err != nil {
		return err
	}
	if err := checkStatus(resp, body, ""); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, href, data string, headers map[string]string) (string, error) {
	resp, body, err := c.do(ctx, http.MethodPut, href, data, "text/calendar; charset=utf-8", headers)
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp, body, ""); err != nil {
		return "", fmt.Errorf("failed to put event: %w", err)
	}
	return resp.Header.Get("ETag"), nil
}

// multistatus issues a Depth: 1 PROPFIND or REPORT and returns the 207 body.
func (c *Client) multistatus(ctx context.Context, method, href, reqBody, syncToken string) ([]byte, error) {
	resp, body, err := c.do(ctx, method, href, reqBody, "application/xml; charset=utf-8", map[string]string{"Depth": "1"})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, body, syncToken); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("%w: expected multistatus, got %d", ErrInvalidResponse, resp.StatusCode)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, href, reqBody, contentType string, headers map[string]string) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	}

	var bodyReader io.Reader
	if reqBody != "" {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(href), bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp, body, nil
}

// checkStatus maps HTTP failures onto the package's error values. A request
// that carried a sync token treats 403 valid-sync-token, 409 and 410 as an
// expired token.
func checkStatus(resp *http.Response, body []byte, syncToken string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusForbidden:
		if strings.Contains(string(body), "valid-sync-token") {
			return ErrSyncTokenExpired
		}
		return ErrForbidden
	case http.StatusConflict, http.StatusGone:
		if syncToken != "" {
			return ErrSyncTokenExpired
		}
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Errorf("%w: unexpected status %d: %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(body)))
}

// classifyWebDAVError maps go-webdav errors, which only carry the status in
// their message.
func classifyWebDAVError(msg string, err error) error {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return fmt.Errorf("%w: %s: %w", ErrAuthFailed, msg, err)
	case strings.Contains(errStr, "404"):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, msg, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, msg, err)
}

// buildURL constructs the full URL for a path.
// If path is absolute (starts with /), extract host from baseURL and combine.
// Full URLs are used as is. Otherwise, append path to baseURL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	// If path is absolute, use just the scheme+host from baseURL
	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return strings.TrimSuffix(c.baseURL, "/") + path
	}

	// Relative path - append to baseURL
	return strings.TrimSuffix(c.baseURL, "/") + "/" + path
}

// resolveHref makes href absolute when base is an absolute URL. Servers such
// as iCloud hand out calendar homes on a different host than the base URL.
func resolveHref(base, href string) string {
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return href
	}
	r, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(r).String()
}

func resolveEvents(base string, events []EventResource) {
	for i := range events {
		events[i].Href = resolveHref(base, events[i].Href)
	}
}

// hrefPath strips scheme and host from an absolute href.
func hrefPath(href string) string {
	u, err := url.Parse(href)
	if err != nil || !u.IsAbs() {
		return href
	}
	return u.EscapedPath()
}
