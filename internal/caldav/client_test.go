package caldav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("returns error for empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{Username: "user", Password: "pass"})
		if err == nil {
			t.Error("expected error for empty URL")
		}
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("creates client with valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{
			BaseURL:           "https://caldav.example.com",
			Username:          "user",
			Password:          "pass",
			RequestsPerSecond: 5,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if client.baseURL != "https://caldav.example.com" {
			t.Errorf("expected baseURL to be set, got %q", client.baseURL)
		}
		if client.username != "user" {
			t.Errorf("expected username 'user', got %q", client.username)
		}
		if client.httpClient.Timeout != defaultTimeout {
			t.Errorf("expected default timeout, got %v", client.httpClient.Timeout)
		}
		if client.limiter == nil {
			t.Error("expected request limiter")
		}
	})

	t.Run("custom timeout without pacing", func(t *testing.T) {
		client, err := NewClient(ClientConfig{BaseURL: "https://caldav.example.com", Timeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if client.httpClient.Timeout != 5*time.Second {
			t.Errorf("expected 5s timeout, got %v", client.httpClient.Timeout)
		}
		if client.limiter != nil {
			t.Error("expected no limiter")
		}
	})
}

func TestClientBuildURL(t *testing.T) {
	testCases := []struct {
		name     string
		baseURL  string
		path     string
		expected string
	}{
		{
			name:     "returns baseURL for empty path",
			baseURL:  "https://caldav.example.com/cal",
			path:     "",
			expected: "https://caldav.example.com/cal",
		},
		{
			name:     "handles absolute path",
			baseURL:  "https://caldav.example.com/cal",
			path:     "/dav/calendars/event.ics",
			expected: "https://caldav.example.com/dav/calendars/event.ics",
		},
		{
			name:     "handles relative path",
			baseURL:  "https://caldav.example.com/cal/",
			path:     "event.ics",
			expected: "https://caldav.example.com/cal/event.ics",
		},
		{
			name:     "handles baseURL without path for absolute path",
			baseURL:  "https://caldav.example.com",
			path:     "/calendars/event.ics",
			expected: "https://caldav.example.com/calendars/event.ics",
		},
		{
			name:     "keeps full URLs on another host",
			baseURL:  "https://caldav.icloud.com/",
			path:     "https://p42-caldav.icloud.com/1234/calendars/",
			expected: "https://p42-caldav.icloud.com/1234/calendars/",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &Client{baseURL: tc.baseURL}
			result := client.buildURL(tc.path)
			if result != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestResolveHref(t *testing.T) {
	testCases := []struct {
		name     string
		base     string
		href     string
		expected string
	}{
		{
			name:     "absolute base resolves path",
			base:     "https://p42-caldav.icloud.com/1234/calendars/",
			href:     "/1234/calendars/work/",
			expected: "https://p42-caldav.icloud.com/1234/calendars/work/",
		},
		{
			name:     "path base leaves href alone",
			base:     "/1234/calendars/",
			href:     "/1234/calendars/work/",
			expected: "/1234/calendars/work/",
		},
		{
			name:     "full href is kept",
			base:     "https://caldav.example.com/",
			href:     "https://other.example.com/a.ics",
			expected: "https://other.example.com/a.ics",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveHref(tc.base, tc.href); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}

	t.Run("hrefPath strips host", func(t *testing.T) {
		if got := hrefPath("https://p42-caldav.icloud.com/1234/a%20b.ics"); got != "/1234/a%20b.ics" {
			t.Errorf("unexpected path %q", got)
		}
		if got := hrefPath("/1234/a.ics"); got != "/1234/a.ics" {
			t.Errorf("unexpected path %q", got)
		}
	})
}

func TestCheckStatus(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		syncToken string
		expected  error
	}{
		{name: "success", status: http.StatusCreated},
		{name: "unauthorized", status: http.StatusUnauthorized, expected: ErrAuthFailed},
		{name: "not found", status: http.StatusNotFound, expected: ErrNotFound},
		{name: "precondition failed", status: http.StatusPreconditionFailed, expected: ErrPreconditionFailed},
		{name: "invalid sync token", status: http.StatusForbidden, body: `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`, syncToken: "t", expected: ErrSyncTokenExpired},
		{name: "plain forbidden", status: http.StatusForbidden, expected: ErrForbidden},
		{name: "gone with token", status: http.StatusGone, syncToken: "t", expected: ErrSyncTokenExpired},
		{name: "conflict with token", status: http.StatusConflict, syncToken: "t", expected: ErrSyncTokenExpired},
		{name: "gone without token", status: http.StatusGone, expected: ErrInvalidResponse},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", expected: ErrInvalidResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkStatus(&http.Response{StatusCode: tc.status}, []byte(tc.body), tc.syncToken)
			if tc.expected == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Username: "user", Password: "secret"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, server
}

func writeMultistatus(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, body)
}

func TestClientDiscovery(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), "current-user-principal"):
			writeMultistatus(w, `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/</d:href>
    <d:propstat>
      <d:prop><d:current-user-principal><d:href>/1234/principal/</d:href></d:current-user-principal></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
		case strings.Contains(string(body), "calendar-home-set"):
			writeMultistatus(w, `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/1234/principal/</d:href>
    <d:propstat>
      <d:prop><c:calendar-home-set><d:href>/1234/calendars/</d:href></c:calendar-home-set></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	ctx := context.Background()
	principal, err := client.FindPrincipal(ctx)
	if err != nil {
		t.Fatalf("failed to find principal: %v", err)
	}
	if principal != "/1234/principal/" {
		t.Errorf("unexpected principal %q", principal)
	}

	home, err := client.FindCalendarHome(ctx, principal)
	if err != nil {
		t.Fatalf("failed to find home: %v", err)
	}
	if home != "/1234/calendars/" {
		t.Errorf("unexpected home %q", home)
	}

	t.Run("unauthorized discovery is an auth failure", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := client.FindPrincipal(context.Background())
		if !errors.Is(err, ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", err)
		}
	})
}

func TestClientListCalendars(t *testing.T) {
	var gotDepth, gotUser, gotPass string
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotDepth = r.Header.Get("Depth")
		gotUser, gotPass, _ = r.BasicAuth()
		if r.Method != "PROPFIND" || r.URL.Path != "/1234/calendars/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeMultistatus(w, calendarListBody)
	})

	calendars, err := client.ListCalendars(context.Background(), server.URL+"/1234/calendars/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotDepth != "1" {
		t.Errorf("expected Depth 1, got %q", gotDepth)
	}
	if gotUser != "user" || gotPass != "secret" {
		t.Errorf("expected basic auth, got %q/%q", gotUser, gotPass)
	}
	if len(calendars) != 3 {
		t.Fatalf("expected 3 calendars, got %d", len(calendars))
	}
	work := calendars[0]
	if work.DisplayName != "Work" || work.Order != 2 {
		t.Errorf("expected Work with order 2, got %+v", work)
	}
	if work.Href != server.URL+"/1234/calendars/work/" {
		t.Errorf("expected href resolved against the home URL, got %q", work.Href)
	}
}

func TestClientSyncEvents(t *testing.T) {
	t.Run("returns changes and new token", func(t *testing.T) {
		var gotBody string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			gotBody = string(body)
			writeMultistatus(w, syncBody)
		})

		resp, err := client.SyncEvents(context.Background(), "/1234/calendars/work/", "https://example.com/sync/1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(gotBody, "<D:sync-token>https://example.com/sync/1</D:sync-token>") {
			t.Errorf("expected token in request, got %s", gotBody)
		}
		if resp.SyncToken != "https://example.com/sync/2" || len(resp.Events) != 5 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("invalid token is reported as expired", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`)
		})

		_, err := client.SyncEvents(context.Background(), "/1234/calendars/work/", "stale")
		if !errors.Is(err, ErrSyncTokenExpired) {
			t.Errorf("expected ErrSyncTokenExpired, got %v", err)
		}
	})

	t.Run("non-multistatus success is invalid", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		_, err := client.SyncEvents(context.Background(), "/1234/calendars/work/", "t")
		if !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("expected ErrInvalidResponse, got %v", err)
		}
	})

	t.Run("time-range report carries its token", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeMultistatus(w, syncBody)
		})

		resp, err := client.GetEventsInRange(context.Background(), "/1234/calendars/work/", time.Now(), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.SyncToken != "https://example.com/sync/2" || len(resp.Events) != 5 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("malformed body is a parse error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeMultistatus(w, "<d:multistatus")
		})

		_, err := client.GetEventsInRange(context.Background(), "/cal/", time.Now(), time.Now().Add(time.Hour))
		if !errors.Is(err, ErrParse) {
			t.Errorf("expected ErrParse, got %v", err)
		}
	})
}

func TestClientMultiGet(t *testing.T) {
	var gotBody string
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		writeMultistatus(w, syncBody)
	})

	_, err := client.MultiGet(context.Background(), server.URL+"/1234/calendars/work/", []string{server.URL + "/1234/calendars/work/a.ics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotBody, "<D:href>/1234/calendars/work/a.ics</D:href>") {
		t.Errorf("expected host-less href in body, got %s", gotBody)
	}

	t.Run("no hrefs makes no request", func(t *testing.T) {
		gotBody = ""
		resources, err := client.MultiGet(context.Background(), "/cal/", nil)
		if err != nil || resources != nil || gotBody != "" {
			t.Errorf("expected no-op, got %v %v %q", resources, err, gotBody)
		}
	})
}

func TestClientWriteOperations(t *testing.T) {
	type request struct {
		method      string
		ifMatch     string
		ifNoneMatch string
		contentType string
		body        string
	}
	var last request
	status := http.StatusCreated

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		last = request{
			method:      r.Method,
			ifMatch:     r.Header.Get("If-Match"),
			ifNoneMatch: r.Header.Get("If-None-Match"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		if status < 300 {
			w.Header().Set("ETag", `"new-etag"`)
		}
		w.WriteHeader(status)
	})
	ctx := context.Background()

	t.Run("create uses If-None-Match", func(t *testing.T) {
		status = http.StatusCreated
		etag, err := client.CreateEvent(ctx, "/cal/a.ics", "BEGIN:VCALENDAR")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if etag != `"new-etag"` {
			t.Errorf("expected etag from header, got %q", etag)
		}
		if last.method != http.MethodPut || last.ifNoneMatch != "*" || last.ifMatch != "" {
			t.Errorf("unexpected request: %+v", last)
		}
		if !strings.HasPrefix(last.contentType, "text/calendar") {
			t.Errorf("unexpected content type %q", last.contentType)
		}
	})

	t.Run("update uses If-Match", func(t *testing.T) {
		status = http.StatusNoContent
		if _, err := client.UpdateEvent(ctx, "/cal/a.ics", "BEGIN:VCALENDAR", `"old"`); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if last.ifMatch != `"old"` || last.ifNoneMatch != "" {
			t.Errorf("unexpected request: %+v", last)
		}
	})

	t.Run("stale etag is a precondition failure", func(t *testing.T) {
		status = http.StatusPreconditionFailed
		_, err := client.UpdateEvent(ctx, "/cal/a.ics", "BEGIN:VCALENDAR", `"old"`)
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Errorf("expected ErrPreconditionFailed, got %v", err)
		}
	})

	t.Run("delete sends If-Match", func(t *testing.T) {
		status = http.StatusNoContent
		if err := client.DeleteEvent(ctx, "/cal/a.ics", `"e1"`); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if last.method != http.MethodDelete || last.ifMatch != `"e1"` {
			t.Errorf("unexpected request: %+v", last)
		}
	})

	t.Run("delete of missing resource is not found", func(t *testing.T) {
		status = http.StatusNotFound
		err := client.DeleteEvent(ctx, "/cal/a.ics", `"e1"`)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unauthorized write is an auth failure", func(t *testing.T) {
		status = http.StatusUnauthorized
		_, err := client.CreateEvent(ctx, "/cal/b.ics", "BEGIN:VCALENDAR")
		if !errors.Is(err, ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", err)
		}
	})
}

func TestClientConnectionFailure(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.ListCalendars(context.Background(), "/cal/")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}
