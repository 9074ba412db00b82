package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runMiddleware(mw gin.HandlerFunc, req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	mw(c)
	return c, w
}

func TestSecurityHeaders(t *testing.T) {
	_, w := runMiddleware(SecurityHeaders(), httptest.NewRequest(http.MethodGet, "/api/events", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if !strings.Contains(w.Header().Get("Content-Security-Policy"), "default-src 'none'") {
		t.Errorf("unexpected Content-Security-Policy %q", w.Header().Get("Content-Security-Policy"))
	}

	testCases := []struct {
		name      string
		forwarded string
		wantHSTS  bool
	}{
		{"plain http", "", false},
		{"tls terminated at proxy", "https", true},
		{"proxy header case", "HTTPS", true},
		{"proxy over http", "http", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tc.forwarded)
			}
			_, w := runMiddleware(SecurityHeaders(), req)
			if got := w.Header().Get("Strict-Transport-Security") != ""; got != tc.wantHSTS {
				t.Errorf("HSTS set = %v, want %v", got, tc.wantHSTS)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := RateLimiter(0.5, 3)

	for i := 0; i < 3; i++ {
		c, _ := runMiddleware(limiter, httptest.NewRequest(http.MethodGet, "/api/sync/state", nil))
		if c.IsAborted() {
			t.Fatalf("request %d within burst was limited", i+1)
		}
	}

	c, w := runMiddleware(limiter, httptest.NewRequest(http.MethodGet, "/api/sync/state", nil))
	if !c.IsAborted() || w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		rejected    bool
	}{
		{"read without type", http.MethodGet, "", false},
		{"read with form type", http.MethodGet, "text/plain", false},
		{"create event", http.MethodPost, "application/json", false},
		{"create event with charset", http.MethodPost, "application/json; charset=utf-8", false},
		{"trigger without body", http.MethodPost, "", false},
		{"form post", http.MethodPost, "application/x-www-form-urlencoded", true},
		{"ics upload", http.MethodPut, "text/calendar", true},
		{"xml patch", http.MethodPatch, "application/xml", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/events", nil)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			c, w := runMiddleware(RequireJSONContentType(), req)

			if c.IsAborted() != tc.rejected {
				t.Fatalf("aborted = %v, want %v", c.IsAborted(), tc.rejected)
			}
			if tc.rejected && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	r := gin.New()
	r.Use(BasicAuth("wall", "display"))
	r.GET("/api/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	testCases := []struct {
		name     string
		user     string
		password string
		setAuth  bool
		want     int
	}{
		{"missing credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "wall", "nope", true, http.StatusUnauthorized},
		{"valid credentials", "wall", "display", true, http.StatusNoContent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
			if tc.setAuth {
				req.SetBasicAuth(tc.user, tc.password)
			}
			r.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("expected status %d, got %d", tc.want, w.Code)
			}
			if tc.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate challenge")
			}
		})
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://kitchen.local:5173"}))
	r.GET("/api/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	t.Run("answers preflight for allowed origin", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/api/ping", nil)
		req.Header.Set("Origin", "http://kitchen.local:5173")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
			t.Errorf("expected preflight to succeed, got %d", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://kitchen.local:5173" {
			t.Errorf("unexpected Access-Control-Allow-Origin %q", got)
		}
	})

	t.Run("rejects other origins", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.Header.Set("Origin", "http://evil.example.com")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", w.Code)
		}
	})

	t.Run("same-origin requests pass", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))

		if w.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", w.Code)
		}
	})
}
