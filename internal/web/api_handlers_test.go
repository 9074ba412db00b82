package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/wallsync/internal/activity"
	"github.com/macjediwizard/wallsync/internal/agenda"
	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/syncer"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeTrigger struct {
	refuse bool
	forces []bool
}

func (f *fakeTrigger) TriggerSync(force bool) bool {
	if f.refuse {
		return false
	}
	f.forces = append(f.forces, force)
	return true
}

// testHandlers holds test dependencies.
type testHandlers struct {
	db      *db.DB
	guard   *syncer.Guard
	trigger *fakeTrigger
	router  *gin.Engine
	cleanup func()
}

// setupTestHandlers creates handlers and routes with a test database.
func setupTestHandlers(t *testing.T) *testHandlers {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "wallsync-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	guard := syncer.NewGuard()
	manager := syncer.New(guard, activity.NewTracker(), database)
	trigger := &fakeTrigger{}

	handlers := NewHandlers(database, manager, trigger, time.UTC)
	handlers.now = func() time.Time { return testNow }

	router := gin.New()
	SetupRoutes(router, handlers, RouteConfig{})

	return &testHandlers{
		db:      database,
		guard:   guard,
		trigger: trigger,
		router:  router,
		cleanup: func() {
			database.Close()
			os.RemoveAll(tempDir)
		},
	}
}

func (th *testHandlers) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	return w
}

func createTestCalendar(t *testing.T, database *db.DB, id string, visible, readOnly bool) *db.Calendar {
	t.Helper()

	cal := &db.Calendar{
		ID:           id,
		Name:         "Calendar " + id,
		ProviderType: db.ProviderICloud,
		AccountEmail: "family@icloud.com",
		IsVisible:    visible,
		IsReadOnly:   readOnly,
	}
	if err := database.InsertCalendar(cal); err != nil {
		t.Fatalf("failed to create calendar: %v", err)
	}
	return cal
}

func createTestEvent(t *testing.T, database *db.DB, cal *db.Calendar, title string, start time.Time, rule string) *db.Event {
	t.Helper()

	event := &db.Event{
		CalendarID:     cal.ID,
		ProviderType:   cal.ProviderType,
		Title:          title,
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		RecurrenceRule: rule,
	}
	if err := database.InsertEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	return event
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthCheck(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	w := th.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "healthy" || body["sync"] != "IDLE" {
		t.Errorf("unexpected health body %v", body)
	}

	th.db.Close()
	if w := th.do(http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 with a closed database, got %d", w.Code)
	}
}

func TestAPIGetSyncState(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	w := th.do(http.MethodGet, "/api/sync/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var state activity.State
	decode(t, w, &state)
	if state.Status != activity.StatusIdle {
		t.Errorf("expected IDLE, got %s", state.Status)
	}
}

func TestAPITriggerSync(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		syncing bool
		refuse  bool
		want    int
		forces  []bool
	}{
		{"starts incremental sync", "", false, false, http.StatusAccepted, []bool{false}},
		{"passes force", `{"force": true}`, false, false, http.StatusAccepted, []bool{true}},
		{"conflict while running", `{"force": false}`, true, false, http.StatusConflict, nil},
		{"scheduler not running", "", false, true, http.StatusServiceUnavailable, nil},
		{"invalid body", `{"force":`, false, false, http.StatusBadRequest, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			th := setupTestHandlers(t)
			defer th.cleanup()

			th.trigger.refuse = tc.refuse
			if tc.syncing {
				th.guard.TryAcquire()
			}

			w := th.do(http.MethodPost, "/api/sync", tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected status %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
			if len(th.trigger.forces) != len(tc.forces) {
				t.Fatalf("expected triggers %v, got %v", tc.forces, th.trigger.forces)
			}
			for i := range tc.forces {
				if th.trigger.forces[i] != tc.forces[i] {
					t.Errorf("expected triggers %v, got %v", tc.forces, th.trigger.forces)
				}
			}
		})
	}
}

func TestAPICancelSync(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	th.guard.TryAcquire()

	w := th.do(http.MethodPost, "/api/sync/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["was_syncing"] != true {
		t.Errorf("expected was_syncing=true, got %v", body)
	}
	if th.guard.Held() {
		t.Error("expected cancel to release the guard")
	}

	if w := th.do(http.MethodPost, "/api/sync", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected a new sync to be accepted after cancel, got %d", w.Code)
	}
}

func TestAPIGetSyncLogs(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	for i := 0; i < 3; i++ {
		err := th.db.CreateSyncLog(&db.SyncLog{
			Status:         db.SyncStatusSuccess,
			Message:        "Sync completed",
			Providers:      "google,icloud",
			EventsInserted: i,
			Duration:       2 * time.Second,
		})
		if err != nil {
			t.Fatalf("failed to create sync log: %v", err)
		}
	}

	t.Run("respects limit", func(t *testing.T) {
		w := th.do(http.MethodGet, "/api/sync/logs?limit=2", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var body struct {
			Logs []APISyncLog `json:"logs"`
		}
		decode(t, w, &body)
		if len(body.Logs) != 2 {
			t.Fatalf("expected 2 logs, got %d", len(body.Logs))
		}
		first := body.Logs[0]
		if len(first.Providers) != 2 || first.Providers[0] != "google" {
			t.Errorf("unexpected providers %v", first.Providers)
		}
		if first.Duration == nil || *first.Duration != 2 {
			t.Errorf("unexpected duration %v", first.Duration)
		}
	})

	t.Run("rejects invalid limit", func(t *testing.T) {
		for _, limit := range []string{"abc", "0", "-1"} {
			if w := th.do(http.MethodGet, "/api/sync/logs?limit="+limit, ""); w.Code != http.StatusBadRequest {
				t.Errorf("limit %q: expected status 400, got %d", limit, w.Code)
			}
		}
	})
}

func TestAPICalendars(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	createTestCalendar(t, th.db, "/123/calendars/home/", true, false)
	createTestCalendar(t, th.db, "/123/calendars/work/", false, false)

	t.Run("lists calendars", func(t *testing.T) {
		w := th.do(http.MethodGet, "/api/calendars", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var body struct {
			Calendars []db.Calendar `json:"calendars"`
		}
		decode(t, w, &body)
		if len(body.Calendars) != 2 {
			t.Errorf("expected 2 calendars, got %d", len(body.Calendars))
		}
	})

	t.Run("toggles visibility of an escaped href", func(t *testing.T) {
		path := "/api/calendars/" + url.PathEscape("/123/calendars/work/") + "/visibility"
		w := th.do(http.MethodPut, path, `{"visible": true}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d (%s)", w.Code, w.Body.String())
		}

		cal, err := th.db.GetCalendarByID("/123/calendars/work/")
		if err != nil {
			t.Fatalf("GetCalendarByID failed: %v", err)
		}
		if !cal.IsVisible {
			t.Error("expected calendar to be visible")
		}
	})

	t.Run("unknown calendar", func(t *testing.T) {
		w := th.do(http.MethodPut, "/api/calendars/missing/visibility", `{"visible": false}`)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("visible is required", func(t *testing.T) {
		path := "/api/calendars/" + url.PathEscape("/123/calendars/home/") + "/visibility"
		if w := th.do(http.MethodPut, path, `{}`); w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})
}

func TestAPIGetAgenda(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	home := createTestCalendar(t, th.db, "home", true, false)
	hidden := createTestCalendar(t, th.db, "hidden", false, false)

	createTestEvent(t, th.db, home, "Dentist", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), "")
	createTestEvent(t, th.db, home, "Standup", time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC), "FREQ=WEEKLY;BYDAY=MO")
	createTestEvent(t, th.db, home, "Last month", time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), "")
	createTestEvent(t, th.db, hidden, "Hidden", time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC), "")

	w := th.do(http.MethodGet, "/api/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		From        string              `json:"from"`
		To          string              `json:"to"`
		Occurrences []agenda.Occurrence `json:"occurrences"`
	}
	decode(t, w, &body)

	if body.From != "2026-03-04T00:00:00Z" || body.To != "2026-03-11T00:00:00Z" {
		t.Errorf("unexpected window %s - %s", body.From, body.To)
	}
	if len(body.Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences, got %+v", body.Occurrences)
	}
	if body.Occurrences[0].Title != "Dentist" || body.Occurrences[1].Title != "Standup" {
		t.Errorf("unexpected order %+v", body.Occurrences)
	}
	if !body.Occurrences[1].Recurring || !body.Occurrences[1].Start.Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected recurring occurrence %+v", body.Occurrences[1])
	}

	for _, days := range []string{"0", "63", "week"} {
		if w := th.do(http.MethodGet, "/api/events?days="+days, ""); w.Code != http.StatusBadRequest {
			t.Errorf("days %q: expected status 400, got %d", days, w.Code)
		}
	}
}

func TestAPICreateEvent(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	createTestCalendar(t, th.db, "home", true, false)
	createTestCalendar(t, th.db, "holidays", true, true)

	t.Run("creates dirty event", func(t *testing.T) {
		body := `{"calendar_id": "home", "title": " Pick up groceries ", "start": "2026-03-05T17:00:00Z",
			"end": "2026-03-05T17:30:00Z", "recurrence_rule": "RRULE:FREQ=WEEKLY"}`
		w := th.do(http.MethodPost, "/api/events", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d (%s)", w.Code, w.Body.String())
		}

		var created db.Event
		decode(t, w, &created)
		stored, err := th.db.GetEventByID(created.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if stored.Title != "Pick up groceries" || stored.RecurrenceRule != "FREQ=WEEKLY" {
			t.Errorf("unexpected stored event %+v", stored)
		}
		if !stored.NeedsSync || stored.ProviderType != db.ProviderICloud || stored.RemoteID != "" {
			t.Errorf("expected a dirty unsent iCloud event, got %+v", stored)
		}
		if !stored.UpdatedAt.Equal(testNow) {
			t.Errorf("expected updated_at %v, got %v", testNow, stored.UpdatedAt)
		}
	})

	testCases := []struct {
		name string
		body string
		want int
	}{
		{"unknown calendar", `{"calendar_id": "nope", "title": "x", "start": "2026-03-05T17:00:00Z", "end": "2026-03-05T18:00:00Z"}`, http.StatusBadRequest},
		{"read-only calendar", `{"calendar_id": "holidays", "title": "x", "start": "2026-03-05T17:00:00Z", "end": "2026-03-05T18:00:00Z"}`, http.StatusForbidden},
		{"missing title", `{"calendar_id": "home", "title": "  ", "start": "2026-03-05T17:00:00Z", "end": "2026-03-05T18:00:00Z"}`, http.StatusBadRequest},
		{"end before start", `{"calendar_id": "home", "title": "x", "start": "2026-03-05T17:00:00Z", "end": "2026-03-05T16:00:00Z"}`, http.StatusBadRequest},
		{"missing times", `{"calendar_id": "home", "title": "x"}`, http.StatusBadRequest},
		{"invalid rule", `{"calendar_id": "home", "title": "x", "start": "2026-03-05T17:00:00Z", "end": "2026-03-05T18:00:00Z", "recurrence_rule": "FREQ=SOMETIMES"}`, http.StatusBadRequest},
		{"malformed json", `{"calendar_id": `, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if w := th.do(http.MethodPost, "/api/events", tc.body); w.Code != tc.want {
				t.Errorf("expected status %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
		})
	}

	t.Run("rejects non-JSON content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader("title=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, req)
		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", w.Code)
		}
	})
}

func TestAPIUpdateEvent(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	home := createTestCalendar(t, th.db, "home", true, false)
	event := createTestEvent(t, th.db, home, "Soccer", time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), "")
	event.RemoteID = "soccer-uid"
	event.NeedsSync = false
	if err := th.db.UpdateEvent(event); err != nil {
		t.Fatalf("UpdateEvent failed: %v", err)
	}

	w := th.do(http.MethodPut, "/api/events/"+event.ID, `{"title": "Soccer practice", "location": "Field 3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", w.Code, w.Body.String())
	}

	stored, err := th.db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if stored.Title != "Soccer practice" || stored.Location != "Field 3" {
		t.Errorf("unexpected stored event %+v", stored)
	}
	if !stored.NeedsSync || !stored.UpdatedAt.Equal(testNow) {
		t.Errorf("expected event to be marked dirty at %v, got %+v", testNow, stored)
	}
	if !stored.StartTime.Equal(event.StartTime) || stored.RemoteID != "soccer-uid" {
		t.Errorf("expected untouched fields to be kept, got %+v", stored)
	}

	if w := th.do(http.MethodPut, "/api/events/"+event.ID, `{"end": "2026-03-07T09:00:00Z"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for end before start, got %d", w.Code)
	}
	if w := th.do(http.MethodPut, "/api/events/missing", `{"title": "x"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestAPIDeleteEvent(t *testing.T) {
	th := setupTestHandlers(t)
	defer th.cleanup()

	home := createTestCalendar(t, th.db, "home", true, false)

	t.Run("never uploaded event is removed", func(t *testing.T) {
		event := createTestEvent(t, th.db, home, "Draft", time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC), "")

		if w := th.do(http.MethodDelete, "/api/events/"+event.ID, ""); w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if _, err := th.db.GetEventByID(event.ID); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("expected event to be gone, got %v", err)
		}
	})

	t.Run("uploaded event is tombstoned", func(t *testing.T) {
		event := createTestEvent(t, th.db, home, "Piano", time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC), "")
		event.RemoteID = "piano-uid"
		event.NeedsSync = false
		if err := th.db.UpdateEvent(event); err != nil {
			t.Fatalf("UpdateEvent failed: %v", err)
		}

		if w := th.do(http.MethodDelete, "/api/events/"+event.ID, ""); w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		stored, err := th.db.GetEventByID(event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if !stored.IsDeleted || !stored.NeedsSync {
			t.Errorf("expected a dirty tombstone, got %+v", stored)
		}

		if w := th.do(http.MethodDelete, "/api/events/"+event.ID, ""); w.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for a tombstone, got %d", w.Code)
		}
		if w := th.do(http.MethodPut, "/api/events/"+event.ID, `{"title": "x"}`); w.Code != http.StatusNotFound {
			t.Errorf("expected status 404 when editing a tombstone, got %d", w.Code)
		}
	})
}
