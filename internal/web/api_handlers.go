package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/wallsync/internal/agenda"
	"github.com/macjediwizard/wallsync/internal/db"
)

const (
	defaultLogLimit   = 20
	maxLogLimit       = 100
	defaultAgendaDays = 7
	maxAgendaDays     = 62
)

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Message          string   `json:"message"`
	Details          *string  `json:"details,omitempty"`
	Providers        []string `json:"providers"`
	CalendarsSynced  int      `json:"calendars_synced"`
	EventsDownloaded int      `json:"events_downloaded"`
	EventsInserted   int      `json:"events_inserted"`
	EventsUpdated    int      `json:"events_updated"`
	EventsDeleted    int      `json:"events_deleted"`
	EventsUploaded   int      `json:"events_uploaded"`
	RemoteDeleted    int      `json:"remote_deleted"`
	ErrorCount       int      `json:"error_count"`
	Duration         *float64 `json:"duration_secs,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// syncLogToAPI converts a db.SyncLog to APISyncLog.
func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:               l.ID,
		Status:           string(l.Status),
		Message:          l.Message,
		Providers:        []string{},
		CalendarsSynced:  l.CalendarsSynced,
		EventsDownloaded: l.EventsDownloaded,
		EventsInserted:   l.EventsInserted,
		EventsUpdated:    l.EventsUpdated,
		EventsDeleted:    l.EventsDeleted,
		EventsUploaded:   l.EventsUploaded,
		RemoteDeleted:    l.RemoteDeleted,
		ErrorCount:       l.ErrorCount,
		CreatedAt:        l.CreatedAt.Format(time.RFC3339),
	}
	if l.Providers != "" {
		api.Providers = strings.Split(l.Providers, ",")
	}
	if l.Details != "" {
		api.Details = &l.Details
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

// APIEventRequest is the body of POST /api/events.
type APIEventRequest struct {
	CalendarID     string    `json:"calendar_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	AllDay         bool      `json:"all_day"`
	RecurrenceRule string    `json:"recurrence_rule"`
}

// APIEventUpdate is the body of PUT /api/events/:id. Absent fields are kept.
type APIEventUpdate struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Location       *string    `json:"location"`
	Start          *time.Time `json:"start"`
	End            *time.Time `json:"end"`
	AllDay         *bool      `json:"all_day"`
	RecurrenceRule *string    `json:"recurrence_rule"`
}

// APIGetSyncState returns the current observable sync state.
func (h *Handlers) APIGetSyncState(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.Tracker().Current())
}

// APITriggerSync starts an orchestrated sync in the background.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	var req struct {
		Force bool `json:"force"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	if h.sync.IsSyncing() {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already in progress"})
		return
	}

	if !h.scheduler.TriggerSync(req.Force) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is not running"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Sync started",
		"force":   req.Force,
	})
}

// APICancelSync stops the running sync at its next checkpoint.
func (h *Handlers) APICancelSync(c *gin.Context) {
	wasSyncing := h.sync.IsSyncing()
	h.sync.CancelSync()
	c.JSON(http.StatusOK, gin.H{
		"message":     "Sync cancelled",
		"was_syncing": wasSyncing,
	})
}

// APIGetSyncLogs returns persisted sync logs and the in-memory recent runs.
func (h *Handlers) APIGetSyncLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := h.db.GetSyncLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync logs")})
		return
	}

	apiLogs := make([]*APISyncLog, len(logs))
	for i, l := range logs {
		apiLogs[i] = syncLogToAPI(l)
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   apiLogs,
		"recent": h.sync.Tracker().GetRecent(),
	})
}

// APIListCalendars returns every known calendar.
func (h *Handlers) APIListCalendars(c *gin.Context) {
	calendars, err := h.db.GetAllCalendars()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load calendars")})
		return
	}
	if calendars == nil {
		calendars = []*db.Calendar{}
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendars})
}

// APISetCalendarVisibility applies the user's visibility toggle.
func (h *Handlers) APISetCalendarVisibility(c *gin.Context) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible is required"})
		return
	}

	id := c.Param("id")
	if err := h.db.SetCalendarVisibility(id, *req.Visible); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update calendar")})
		return
	}

	cal, err := h.db.GetCalendarByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load calendar")})
		return
	}
	c.JSON(http.StatusOK, cal)
}

// APIGetAgenda returns the occurrences of visible calendars from the start of
// today for the requested number of days.
func (h *Handlers) APIGetAgenda(c *gin.Context) {
	days := defaultAgendaDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAgendaDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 62"})
			return
		}
		days = n
	}

	now := h.now().In(h.location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.location)
	to := from.AddDate(0, 0, days)

	events, err := h.db.GetEventsInRange(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
		return
	}

	occurrences, err := agenda.Expand(events, agenda.Options{From: from, To: to, Location: h.location})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to expand events")})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":        from.Format(time.RFC3339),
		"to":          to.Format(time.RFC3339),
		"occurrences": occurrences,
	})
}

// APICreateEvent stores a locally entered event and marks it for upload.
func (h *Handlers) APICreateEvent(c *gin.Context) {
	var req APIEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cal, err := h.db.GetCalendarByID(req.CalendarID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown calendar"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load calendar")})
		return
	}
	if cal.IsReadOnly {
		c.JSON(http.StatusForbidden, gin.H{"error": "Calendar is read-only"})
		return
	}

	event := &db.Event{
		CalendarID:     cal.ID,
		ProviderType:   cal.ProviderType,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Location:       req.Location,
		StartTime:      req.Start,
		EndTime:        req.End,
		AllDay:         req.AllDay,
		RecurrenceRule: normalizeRule(req.RecurrenceRule),
		NeedsSync:      true,
		UpdatedAt:      h.now().UTC(),
	}
	if msg := validateEvent(event); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if err := h.db.InsertEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create event")})
		return
	}

	c.JSON(http.StatusCreated, event)
}

// APIUpdateEvent edits a local event and marks it for upload.
func (h *Handlers) APIUpdateEvent(c *gin.Context) {
	var req APIEventUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event, ok := h.loadLiveEvent(c)
	if !ok {
		return
	}
	if cal, err := h.db.GetCalendarByID(event.CalendarID); err == nil && cal.IsReadOnly {
		c.JSON(http.StatusForbidden, gin.H{"error": "Calendar is read-only"})
		return
	}

	if req.Title != nil {
		event.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		event.Description = *req.Description
	}
	if req.Location != nil {
		event.Location = *req.Location
	}
	if req.Start != nil {
		event.StartTime = *req.Start
	}
	if req.End != nil {
		event.EndTime = *req.End
	}
	if req.AllDay != nil {
		event.AllDay = *req.AllDay
	}
	if req.RecurrenceRule != nil {
		event.RecurrenceRule = normalizeRule(*req.RecurrenceRule)
	}
	if msg := validateEvent(event); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	event.NeedsSync = true
	event.UpdatedAt = h.now().UTC()
	if err := h.db.UpdateEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update event")})
		return
	}

	c.JSON(http.StatusOK, event)
}

// APIDeleteEvent tombstones an event so the next sync deletes it remotely.
// Events never uploaded are removed outright.
func (h *Handlers) APIDeleteEvent(c *gin.Context) {
	event, ok := h.loadLiveEvent(c)
	if !ok {
		return
	}

	if err := h.db.MarkEventDeleted(event.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete event")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Event deleted"})
}

// loadLiveEvent fetches the :id event, writing a 404 for missing or
// tombstoned events.
func (h *Handlers) loadLiveEvent(c *gin.Context) (*db.Event, bool) {
	event, err := h.db.GetEventByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load event")})
		return nil, false
	}
	if event.IsDeleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil, false
	}
	return event, true
}

// validateEvent returns a user-facing message for the first invalid field.
func validateEvent(e *db.Event) string {
	switch {
	case e.Title == "":
		return "title is required"
	case e.StartTime.IsZero() || e.EndTime.IsZero():
		return "start and end are required"
	case e.EndTime.Before(e.StartTime):
		return "end must not be before start"
	}
	if err := agenda.ValidateRule(e.RecurrenceRule); err != nil {
		return "Invalid recurrence rule"
	}
	return ""
}

// normalizeRule stores recurrence rules without the RRULE: property prefix.
func normalizeRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	return rule
}
