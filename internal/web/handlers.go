package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/wallsync/internal/activity"
	"github.com/macjediwizard/wallsync/internal/db"
)

// SyncService is the part of the sync manager the handlers drive.
type SyncService interface {
	IsSyncing() bool
	CancelSync()
	Tracker() *activity.Tracker
}

// SyncTrigger starts a background sync.
type SyncTrigger interface {
	TriggerSync(force bool) bool
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db        *db.DB
	sync      SyncService
	scheduler SyncTrigger
	location  *time.Location
	now       func() time.Time
}

// NewHandlers creates a new Handlers instance. The agenda window is computed
// in loc.
func NewHandlers(database *db.DB, sync SyncService, sched SyncTrigger, loc *time.Location) *Handlers {
	if loc == nil {
		loc = time.Local
	}
	return &Handlers{
		db:        database,
		sync:      sync,
		scheduler: sched,
		location:  loc,
		now:       time.Now,
	}
}

// HealthCheck reports whether the local store is reachable.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		log.Printf("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"database":   "ok",
		"sync":       h.sync.Tracker().Current().Status,
		"checked_at": h.now().UTC().Format(time.RFC3339),
	})
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}
