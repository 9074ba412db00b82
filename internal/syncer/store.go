package syncer

import (
	"time"

	"github.com/macjediwizard/wallsync/internal/db"
)

// Store is the local store access the sync engines need.
type Store interface {
	GetCalendarByID(id string) (*db.Calendar, error)
	InsertCalendar(cal *db.Calendar) error
	UpdateCalendar(cal *db.Calendar) error
	DeleteCalendarByID(id string) error
	GetCalendarsByProvider(provider db.ProviderType) ([]*db.Calendar, error)
	GetVisibleCalendarIDs(provider db.ProviderType) ([]string, error)

	GetEventByRemoteID(provider db.ProviderType, calendarID, remoteID string) (*db.Event, error)
	GetEventsByCalendar(calendarID string) ([]*db.Event, error)
	InsertEvent(event *db.Event) error
	UpdateEvent(event *db.Event) error
	RecordUpload(id string, up db.EventUpload) error
	HardDeleteEvent(id string) error
	GetEventsNeedingSync(provider db.ProviderType) ([]*db.Event, error)
	GetDeletedEventsNeedingSync(provider db.ProviderType) ([]*db.Event, error)
}

// TokenStore persists per-calendar sync cursors.
type TokenStore interface {
	GetSyncToken(provider db.ProviderType, calendarID string) (string, error)
	SaveSyncToken(provider db.ProviderType, calendarID, token string) error
	ClearSyncToken(provider db.ProviderType, calendarID string) error
	SetLastSyncTime(provider db.ProviderType, at time.Time) error
}

// LogStore records orchestrated runs.
type LogStore interface {
	CreateSyncLog(log *db.SyncLog) error
}
