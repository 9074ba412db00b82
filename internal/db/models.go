package db

import (
	"time"
)

// ProviderType identifies the remote system that owns a calendar.
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"
	ProviderGoogle ProviderType = "google"
	ProviderICloud ProviderType = "icloud"
)

// ValidProviderTypes contains all valid provider type values.
var ValidProviderTypes = map[ProviderType]bool{
	ProviderLocal:  true,
	ProviderGoogle: true,
	ProviderICloud: true,
}

// IsValid returns true if the provider type is a known valid value.
func (p ProviderType) IsValid() bool {
	return ValidProviderTypes[p]
}

// SyncStatus represents the outcome of an orchestrated sync run.
type SyncStatus string

const (
	SyncStatusSuccess   SyncStatus = "success"
	SyncStatusPartial   SyncStatus = "partial" // Some changes landed, some errors were recorded
	SyncStatusError     SyncStatus = "error"
	SyncStatusCancelled SyncStatus = "cancelled"
)

// Calendar is a remote collection of events.
type Calendar struct {
	ID           string       `json:"id"` // Provider-native href or calendar ID
	Name         string       `json:"name"`
	Color        int          `json:"color"` // Packed ARGB
	ProviderType ProviderType `json:"provider_type"`
	AccountEmail string       `json:"account_email"`
	IsVisible    bool         `json:"is_visible"` // User choice, never inferred from remote
	IsReadOnly   bool         `json:"is_read_only"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Event is a single event owned by exactly one calendar.
type Event struct {
	ID             string       `json:"id"`
	RemoteID       string       `json:"remote_id,omitempty"`   // Provider UID, empty until first upload
	RemoteHref     string       `json:"remote_href,omitempty"` // Server resource path (CalDAV)
	CalendarID     string       `json:"calendar_id"`
	ProviderType   ProviderType `json:"provider_type"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Location       string       `json:"location"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	AllDay         bool         `json:"all_day"`
	RecurrenceRule string       `json:"recurrence_rule,omitempty"`
	ETag           string       `json:"etag,omitempty"`
	NeedsSync      bool         `json:"needs_sync"`
	IsDeleted      bool         `json:"is_deleted"`
	LastSyncedAt   *time.Time   `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"` // Last modification of the content held locally
	Revision       int64        `json:"revision"`   // Bumped by every local write
	ExDates        []time.Time  `json:"exdates,omitempty"`
	// RawICal is the resource as last downloaded, kept so uploads preserve
	// properties that are not mapped locally.
	RawICal string `json:"-"`
}

// EventUpload is the remote identity of an event after a successful PUT.
type EventUpload struct {
	RemoteID   string
	RemoteHref string
	ETag       string
	SyncedAt   time.Time
	// Revision is the event revision whose content was sent.
	Revision int64
}

// SyncLog represents a log entry for an orchestrated sync run.
type SyncLog struct {
	ID               string        `json:"id"`
	Status           SyncStatus    `json:"status"`
	Message          string        `json:"message"`
	Details          string        `json:"details"`
	Providers        string        `json:"providers"`
	CalendarsSynced  int           `json:"calendars_synced"`
	EventsDownloaded int           `json:"events_downloaded"`
	EventsInserted   int           `json:"events_inserted"`
	EventsUpdated    int           `json:"events_updated"`
	EventsDeleted    int           `json:"events_deleted"`
	EventsUploaded   int           `json:"events_uploaded"`
	RemoteDeleted    int           `json:"remote_deleted"`
	ErrorCount       int           `json:"error_count"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}
