package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, remote_id, remote_href, calendar_id, provider_type, title, description, location,
	start_time, end_time, all_day, recurrence_rule, etag, needs_sync, is_deleted, last_synced_at,
	created_at, updated_at, revision, exdates, raw_ical`

// GetEventByID returns an event by its local ID.
func (db *DB) GetEventByID(id string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	return scanEvent(db.conn.QueryRow(query, id))
}

// GetEventByRemoteID returns the event carrying a provider UID within a calendar.
func (db *DB) GetEventByRemoteID(provider ProviderType, calendarID, remoteID string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE provider_type = ? AND calendar_id = ? AND remote_id = ?`
	return scanEvent(db.conn.QueryRow(query, provider, calendarID, remoteID))
}

// GetEventsByCalendar returns every event of a calendar, tombstones included.
func (db *DB) GetEventsByCalendar(calendarID string) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE calendar_id = ? ORDER BY start_time`
	return db.queryEvents(query, calendarID)
}

// GetEventsNeedingSync returns a provider's dirty events that are not tombstoned.
func (db *DB) GetEventsNeedingSync(provider ProviderType) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE provider_type = ? AND needs_sync = 1 AND is_deleted = 0 ORDER BY updated_at`
	return db.queryEvents(query, provider)
}

// GetDeletedEventsNeedingSync returns a provider's tombstones that still exist remotely.
func (db *DB) GetDeletedEventsNeedingSync(provider ProviderType) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE provider_type = ? AND is_deleted = 1 AND remote_id IS NOT NULL ORDER BY updated_at`
	return db.queryEvents(query, provider)
}

// GetEventsInRange returns live events of visible calendars overlapping [from, to).
// Recurring events are always included; callers expand them.
func (db *DB) GetEventsInRange(from, to time.Time) ([]*Event, error) {
	query := `SELECT ` + prefixed("e", eventColumns) + ` FROM events e
		JOIN calendars c ON c.id = e.calendar_id
		WHERE e.is_deleted = 0 AND c.is_visible = 1
		AND ((e.start_time < ? AND e.end_time > ?) OR (e.recurrence_rule != '' AND e.start_time < ?))
		ORDER BY e.start_time`
	return db.queryEvents(query, dbTime(to), dbTime(from), dbTime(to))
}

// InsertEvent creates a new event. A local ID is generated when missing.
func (db *DB) InsertEvent(event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = now
	}

	query := `INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		event.ID, nullString(event.RemoteID), nullString(event.RemoteHref), event.CalendarID, event.ProviderType,
		event.Title, event.Description, event.Location,
		dbTime(event.StartTime), dbTime(event.EndTime), event.AllDay, event.RecurrenceRule,
		nullString(event.ETag), event.NeedsSync, event.IsDeleted, nullTime(event.LastSyncedAt),
		event.CreatedAt, dbTime(event.UpdatedAt), event.Revision, joinExDates(event.ExDates), event.RawICal,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s", ErrDuplicate, event.RemoteID)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// UpdateEvent replaces all mutable fields of an event and bumps its revision.
func (db *DB) UpdateEvent(event *Event) error {
	query := `UPDATE events SET
		remote_id = ?, remote_href = ?, calendar_id = ?, provider_type = ?, title = ?, description = ?,
		location = ?, start_time = ?, end_time = ?, all_day = ?, recurrence_rule = ?, etag = ?,
		needs_sync = ?, is_deleted = ?, last_synced_at = ?, updated_at = ?, exdates = ?, raw_ical = ?,
		revision = revision + 1
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		nullString(event.RemoteID), nullString(event.RemoteHref), event.CalendarID, event.ProviderType,
		event.Title, event.Description, event.Location,
		dbTime(event.StartTime), dbTime(event.EndTime), event.AllDay, event.RecurrenceRule,
		nullString(event.ETag), event.NeedsSync, event.IsDeleted, nullTime(event.LastSyncedAt),
		dbTime(event.UpdatedAt), joinExDates(event.ExDates), event.RawICal, event.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s", ErrDuplicate, event.RemoteID)
		}
		return fmt.Errorf("failed to update event: %w", err)
	}

	if err := checkAffected(result); err != nil {
		return err
	}
	event.Revision++
	return nil
}

// RecordUpload stamps the remote identity of an uploaded event. Content
// columns are left alone, and needs_sync is cleared only while the row still
// holds the uploaded revision, so an edit made during the upload stays
// pending.
func (db *DB) RecordUpload(id string, up EventUpload) error {
	query := `UPDATE events SET
		remote_id = ?, remote_href = ?, etag = ?, last_synced_at = ?,
		needs_sync = CASE WHEN revision = ? THEN 0 ELSE needs_sync END
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		nullString(up.RemoteID), nullString(up.RemoteHref), nullString(up.ETag),
		dbTime(up.SyncedAt), up.Revision, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s", ErrDuplicate, up.RemoteID)
		}
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return checkAffected(result)
}

// HardDeleteEvent removes an event row.
func (db *DB) HardDeleteEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return checkAffected(result)
}

// MarkEventDeleted tombstones an event that exists remotely, or removes it
// outright when it was never uploaded.
func (db *DB) MarkEventDeleted(id string) error {
	event, err := db.GetEventByID(id)
	if err != nil {
		return err
	}

	if event.RemoteID == "" {
		return db.HardDeleteEvent(id)
	}

	query := `UPDATE events SET is_deleted = 1, needs_sync = 1, updated_at = ?, revision = revision + 1
		WHERE id = ?`
	result, err := db.conn.Exec(query, dbTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone event: %w", err)
	}
	return checkAffected(result)
}

func (db *DB) queryEvents(query string, args ...any) ([]*Event, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var remoteID, remoteHref, etag sql.NullString
	var lastSyncedAt sql.NullTime
	var exdates string

	err := row.Scan(
		&event.ID, &remoteID, &remoteHref, &event.CalendarID, &event.ProviderType,
		&event.Title, &event.Description, &event.Location,
		&event.StartTime, &event.EndTime, &event.AllDay, &event.RecurrenceRule,
		&etag, &event.NeedsSync, &event.IsDeleted, &lastSyncedAt,
		&event.CreatedAt, &event.UpdatedAt, &event.Revision, &exdates, &event.RawICal,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.RemoteID = remoteID.String
	event.RemoteHref = remoteHref.String
	event.ETag = etag.String
	event.ExDates = splitExDates(exdates)
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		event.LastSyncedAt = &t
	}

	return event, nil
}

const exdateLayout = "20060102T150405Z"

// joinExDates stores excluded instants as a comma-separated UTC list.
func joinExDates(times []time.Time) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = t.UTC().Format(exdateLayout)
	}
	return strings.Join(parts, ",")
}

func splitExDates(s string) []time.Time {
	if s == "" {
		return nil
	}
	var out []time.Time
	for _, part := range strings.Split(s, ",") {
		t, err := time.Parse(exdateLayout, part)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
