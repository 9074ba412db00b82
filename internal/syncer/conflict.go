package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/macjediwizard/wallsync/internal/db"
)

// RemoteEvent is a downloaded event decoded into local fields.
type RemoteEvent struct {
	// Event carries RemoteID, RemoteHref, ETag and the content fields.
	Event *db.Event
	// Modified is the server-side last modification time, zero if unknown.
	Modified time.Time
}

// Outcome is what ApplyRemoteEvent did to the local store.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

// IsRemoteNewer decides last-writer-wins at event granularity. A remote copy
// with the same ETag as the local one is the same version. Otherwise the
// remote copy wins only if its modification time is strictly after the local
// one; without a remote timestamp it wins unless the local copy has unsynced
// edits. Local edits older than the remote write are lost.
func IsRemoteNewer(local *db.Event, remote RemoteEvent) bool {
	if remote.Event.ETag != "" && remote.Event.ETag == local.ETag {
		return false
	}
	if remote.Modified.IsZero() {
		return !local.NeedsSync
	}
	return remote.Modified.After(local.UpdatedAt)
}

// ApplyRemoteEvent inserts a remote event or overwrites the local copy when the
// remote one is newer.
func ApplyRemoteEvent(store Store, cal *db.Calendar, remote RemoteEvent, now time.Time) (Outcome, error) {
	incoming := remote.Event
	if incoming.RemoteID == "" {
		return Unchanged, fmt.Errorf("remote event without id")
	}

	existing, err := store.GetEventByRemoteID(cal.ProviderType, cal.ID, incoming.RemoteID)
	if errors.Is(err, db.ErrNotFound) {
		event := *incoming
		event.ID = ""
		event.CalendarID = cal.ID
		event.ProviderType = cal.ProviderType
		event.NeedsSync = false
		event.IsDeleted = false
		event.LastSyncedAt = &now
		event.UpdatedAt = modifiedOr(remote.Modified, now)
		if err := store.InsertEvent(&event); err != nil {
			return Unchanged, err
		}
		return Inserted, nil
	}
	if err != nil {
		return Unchanged, err
	}

	// A pending local delete wins; only track the remote version so the
	// DELETE precondition matches.
	if existing.IsDeleted || !IsRemoteNewer(existing, remote) {
		if incoming.ETag != "" && incoming.ETag != existing.ETag {
			existing.ETag = incoming.ETag
			if incoming.RemoteHref != "" {
				existing.RemoteHref = incoming.RemoteHref
			}
			// Local fields win, but the next upload patches them over the
			// server's current resource.
			if incoming.RawICal != "" {
				existing.RawICal = incoming.RawICal
				existing.ExDates = incoming.ExDates
			}
			if err := store.UpdateEvent(existing); err != nil {
				return Unchanged, err
			}
		}
		return Unchanged, nil
	}

	existing.RemoteHref = incoming.RemoteHref
	existing.Title = incoming.Title
	existing.Description = incoming.Description
	existing.Location = incoming.Location
	existing.StartTime = incoming.StartTime
	existing.EndTime = incoming.EndTime
	existing.AllDay = incoming.AllDay
	existing.RecurrenceRule = incoming.RecurrenceRule
	existing.ExDates = incoming.ExDates
	existing.RawICal = incoming.RawICal
	existing.ETag = incoming.ETag
	existing.NeedsSync = false
	existing.LastSyncedAt = &now
	existing.UpdatedAt = modifiedOr(remote.Modified, now)

	if err := store.UpdateEvent(existing); err != nil {
		return Unchanged, err
	}
	return Updated, nil
}

// ReconcileCalendars upserts the fresh remote calendar listing and deletes the
// provider's local calendars that are no longer listed. Visibility is kept
// from the local row and defaults to visible for new calendars.
func ReconcileCalendars(store Store, provider db.ProviderType, remote []*db.Calendar) error {
	seen := make(map[string]bool, len(remote))

	for _, rc := range remote {
		seen[rc.ID] = true

		existing, err := store.GetCalendarByID(rc.ID)
		if errors.Is(err, db.ErrNotFound) {
			cal := *rc
			cal.ProviderType = provider
			cal.IsVisible = true
			if err := store.InsertCalendar(&cal); err != nil {
				return fmt.Errorf("failed to insert calendar %s: %w", rc.ID, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to get calendar %s: %w", rc.ID, err)
		}

		if existing.Name == rc.Name && existing.Color == rc.Color &&
			existing.IsReadOnly == rc.IsReadOnly && existing.AccountEmail == rc.AccountEmail {
			continue
		}
		existing.Name = rc.Name
		existing.Color = rc.Color
		existing.IsReadOnly = rc.IsReadOnly
		existing.AccountEmail = rc.AccountEmail
		if err := store.UpdateCalendar(existing); err != nil {
			return fmt.Errorf("failed to update calendar %s: %w", rc.ID, err)
		}
	}

	local, err := store.GetCalendarsByProvider(provider)
	if err != nil {
		return fmt.Errorf("failed to list local calendars: %w", err)
	}
	for _, cal := range local {
		if seen[cal.ID] {
			continue
		}
		if err := store.DeleteCalendarByID(cal.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("failed to delete calendar %s: %w", cal.ID, err)
		}
	}

	return nil
}

// VisibleCalendars returns the provider's calendars the user has chosen to see.
func VisibleCalendars(store Store, provider db.ProviderType) ([]*db.Calendar, error) {
	ids, err := store.GetVisibleCalendarIDs(provider)
	if err != nil {
		return nil, err
	}

	calendars := make([]*db.Calendar, 0, len(ids))
	for _, id := range ids {
		cal, err := store.GetCalendarByID(id)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}
	return calendars, nil
}

func modifiedOr(modified, fallback time.Time) time.Time {
	if modified.IsZero() {
		return fallback
	}
	return modified
}

// PurgeAbsent hard-deletes events of cal that a complete listing of [from, to)
// did not return. Unsynced, dirty and tombstoned events are kept. It returns
// the number of events removed.
func PurgeAbsent(store Store, cal *db.Calendar, from, to time.Time, seen map[string]bool) (int, error) {
	events, err := store.GetEventsByCalendar(cal.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list local events: %w", err)
	}

	purged := 0
	for _, event := range events {
		if event.RemoteID == "" || event.NeedsSync || event.IsDeleted || seen[event.RemoteID] {
			continue
		}
		if event.StartTime.Before(from) || !event.StartTime.Before(to) {
			continue
		}
		if err := store.HardDeleteEvent(event.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return purged, fmt.Errorf("failed to purge event %s: %w", event.ID, err)
		}
		purged++
	}
	return purged, nil
}

// DeleteByRemoteID removes the local copy of an event the server reported
// deleted. It reports whether a row was removed.
func DeleteByRemoteID(store Store, cal *db.Calendar, remoteID string) (bool, error) {
	event, err := store.GetEventByRemoteID(cal.ProviderType, cal.ID, remoteID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := store.HardDeleteEvent(event.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
