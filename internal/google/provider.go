package google

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/syncer"
)

const providerName = "google"

var errReadOnlyCalendar = errors.New("calendar is read-only")

// AccountStore holds the Google account identity and sync cursors.
type AccountStore interface {
	syncer.TokenStore
	GoogleEmail() (string, error)
}

// Window bounds full syncs around the current time.
type Window struct {
	PastDays   int
	FutureDays int
}

// Provider synchronizes Google calendars with the local store.
type Provider struct {
	store     syncer.Store
	accounts  AccountStore
	transport Transport
	window    Window
	now       func() time.Time
}

// NewProvider creates the Google provider. A nil transport leaves the provider
// unconfigured.
func NewProvider(store syncer.Store, accounts AccountStore, transport Transport, window Window) *Provider {
	if window.PastDays <= 0 && window.FutureDays <= 0 {
		window = Window{PastDays: 30, FutureDays: 90}
	}
	return &Provider{
		store:     store,
		accounts:  accounts,
		transport: transport,
		window:    window,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Configured() bool {
	return p.transport != nil
}

// Sync runs list, reconcile, download, upload, delete and finalize in that
// order, checking for cancellation between phases.
func (p *Provider) Sync(ctx context.Context, opts syncer.Options) (*syncer.Result, error) {
	result := &syncer.Result{}

	opts.Report(0, "Listing Google calendars")
	entries, err := p.transport.ListCalendars(ctx)
	if err != nil {
		return result, fatalError(err, "failed to list calendars")
	}

	email, _ := p.accounts.GoogleEmail()
	calendars := make([]*db.Calendar, 0, len(entries))
	for _, entry := range entries {
		if entry.Deleted {
			continue
		}
		calendars = append(calendars, localCalendar(entry, email))
	}

	if err := syncer.ReconcileCalendars(p.store, db.ProviderGoogle, calendars); err != nil {
		return result, fmt.Errorf("%w: %w", syncer.ErrDiscovery, err)
	}
	opts.Report(0.1, fmt.Sprintf("Found %d calendars", len(calendars)))

	if opts.Stopped(ctx) {
		return result, syncer.ErrCancelled
	}

	visible, err := syncer.VisibleCalendars(p.store, db.ProviderGoogle)
	if err != nil {
		return result, fmt.Errorf("failed to load visible calendars: %w", err)
	}

	for i, cal := range visible {
		opts.Report(0.2+0.5*float64(i)/float64(len(visible)), "Downloading "+cal.Name)

		err := p.downloadCalendar(ctx, cal, opts.ForceFull, result)
		if err == nil {
			result.CalendarsSynced++
			continue
		}
		if errors.Is(err, ErrAuthFailed) {
			return result, fatalError(err, "failed to download "+cal.ID)
		}

		log.Printf("Failed to download Google calendar %s: %v", cal.ID, err)
		result.AddError(syncer.SyncError{
			Kind:       syncer.KindDownloadFailed,
			Provider:   providerName,
			CalendarID: cal.ID,
			Message:    err.Error(),
		})
	}

	if opts.Stopped(ctx) {
		return result, syncer.ErrCancelled
	}

	opts.Report(0.7, "Uploading local changes")
	if err := p.upload(ctx, result); err != nil {
		return result, err
	}

	if opts.Stopped(ctx) {
		return result, syncer.ErrCancelled
	}

	opts.Report(0.85, "Deleting removed events")
	if err := p.deleteRemote(ctx, result); err != nil {
		return result, err
	}

	if err := p.accounts.SetLastSyncTime(db.ProviderGoogle, p.now()); err != nil {
		log.Printf("Failed to save Google last sync time: %v", err)
	}
	opts.Report(1, "Google sync complete")

	return result, nil
}

// downloadCalendar pulls remote changes, incrementally when a sync token is
// stored.
func (p *Provider) downloadCalendar(ctx context.Context, cal *db.Calendar, force bool, result *syncer.Result) error {
	token, err := p.accounts.GetSyncToken(db.ProviderGoogle, cal.ID)
	if err != nil {
		return fmt.Errorf("failed to load sync token: %w", err)
	}

	if token != "" && !force {
		page, err := p.transport.ListEvents(ctx, cal.ID, EventQuery{SyncToken: token})
		if err == nil {
			if err := p.applyEvents(cal, page.Events, result, nil); err != nil {
				return err
			}
			return p.saveToken(cal.ID, page.NextSyncToken)
		}
		if !errors.Is(err, ErrSyncTokenExpired) {
			return err
		}

		log.Printf("Sync token for Google calendar %s expired, falling back to full sync", cal.ID)
		result.AddError(syncer.SyncError{
			Kind:        syncer.KindSyncTokenExpired,
			Provider:    providerName,
			CalendarID:  cal.ID,
			Message:     "sync token expired, performed full sync",
			Recoverable: true,
		})
		if err := p.accounts.ClearSyncToken(db.ProviderGoogle, cal.ID); err != nil {
			return fmt.Errorf("failed to clear sync token: %w", err)
		}
	}

	now := p.now()
	from := now.AddDate(0, 0, -p.window.PastDays)
	to := now.AddDate(0, 0, p.window.FutureDays)

	page, err := p.transport.ListEvents(ctx, cal.ID, EventQuery{TimeMin: from, TimeMax: to})
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(page.Events))
	if err := p.applyEvents(cal, page.Events, result, seen); err != nil {
		return err
	}
	purged, err := syncer.PurgeAbsent(p.store, cal, from, to, seen)
	result.EventsDeleted += purged
	if err != nil {
		return err
	}
	return p.saveToken(cal.ID, page.NextSyncToken)
}

func (p *Provider) saveToken(calendarID, token string) error {
	if token == "" {
		return nil
	}
	if err := p.accounts.SaveSyncToken(db.ProviderGoogle, calendarID, token); err != nil {
		return fmt.Errorf("failed to save sync token: %w", err)
	}
	return nil
}

// applyEvents merges listed events. Cancelled events are deletions. Instance
// exceptions of recurring series are not stored.
func (p *Provider) applyEvents(cal *db.Calendar, events []*calendar.Event, result *syncer.Result, seen map[string]bool) error {
	for _, event := range events {
		if event.RecurringEventId != "" {
			if seen != nil {
				seen[event.Id] = true
			}
			continue
		}

		if Cancelled(event) {
			removed, err := syncer.DeleteByRemoteID(p.store, cal, event.Id)
			if err != nil {
				return fmt.Errorf("failed to delete event %s: %w", event.Id, err)
			}
			if removed {
				result.EventsDeleted++
			}
			continue
		}

		if seen != nil {
			seen[event.Id] = true
		}

		remote, err := FromGoogle(event)
		if err != nil {
			log.Printf("Skipping unreadable Google event %s: %v", event.Id, err)
			result.AddError(syncer.SyncError{
				Kind:       syncer.KindParseError,
				Provider:   providerName,
				CalendarID: cal.ID,
				EventID:    event.Id,
				Message:    err.Error(),
			})
			continue
		}
		result.EventsDownloaded++

		outcome, err := syncer.ApplyRemoteEvent(p.store, cal, remote, p.now())
		if err != nil {
			return fmt.Errorf("failed to store event %s: %w", event.Id, err)
		}
		switch outcome {
		case syncer.Inserted:
			result.EventsInserted++
		case syncer.Updated:
			result.EventsUpdated++
		}
	}
	return nil
}

// upload pushes dirty local events. Authentication failures abort the cycle.
func (p *Provider) upload(ctx context.Context, result *syncer.Result) error {
	events, err := p.store.GetEventsNeedingSync(db.ProviderGoogle)
	if err != nil {
		result.AddError(syncer.SyncError{
			Kind:     syncer.KindUploadFailed,
			Provider: providerName,
			Message:  fmt.Sprintf("failed to load pending events: %v", err),
		})
		return nil
	}

	for _, event := range events {
		err := p.uploadEvent(ctx, event)
		switch {
		case err == nil:
			result.EventsUploaded++
		case errors.Is(err, ErrAuthFailed):
			return fatalError(err, "failed to upload "+event.ID)
		case errors.Is(err, ErrPreconditionFailed):
			log.Printf("Google event %s changed on the server, upload deferred", event.ID)
			result.AddError(syncer.SyncError{
				Kind:        syncer.KindPreconditionFailed,
				Provider:    providerName,
				CalendarID:  event.CalendarID,
				EventID:     event.ID,
				Message:     err.Error(),
				Recoverable: true,
			})
		default:
			log.Printf("Failed to upload Google event %s: %v", event.ID, err)
			result.AddError(syncer.SyncError{
				Kind:       syncer.KindUploadFailed,
				Provider:   providerName,
				CalendarID: event.CalendarID,
				EventID:    event.ID,
				Message:    err.Error(),
			})
		}
	}
	return nil
}

func (p *Provider) uploadEvent(ctx context.Context, event *db.Event) error {
	cal, err := p.store.GetCalendarByID(event.CalendarID)
	if err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}
	if cal.IsReadOnly {
		return errReadOnlyCalendar
	}

	body := ToGoogle(event)
	var stored *calendar.Event
	if event.RemoteID == "" {
		stored, err = p.transport.InsertEvent(ctx, cal.ID, body)
	} else {
		stored, err = p.transport.UpdateEvent(ctx, cal.ID, event.RemoteID, body, event.ETag)
	}
	if err != nil {
		return err
	}

	remoteID := event.RemoteID
	if stored.Id != "" {
		remoteID = stored.Id
	}
	err = p.store.RecordUpload(event.ID, db.EventUpload{
		RemoteID:   remoteID,
		RemoteHref: event.RemoteHref,
		ETag:       stored.Etag,
		SyncedAt:   p.now(),
		Revision:   event.Revision,
	})
	if errors.Is(err, db.ErrNotFound) && event.RemoteID == "" {
		// Deleted locally while the insert was in flight
		log.Printf("Event %s was deleted during upload, removing %s", event.ID, remoteID)
		if err := p.transport.DeleteEvent(ctx, cal.ID, remoteID, stored.Etag); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// deleteRemote propagates local tombstones. An event already gone counts as
// deleted.
func (p *Provider) deleteRemote(ctx context.Context, result *syncer.Result) error {
	events, err := p.store.GetDeletedEventsNeedingSync(db.ProviderGoogle)
	if err != nil {
		result.AddError(syncer.SyncError{
			Kind:     syncer.KindDeleteFailed,
			Provider: providerName,
			Message:  fmt.Sprintf("failed to load deleted events: %v", err),
		})
		return nil
	}

	for _, event := range events {
		err := p.transport.DeleteEvent(ctx, event.CalendarID, event.RemoteID, event.ETag)
		switch {
		case err == nil || errors.Is(err, ErrNotFound):
			if err := p.store.HardDeleteEvent(event.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
				log.Printf("Failed to purge tombstone %s: %v", event.ID, err)
				continue
			}
			result.RemoteDeleted++
		case errors.Is(err, ErrAuthFailed):
			return fatalError(err, "failed to delete "+event.ID)
		case errors.Is(err, ErrPreconditionFailed):
			result.AddError(syncer.SyncError{
				Kind:        syncer.KindPreconditionFailed,
				Provider:    providerName,
				CalendarID:  event.CalendarID,
				EventID:     event.ID,
				Message:     err.Error(),
				Recoverable: true,
			})
		default:
			log.Printf("Failed to delete Google event %s: %v", event.ID, err)
			result.AddError(syncer.SyncError{
				Kind:       syncer.KindDeleteFailed,
				Provider:   providerName,
				CalendarID: event.CalendarID,
				EventID:    event.ID,
				Message:    err.Error(),
			})
		}
	}
	return nil
}

// fatalError classifies a failure that ends the provider's cycle.
func fatalError(err error, msg string) error {
	if errors.Is(err, ErrAuthFailed) {
		return fmt.Errorf("%w: %s: %w", syncer.ErrAuth, msg, err)
	}
	return fmt.Errorf("%w: %s: %w", syncer.ErrDiscovery, msg, err)
}
