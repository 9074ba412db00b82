package caldav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/syncer"
)

const (
	providerName = "icloud"

	// Opaque blue, used when the server does not report a calendar color.
	defaultCalendarColor = 0xFF1E88E5
)

var errReadOnlyCalendar = errors.New("calendar is read-only")

// AccountStore holds the iCloud account settings and sync cursors.
type AccountStore interface {
	syncer.TokenStore
	HasICloudCredentials() bool
	ICloudEmail() (string, error)
	ICloudServerURL() (string, error)
	ICloudPrincipalURL() (string, error)
	SaveICloudPrincipalURL(principal string) error
}

// Window bounds full syncs around the current time.
type Window struct {
	PastDays   int
	FutureDays int
}

// DefaultWindow returns the 30 days back, 90 days ahead window.
func DefaultWindow() Window {
	return Window{PastDays: 30, FutureDays: 90}
}

// ICloud synchronizes iCloud calendars over CalDAV with the local store.
type ICloud struct {
	store     syncer.Store
	accounts  AccountStore
	transport Transport
	window    Window
	now       func() time.Time
}

// NewICloud creates the iCloud provider. A nil transport leaves the provider
// unconfigured.
func NewICloud(store syncer.Store, accounts AccountStore, transport Transport, window Window) *ICloud {
	if window.PastDays <= 0 && window.FutureDays <= 0 {
		window = DefaultWindow()
	}
	return &ICloud{
		store:     store,
		accounts:  accounts,
		transport: transport,
		window:    window,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *ICloud) Name() string {
	return providerName
}

func (p *ICloud) Configured() bool {
	return p.transport != nil && p.accounts.HasICloudCredentials()
}

// Sync runs discover, reconcile, download, upload, delete and finalize in
// that order. Cancellation is only observed between phases.
func (p *ICloud) Sync(ctx context.Context, opts syncer.Options) (*syncer.Result, error) {
	result := &syncer.Result{}

	opts.Report(0, "Discovering calendars")
	home, err := p.resolveHome(ctx)
	if err != nil {
		return result, err
	}

	listed, err := p.transport.ListCalendars(ctx, home)
	if err != nil {
		return result, fatalError(err, "failed to list calendars")
	}

	email, _ := p.accounts.ICloudEmail()
	calendars := make([]*db.Calendar, 0, len(listed))
	byHref := make(map[string]RemoteCalendar, len(listed))
	for _, rc := range listed {
		if !rc.SupportsEvents() {
			continue
		}
		calendars = append(calendars, localCalendar(rc, email))
		byHref[rc.Href] = rc
	}

	if err := syncer.ReconcileCalendars(p.store, db.ProviderICloud, calendars); err != nil {
		return result, fmt.Errorf("%w: %w", syncer.ErrDiscovery, err)
	}
	opts.Report(0.1, fmt.Sprintf("Found %d calendars", len(calendars)))

	if opts.Stopped(ctx) {
		return result, syncer.ErrCancelled
	}

	visible, err := syncer.VisibleCalendars(p.store, db.ProviderICloud)
	if err != nil {
		return result, fmt.Errorf("failed to load visible calendars: %w", err)
	}

	for i, cal := range visible {
		opts.Report(0.2+0.5*float64(i)/float64(len(visible)), "Downloading "+cal.Name)

		err := p.downloadCalendar(ctx, cal, byHref[cal.ID], opts.ForceFull, result)
		if err == nil {
			result.CalendarsSynced++
			continue
		}
		if errors.Is(err, ErrAuthFailed) {
			return result, fatalError(err, "failed to download "+cal.ID)
		}

		log.Printf("Failed to download calendar %s: %v", cal.ID, err)
		kind := syncer.KindDownloadFailed
		if errors.Is(err, ErrParse) {
			kind = syncer.KindParseError
		}
		result.AddError(syncer.SyncError{
			Kind:       kind,
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

	if err := p.accounts.SetLastSyncTime(db.ProviderICloud, p.now()); err != nil {
		log.Printf("Failed to save iCloud last sync time: %v", err)
	}
	opts.Report(1, "iCloud sync complete")

	return result, nil
}

// resolveHome returns the calendar home set. A stored principal that no longer
// resolves is discovered again once.
func (p *ICloud) resolveHome(ctx context.Context) (string, error) {
	principal, err := p.accounts.ICloudPrincipalURL()
	if err != nil {
		return "", fmt.Errorf("%w: failed to load principal: %w", syncer.ErrDiscovery, err)
	}

	stored := principal != ""
	if !stored {
		if principal, err = p.discoverPrincipal(ctx); err != nil {
			return "", err
		}
	}

	home, err := p.transport.FindCalendarHome(ctx, principal)
	if err != nil && stored && !errors.Is(err, ErrAuthFailed) {
		log.Printf("Stored principal %s did not resolve, rediscovering: %v", principal, err)
		if principal, err = p.discoverPrincipal(ctx); err != nil {
			return "", err
		}
		home, err = p.transport.FindCalendarHome(ctx, principal)
	}
	if err != nil {
		return "", fatalError(err, "failed to find calendar home")
	}
	return home, nil
}

func (p *ICloud) discoverPrincipal(ctx context.Context) (string, error) {
	principal, err := p.transport.FindPrincipal(ctx)
	if err != nil {
		return "", fatalError(err, "failed to find principal")
	}
	if err := p.accounts.SaveICloudPrincipalURL(principal); err != nil {
		log.Printf("Failed to save iCloud principal: %v", err)
	}
	return principal, nil
}

// downloadCalendar pulls remote changes into the store, incrementally when a
// sync token is available.
func (p *ICloud) downloadCalendar(ctx context.Context, cal *db.Calendar, listed RemoteCalendar, force bool, result *syncer.Result) error {
	token, err := p.accounts.GetSyncToken(db.ProviderICloud, cal.ID)
	if err != nil {
		return fmt.Errorf("failed to load sync token: %w", err)
	}

	if token != "" && !force {
		resp, err := p.transport.SyncEvents(ctx, cal.ID, token)
		if err == nil {
			if err := p.applyResources(ctx, cal, resp.Events, result, nil); err != nil {
				return err
			}
			if resp.SyncToken != "" {
				if err := p.accounts.SaveSyncToken(db.ProviderICloud, cal.ID, resp.SyncToken); err != nil {
					return fmt.Errorf("failed to save sync token: %w", err)
				}
			}
			return nil
		}
		if !errors.Is(err, ErrSyncTokenExpired) {
			return err
		}

		log.Printf("Sync token for %s expired, falling back to full sync", cal.ID)
		result.AddError(syncer.SyncError{
			Kind:        syncer.KindSyncTokenExpired,
			Provider:    providerName,
			CalendarID:  cal.ID,
			Message:     "sync token expired, performed full sync",
			Recoverable: true,
		})
		if err := p.accounts.ClearSyncToken(db.ProviderICloud, cal.ID); err != nil {
			return fmt.Errorf("failed to clear sync token: %w", err)
		}
	}

	return p.fullSync(ctx, cal, listed, result)
}

// fullSync downloads every event in the sync window and removes clean local
// events the server no longer lists.
func (p *ICloud) fullSync(ctx context.Context, cal *db.Calendar, listed RemoteCalendar, result *syncer.Result) error {
	now := p.now()
	from := now.AddDate(0, 0, -p.window.PastDays)
	to := now.AddDate(0, 0, p.window.FutureDays)

	resp, err := p.transport.GetEventsInRange(ctx, cal.ID, from, to)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(resp.Events))
	if err := p.applyResources(ctx, cal, resp.Events, result, seen); err != nil {
		return err
	}
	purged, err := syncer.PurgeAbsent(p.store, cal, from, to, seen)
	result.EventsDeleted += purged
	if err != nil {
		return err
	}

	token := listed.SyncToken
	if token == "" {
		token = resp.SyncToken
	}
	if token != "" {
		if err := p.accounts.SaveSyncToken(db.ProviderICloud, cal.ID, token); err != nil {
			return fmt.Errorf("failed to save sync token: %w", err)
		}
	}
	return nil
}

// applyResources stores downloaded resources. Resources reported without
// calendar data are fetched with a multiget. When seen is non-nil it collects
// the UIDs present on the server.
func (p *ICloud) applyResources(ctx context.Context, cal *db.Calendar, resources []EventResource, result *syncer.Result, seen map[string]bool) error {
	var missing []string

	for _, res := range resources {
		if res.Deleted() {
			if err := p.deleteByHref(cal, res.Href, result); err != nil {
				return err
			}
			continue
		}
		if seen != nil {
			seen[UIDFromHref(res.Href)] = true
		}
		if !isSuccess(res.Status) {
			p.skipFailedResource(cal, res, result)
			continue
		}
		if strings.TrimSpace(res.ICalData) == "" {
			missing = append(missing, res.Href)
			continue
		}
		if err := p.applyResource(cal, res, result, seen); err != nil {
			return err
		}
	}

	if len(missing) == 0 {
		return nil
	}

	fetched, err := p.transport.MultiGet(ctx, cal.ID, missing)
	if err != nil {
		return err
	}
	for _, res := range fetched {
		if res.Deleted() {
			if err := p.deleteByHref(cal, res.Href, result); err != nil {
				return err
			}
			continue
		}
		if !isSuccess(res.Status) {
			p.skipFailedResource(cal, res, result)
			continue
		}
		if err := p.applyResource(cal, res, result, seen); err != nil {
			return err
		}
	}
	return nil
}

// skipFailedResource records an item the server answered with neither
// success nor 404. The local copy is left alone.
func (p *ICloud) skipFailedResource(cal *db.Calendar, res EventResource, result *syncer.Result) {
	log.Printf("Skipping %s: server returned status %d", res.Href, res.Status)
	result.AddError(syncer.SyncError{
		Kind:       syncer.KindDownloadFailed,
		Provider:   providerName,
		CalendarID: cal.ID,
		EventID:    res.Href,
		Message:    fmt.Sprintf("server returned status %d", res.Status),
	})
}

// applyResource decodes one resource and merges it. Undecodable resources are
// recorded and skipped; only store failures are returned.
func (p *ICloud) applyResource(cal *db.Calendar, res EventResource, result *syncer.Result, seen map[string]bool) error {
	remote, err := DecodeEvent(res)
	if err != nil {
		log.Printf("Skipping unparseable event %s: %v", res.Href, err)
		result.AddError(syncer.SyncError{
			Kind:       syncer.KindParseError,
			Provider:   providerName,
			CalendarID: cal.ID,
			EventID:    res.Href,
			Message:    err.Error(),
		})
		return nil
	}

	result.EventsDownloaded++
	if seen != nil {
		seen[remote.Event.RemoteID] = true
	}

	outcome, err := syncer.ApplyRemoteEvent(p.store, cal, remote, p.now())
	if err != nil {
		return fmt.Errorf("failed to store event %s: %w", res.Href, err)
	}
	switch outcome {
	case syncer.Inserted:
		result.EventsInserted++
	case syncer.Updated:
		result.EventsUpdated++
	}
	return nil
}

// deleteByHref removes the local copy of a resource the server reported gone.
func (p *ICloud) deleteByHref(cal *db.Calendar, href string, result *syncer.Result) error {
	event, err := p.store.GetEventByRemoteID(db.ProviderICloud, cal.ID, UIDFromHref(href))
	if errors.Is(err, db.ErrNotFound) {
		event, err = p.findByHref(cal.ID, href)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up deleted event %s: %w", href, err)
	}

	if err := p.store.HardDeleteEvent(event.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to delete event %s: %w", href, err)
	}
	result.EventsDeleted++
	return nil
}

func (p *ICloud) findByHref(calendarID, href string) (*db.Event, error) {
	events, err := p.store.GetEventsByCalendar(calendarID)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.RemoteHref == href {
			return event, nil
		}
	}
	return nil, db.ErrNotFound
}

// upload pushes dirty local events. Authentication failures abort the cycle.
func (p *ICloud) upload(ctx context.Context, result *syncer.Result) error {
	events, err := p.store.GetEventsNeedingSync(db.ProviderICloud)
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
			log.Printf("Event %s changed on the server, upload deferred", event.ID)
			result.AddError(syncer.SyncError{
				Kind:        syncer.KindPreconditionFailed,
				Provider:    providerName,
				CalendarID:  event.CalendarID,
				EventID:     event.ID,
				Message:     err.Error(),
				Recoverable: true,
			})
		default:
			log.Printf("Failed to upload event %s: %v", event.ID, err)
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

// uploadEvent creates the resource for a never-synced event, or replaces it
// conditionally on the last known ETag.
func (p *ICloud) uploadEvent(ctx context.Context, event *db.Event) error {
	cal, err := p.store.GetCalendarByID(event.CalendarID)
	if err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}
	if cal.IsReadOnly {
		return errReadOnlyCalendar
	}

	uid := event.RemoteID
	if uid == "" {
		uid = event.ID
	}
	href := event.RemoteHref
	if href == "" {
		href = joinHref(cal.ID, uid+".ics")
	}

	now := p.now()
	data, err := EncodeEvent(event, uid, now)
	if err != nil {
		return err
	}

	var etag string
	if event.RemoteID == "" {
		etag, err = p.transport.CreateEvent(ctx, href, data)
	} else {
		etag, err = p.transport.UpdateEvent(ctx, href, data, event.ETag)
	}
	if err != nil {
		return err
	}

	if etag == "" {
		etag = p.fetchETag(ctx, cal.ID, href)
	}

	err = p.store.RecordUpload(event.ID, db.EventUpload{
		RemoteID:   uid,
		RemoteHref: href,
		ETag:       etag,
		SyncedAt:   now,
		Revision:   event.Revision,
	})
	if errors.Is(err, db.ErrNotFound) && event.RemoteID == "" {
		// Deleted locally while the PUT was in flight
		log.Printf("Event %s was deleted during upload, removing %s", event.ID, href)
		if err := p.transport.DeleteEvent(ctx, href, etag); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// fetchETag asks for the ETag of a resource whose PUT response carried none.
func (p *ICloud) fetchETag(ctx context.Context, calendarID, href string) string {
	resources, err := p.transport.MultiGet(ctx, calendarID, []string{href})
	if err != nil {
		log.Printf("Failed to fetch ETag for %s: %v", href, err)
		return ""
	}
	for _, res := range resources {
		if res.Href == href {
			return res.ETag
		}
	}
	if len(resources) == 1 {
		return resources[0].ETag
	}
	return ""
}

// deleteRemote propagates local tombstones. A resource already gone counts as
// deleted.
func (p *ICloud) deleteRemote(ctx context.Context, result *syncer.Result) error {
	events, err := p.store.GetDeletedEventsNeedingSync(db.ProviderICloud)
	if err != nil {
		result.AddError(syncer.SyncError{
			Kind:     syncer.KindDeleteFailed,
			Provider: providerName,
			Message:  fmt.Sprintf("failed to load deleted events: %v", err),
		})
		return nil
	}

	for _, event := range events {
		href := event.RemoteHref
		if href == "" {
			href = joinHref(event.CalendarID, event.RemoteID+".ics")
		}

		err := p.transport.DeleteEvent(ctx, href, event.ETag)
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
			log.Printf("Failed to delete event %s: %v", event.ID, err)
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

func localCalendar(rc RemoteCalendar, email string) *db.Calendar {
	name := strings.TrimSpace(rc.DisplayName)
	if name == "" {
		name = calendarNameFromHref(rc.Href)
	}
	color := defaultCalendarColor
	if rc.Color != nil {
		color = *rc.Color
	}
	return &db.Calendar{
		ID:           rc.Href,
		Name:         name,
		Color:        color,
		ProviderType: db.ProviderICloud,
		AccountEmail: email,
		IsReadOnly:   rc.ReadOnly,
	}
}

func calendarNameFromHref(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		href = u.Path
	}
	name := path.Base(strings.TrimSuffix(href, "/"))
	if name == "." || name == "/" {
		return "Calendar"
	}
	return name
}

// joinHref appends a resource name to a collection href.
func joinHref(collection, name string) string {
	return strings.TrimSuffix(collection, "/") + "/" + url.PathEscape(name)
}

// fatalError classifies a failure that ends the provider's cycle.
func fatalError(err error, msg string) error {
	if errors.Is(err, ErrAuthFailed) {
		return fmt.Errorf("%w: %s: %w", syncer.ErrAuth, msg, err)
	}
	return fmt.Errorf("%w: %s: %w", syncer.ErrDiscovery, msg, err)
}
