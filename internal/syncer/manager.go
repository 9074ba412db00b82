package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/wallsync/internal/activity"
	"github.com/macjediwizard/wallsync/internal/db"
)

// Manager runs every configured provider once per invocation and publishes a
// single observable state.
type Manager struct {
	guard     *Guard
	tracker   *activity.Tracker
	logs      LogStore
	providers []Provider

	mu   sync.Mutex
	stop chan struct{}
}

// New creates a manager. Providers run in the given order.
func New(guard *Guard, tracker *activity.Tracker, logs LogStore, providers ...Provider) *Manager {
	return &Manager{
		guard:     guard,
		tracker:   tracker,
		logs:      logs,
		providers: providers,
	}
}

// Tracker returns the state tracker.
func (m *Manager) Tracker() *activity.Tracker {
	return m.tracker
}

// IsSyncing reports whether a run holds the guard.
func (m *Manager) IsSyncing() bool {
	return m.guard.Held()
}

// PerformFullSync runs each configured provider sequentially. A second caller
// while a run is active gets ErrAlreadySyncing immediately.
func (m *Manager) PerformFullSync(ctx context.Context, force bool) (*Result, error) {
	runID, ok := m.guard.TryAcquire()
	if !ok {
		return nil, ErrAlreadySyncing
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.stop == stop {
			m.stop = nil
		}
		m.mu.Unlock()
		m.guard.Release(runID)
	}()

	start := time.Now()
	m.tracker.Begin(runID, "Starting sync")

	var configured []Provider
	for _, p := range m.providers {
		if p.Configured() {
			configured = append(configured, p)
		} else {
			log.Printf("Skipping %s sync: not configured", p.Name())
		}
	}

	if len(configured) == 0 {
		m.tracker.Finish(runID, activity.StatusError, ErrNoProviders.Error(), activity.Counts{}, nil)
		m.writeLog(db.SyncStatusError, ErrNoProviders.Error(), nil, &Result{}, time.Since(start))
		return nil, ErrNoProviders
	}

	total := &Result{}
	share := 1.0 / float64(len(configured))
	failed := 0
	cancelled := false
	var names []string
	var firstFatal error

	for i, p := range configured {
		if stopped(ctx, stop) {
			cancelled = true
			break
		}
		names = append(names, p.Name())

		res, err := m.runProvider(ctx, runID, p, float64(i)*share, share, Options{ForceFull: force, Stop: stop})
		total.Merge(res)

		if errors.Is(err, ErrCancelled) {
			cancelled = true
			break
		}
		if err != nil {
			failed++
			if firstFatal == nil {
				firstFatal = err
			}
			total.AddError(fatalError(p.Name(), err))
			log.Printf("%s sync failed: %v", p.Name(), err)
		}
	}

	if cancelled || stopped(ctx, stop) {
		log.Printf("Sync run %d cancelled after %d changes", runID, total.Changes())
		select {
		case <-stop:
			// CancelSync already reset the state and may have let a new run in
		default:
			m.tracker.Reset("Sync cancelled")
		}
		m.writeLog(db.SyncStatusCancelled, "Sync cancelled", names, total, time.Since(start))
		return total, ErrCancelled
	}

	status, message := summarize(total, failed, len(configured), firstFatal)
	m.tracker.Finish(runID, status, message, total.Counts, total.ErrorMessages())

	logStatus := db.SyncStatusSuccess
	switch status {
	case activity.StatusError:
		logStatus = db.SyncStatusError
	case activity.StatusPartial:
		logStatus = db.SyncStatusPartial
	}
	m.writeLog(logStatus, message, names, total, time.Since(start))

	log.Printf("Sync run %d finished: %s (%s)", runID, status, message)

	if status == activity.StatusError {
		return total, fmt.Errorf("%w: %w", ErrSyncFailed, firstFatal)
	}
	return total, nil
}

// CancelSync moves the state to IDLE and frees the guard. Providers notice
// the cancellation at their next checkpoint; requests already issued finish.
func (m *Manager) CancelSync() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.tracker.Reset("Sync cancelled")
	m.guard.ForceRelease()
}

// runProvider forwards the provider's progress into the tracker, scaled to
// its share of the run.
func (m *Manager) runProvider(ctx context.Context, runID uint64, p Provider, base, share float64, opts Options) (*Result, error) {
	progress := make(chan Progress)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for update := range progress {
			m.tracker.Progress(runID, base+update.Fraction*share, p.Name()+": "+update.Message)
		}
	}()

	opts.Progress = progress
	res, err := p.Sync(ctx, opts)
	close(progress)
	<-done

	return res, err
}

func (m *Manager) writeLog(status db.SyncStatus, message string, providers []string, res *Result, duration time.Duration) {
	if m.logs == nil {
		return
	}

	entry := &db.SyncLog{
		Status:           status,
		Message:          message,
		Details:          strings.Join(res.ErrorMessages(), "\n"),
		Providers:        strings.Join(providers, ","),
		CalendarsSynced:  res.CalendarsSynced,
		EventsDownloaded: res.EventsDownloaded,
		EventsInserted:   res.EventsInserted,
		EventsUpdated:    res.EventsUpdated,
		EventsDeleted:    res.EventsDeleted,
		EventsUploaded:   res.EventsUploaded,
		RemoteDeleted:    res.RemoteDeleted,
		ErrorCount:       len(res.Errors),
		Duration:         duration,
	}
	if err := m.logs.CreateSyncLog(entry); err != nil {
		log.Printf("Failed to write sync log: %v", err)
	}
}

// summarize picks the terminal status. Every configured provider failing
// fatally is an ERROR; any other error that is not recoverable makes the run
// a partial success.
func summarize(res *Result, failed, configured int, firstFatal error) (activity.Status, string) {
	if failed == configured {
		return activity.StatusError, firstFatal.Error()
	}
	if res.Recoverable() {
		msg := fmt.Sprintf("Sync complete: %d changes", res.Changes())
		if len(res.Errors) > 0 {
			msg += fmt.Sprintf(", %d deferred", len(res.Errors))
		}
		return activity.StatusSuccess, msg
	}

	return activity.StatusPartial, fmt.Sprintf("Synced %d changes with %d errors; first error: %s",
		res.Changes(), len(res.Errors), res.Errors[0].Error())
}

func fatalError(provider string, err error) SyncError {
	kind := KindDownloadFailed
	switch {
	case errors.Is(err, ErrAuth):
		kind = KindAuthError
	case errors.Is(err, ErrDiscovery):
		kind = KindDiscoveryError
	}
	return SyncError{
		Kind:     kind,
		Provider: provider,
		Message:  err.Error(),
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	return Options{Stop: stop}.Stopped(ctx)
}
