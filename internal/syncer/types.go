// Package syncer coordinates provider sync engines against the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/wallsync/internal/activity"
)

var (
	ErrAlreadySyncing = errors.New("sync already in progress")
	ErrNoProviders    = errors.New("no sync providers configured")
	ErrSyncFailed     = errors.New("sync failed")
	ErrCancelled      = errors.New("sync cancelled")

	// Providers wrap fatal failures in these so the orchestrator can classify them.
	ErrAuth      = errors.New("authentication failed")
	ErrDiscovery = errors.New("calendar discovery failed")
)

// Provider is one remote calendar system synchronized against the local store.
type Provider interface {
	// Name is a short stable identifier such as "google" or "icloud".
	Name() string
	// Configured reports whether credentials for the provider are present.
	Configured() bool
	// Sync runs one full cycle. The returned error is reserved for fatal
	// failures (authentication, home collection resolution) and ErrCancelled;
	// everything else is collected in Result.Errors.
	Sync(ctx context.Context, opts Options) (*Result, error)
}

// Options controls a single provider cycle.
type Options struct {
	ForceFull bool
	Progress  chan<- Progress
	Stop      <-chan struct{}
}

// Progress is a provider-relative progress report in [0,1].
type Progress struct {
	Fraction float64
	Message  string
}

// Report sends a progress update if anyone is listening.
func (o Options) Report(fraction float64, message string) {
	if o.Progress != nil {
		o.Progress <- Progress{Fraction: fraction, Message: message}
	}
}

// Stopped reports whether the run was cancelled or the context is done.
// Providers call it at phase checkpoints only.
func (o Options) Stopped(ctx context.Context) bool {
	select {
	case <-o.Stop:
		return true
	default:
	}
	return ctx.Err() != nil
}

// ErrorKind classifies a sync error.
type ErrorKind string

const (
	KindDownloadFailed     ErrorKind = "DOWNLOAD_FAILED"
	KindParseError         ErrorKind = "PARSE_ERROR"
	KindUploadFailed       ErrorKind = "UPLOAD_FAILED"
	KindDeleteFailed       ErrorKind = "DELETE_FAILED"
	KindSyncTokenExpired   ErrorKind = "SYNC_TOKEN_EXPIRED"
	KindPreconditionFailed ErrorKind = "PRECONDITION_FAILED"
	KindAuthError          ErrorKind = "AUTH_ERROR"
	KindDiscoveryError     ErrorKind = "DISCOVERY_ERROR"
)

// SyncError is a non-fatal failure recorded during a cycle.
type SyncError struct {
	Kind        ErrorKind `json:"kind"`
	Provider    string    `json:"provider"`
	CalendarID  string    `json:"calendar_id,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

func (e SyncError) Error() string {
	s := fmt.Sprintf("%s [%s]", e.Kind, e.Provider)
	if e.CalendarID != "" {
		s += " calendar " + e.CalendarID
	}
	if e.EventID != "" {
		s += " event " + e.EventID
	}
	return s + ": " + e.Message
}

// Result is the outcome of one provider cycle or of a whole orchestrated run.
type Result struct {
	activity.Counts
	Errors []SyncError `json:"errors,omitempty"`
}

// Merge adds other's counts and errors to r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.CalendarsSynced += other.CalendarsSynced
	r.EventsDownloaded += other.EventsDownloaded
	r.EventsInserted += other.EventsInserted
	r.EventsUpdated += other.EventsUpdated
	r.EventsDeleted += other.EventsDeleted
	r.EventsUploaded += other.EventsUploaded
	r.RemoteDeleted += other.RemoteDeleted
	r.Errors = append(r.Errors, other.Errors...)
}

// AddError records a non-fatal error.
func (r *Result) AddError(e SyncError) {
	r.Errors = append(r.Errors, e)
}

// Recoverable reports whether every recorded error is individually recoverable.
func (r *Result) Recoverable() bool {
	for _, e := range r.Errors {
		if !e.Recoverable {
			return false
		}
	}
	return true
}

// ErrorMessages flattens the recorded errors.
func (r *Result) ErrorMessages() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return msgs
}
