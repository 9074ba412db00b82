package activity

import (
	"sync"
	"time"
)

// Status is the lifecycle state of the orchestrated sync.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusSyncing Status = "SYNCING"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusPartial Status = "PARTIAL_SUCCESS"
)

// IsTerminal reports whether s ends a run.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusPartial
}

// Counts are the aggregate change counters of a run.
type Counts struct {
	CalendarsSynced  int `json:"calendars_synced"`
	EventsDownloaded int `json:"events_downloaded"`
	EventsInserted   int `json:"events_inserted"`
	EventsUpdated    int `json:"events_updated"`
	EventsDeleted    int `json:"events_deleted"`
	EventsUploaded   int `json:"events_uploaded"`
	RemoteDeleted    int `json:"remote_deleted"`
}

// Changes returns the number of changes that landed locally or remotely.
func (c Counts) Changes() int {
	return c.EventsInserted + c.EventsUpdated + c.EventsDeleted + c.EventsUploaded + c.RemoteDeleted
}

// State is the observable sync state.
type State struct {
	RunID         uint64     `json:"run_id"`
	Status        Status     `json:"status"`
	Phase         string     `json:"phase,omitempty"`
	Progress      float64    `json:"progress"`
	Message       string     `json:"message,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	Result        *Counts    `json:"result,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

// Run is a finished sync kept in the recent history.
type Run struct {
	RunID       uint64    `json:"run_id"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Counts      Counts    `json:"counts"`
	Errors      []string  `json:"errors,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    string    `json:"duration"`
}

// Tracker holds the current sync state and fans changes out to subscribers.
type Tracker struct {
	mu             sync.RWMutex
	state          State
	recent         []*Run
	maxRecentSyncs int
	subscribers    map[int]chan State
	nextSubscriber int
}

// NewTracker creates a new tracker in the IDLE state.
func NewTracker() *Tracker {
	return &Tracker{
		state:          State{Status: StatusIdle},
		recent:         make([]*Run, 0),
		maxRecentSyncs: 20, // Keep last 20 completed syncs
		subscribers:    make(map[int]chan State),
	}
}

// Begin resets the state to SYNCING for a new run.
func (t *Tracker) Begin(runID uint64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.state = State{
		RunID:         runID,
		Status:        StatusSyncing,
		Phase:         "starting",
		Message:       message,
		StartedAt:     &now,
		LastSuccessAt: t.state.LastSuccessAt,
	}
	t.publishLocked()
}

// Progress updates the progress of a running sync. Updates for any run other
// than the current one are ignored.
func (t *Tracker) Progress(runID uint64, fraction float64, phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.RunID != runID || t.state.Status != StatusSyncing {
		return
	}

	if fraction < t.state.Progress {
		fraction = t.state.Progress
	}
	if fraction > 1 {
		fraction = 1
	}
	t.state.Progress = fraction
	t.state.Phase = phase
	t.publishLocked()
}

// Finish publishes the terminal state of a run. It returns false when the run
// is no longer current, for example after a cancel.
func (t *Tracker) Finish(runID uint64, status Status, message string, counts Counts, errors []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.RunID != runID || t.state.Status != StatusSyncing {
		return false
	}

	now := time.Now()
	t.state.Status = status
	t.state.Phase = ""
	t.state.Message = message
	t.state.Result = &counts
	t.state.Errors = errors
	if status == StatusSuccess {
		t.state.Progress = 1
		t.state.LastError = ""
		t.state.LastSuccessAt = &now
	} else if len(errors) > 0 {
		t.state.LastError = errors[0]
	} else {
		t.state.LastError = message
	}

	run := &Run{
		RunID:       runID,
		Status:      status,
		Message:     message,
		Counts:      counts,
		Errors:      errors,
		CompletedAt: now,
	}
	if t.state.StartedAt != nil {
		run.StartedAt = *t.state.StartedAt
		run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	t.pushRecentLocked(run)
	t.publishLocked()
	return true
}

// Reset forces the state back to IDLE.
func (t *Tracker) Reset(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Status = StatusIdle
	t.state.Phase = ""
	t.state.Progress = 0
	t.state.Message = message
	t.publishLocked()
}

// Current returns a copy of the current state.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// IsSyncing returns true while a run is in progress.
func (t *Tracker) IsSyncing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Status == StatusSyncing
}

// GetRecent returns recently completed syncs, newest first.
func (t *Tracker) GetRecent() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, len(t.recent))
	for i, run := range t.recent {
		copy := *run
		result[i] = &copy
	}
	return result
}

// Subscribe returns a channel receiving every state change, starting with the
// current state, and a function that ends the subscription. A slow subscriber
// only misses intermediate states; the latest state is always delivered.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubscriber
	t.nextSubscriber++
	ch := make(chan State, 16)
	t.subscribers[id] = ch
	ch <- t.snapshotLocked()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (t *Tracker) snapshotLocked() State {
	s := t.state
	if s.Result != nil {
		counts := *s.Result
		s.Result = &counts
	}
	if s.Errors != nil {
		s.Errors = append([]string(nil), s.Errors...)
	}
	return s
}

func (t *Tracker) publishLocked() {
	snapshot := t.snapshotLocked()
	for _, ch := range t.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest pending state so the newest one fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (t *Tracker) pushRecentLocked(run *Run) {
	t.recent = append([]*Run{run}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}
}
