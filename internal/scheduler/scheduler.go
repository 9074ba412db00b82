package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/wallsync/internal/syncer"
)

const (
	cleanupSpec      = "@daily"
	logRetentionDays = 30
	syncTimeout      = 10 * time.Minute // Maximum time for a single sync operation
)

// Syncer runs an orchestrated sync.
type Syncer interface {
	PerformFullSync(ctx context.Context, force bool) (*syncer.Result, error)
}

// LogCleaner removes old sync logs.
type LogCleaner interface {
	CleanOldSyncLogs(olderThan time.Time) (int64, error)
}

// Scheduler runs the periodic sync and log cleanup.
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	syncer   Syncer
	logs     LogCleaner

	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler running syncs on a standard five-field cron
// schedule.
func New(schedule string, s Syncer, logs LogCleaner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		schedule: schedule,
		syncer:   s,
		logs:     logs,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ValidateSchedule reports whether expr is a usable cron schedule.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", expr, err)
	}
	return nil
}

// Start registers the jobs and starts the cron runner. With syncNow a sync
// is started immediately as well.
func (s *Scheduler) Start(syncNow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.executeSync(false) }); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}
	if s.logs != nil {
		if _, err := s.cron.AddFunc(cleanupSpec, s.cleanupOldLogs); err != nil {
			return fmt.Errorf("add cleanup job: %w", err)
		}
	}

	s.cron.Start()
	s.started = true
	log.Printf("Scheduler started (sync schedule: %s)", s.schedule)

	if syncNow {
		s.triggerLocked(false)
	}
	return nil
}

// Stop waits for running jobs and triggered syncs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	// Cancel context to stop running syncs at their next checkpoint
	s.cancel()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// TriggerSync starts a sync in the background. It returns false when the
// scheduler is not running.
func (s *Scheduler) TriggerSync(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	s.triggerLocked(force)
	return true
}

func (s *Scheduler) triggerLocked(force bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(force)
	}()
}

// executeSync runs one orchestrated sync. An overlapping run is skipped.
func (s *Scheduler) executeSync(force bool) {
	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.syncer.PerformFullSync(ctx, force)
	switch {
	case errors.Is(err, syncer.ErrAlreadySyncing):
		log.Printf("Skipping sync - another sync is already in progress")
	case errors.Is(err, syncer.ErrNoProviders):
		log.Printf("Skipping sync - no providers configured")
	case err != nil:
		log.Printf("Sync failed: %v", err)
	case result != nil:
		log.Printf("Sync completed: %d inserted, %d updated, %d deleted, %d uploaded, %d errors in %v",
			result.EventsInserted, result.EventsUpdated, result.EventsDeleted, result.EventsUploaded,
			len(result.Errors), time.Since(start).Round(time.Millisecond))
	}
}

// cleanupOldLogs deletes sync logs older than retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.logs.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}
