package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// Service is the cron dispatcher. One tick loop scans due schedule
// entries and materializes crawl jobs through the job service; entries
// whose previous job is still active are skipped, never stacked.
//
// Cron expressions evaluate in each entry's IANA timezone. A firing
// whose wall time falls in a spring-forward gap normalizes forward
// through the gap (02:30 runs at 03:30); a fall-back overlap fires
// once, at the first occurrence. See nextAfter.
type Service struct {
	schedules  interfaces.ScheduleStorage
	jobStore   interfaces.JobStorage
	websites   interfaces.WebsiteStorage
	jobs       interfaces.JobService
	events     interfaces.EventService
	clock      common.Clock
	logger     arbor.ILogger
	tick       time.Duration
	batchSize  int
	grace      time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates the scheduler
func NewService(config *common.SchedulerConfig, storage interfaces.StorageManager, jobs interfaces.JobService, events interfaces.EventService, clock common.Clock, logger arbor.ILogger) (*Service, error) {
	if config == nil {
		return nil, errors.New("scheduler config is required")
	}
	tick, err := config.GetTickInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid tick_interval: %w", err)
	}
	grace, err := config.GetMissedFireGrace()
	if err != nil {
		return nil, fmt.Errorf("invalid missed_fire_grace: %w", err)
	}
	batch := config.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Service{
		schedules: storage.ScheduleStorage(),
		jobStore:  storage.JobStorage(),
		websites:  storage.WebsiteStorage(),
		jobs:      jobs,
		events:    events,
		clock:     clock,
		logger:    logger,
		tick:      tick,
		batchSize: batch,
		grace:     grace,
	}, nil
}

// Start launches the dispatch loop. A second Start on a running
// scheduler is refused; one logical instance owns dispatch.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().
		Dur("tick", s.tick).
		Int("batch_size", s.batchSize).
		Dur("missed_fire_grace", s.grace).
		Msg("Scheduler started")
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the dispatch loop is live
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Scheduler loop panic recovered")
		}
	}()

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	// First scan right away so restarts do not wait a full period
	s.Tick(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			s.Tick(s.ctx)
		}
	}
}

// Tick runs one dispatch scan: read "now" once, load due entries oldest
// first, and fire each. Exported so tests (and TriggerNow paths) can
// drive the scheduler without the loop.
func (s *Service) Tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load due schedule entries")
		return
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, entry.ID, now, false)
	}
}

// fire processes one due entry. forced bypasses the cron due check
// (TriggerNow) but still honors stack prevention.
func (s *Service) fire(ctx context.Context, scheduleID string, now time.Time, forced bool) {
	// Re-read inside the fire so a concurrent pause or delete between
	// the due scan and now is respected.
	entry, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("Due schedule entry vanished")
		return
	}
	if !entry.IsActive || (!forced && entry.NextRunTime.After(now)) {
		return
	}

	website, err := s.websites.Get(ctx, entry.WebsiteID)
	if err != nil || website.IsDeleted() {
		s.logger.Warn().Err(err).
			Str("schedule_id", entry.ID).
			Str("website_id", entry.WebsiteID).
			Msg("Deactivating schedule entry for missing website")
		entry.IsActive = false
		entry.UpdatedAt = now
		if uerr := s.schedules.Update(ctx, entry); uerr != nil {
			s.logger.Error().Err(uerr).Str("schedule_id", entry.ID).Msg("Failed to deactivate schedule entry")
		}
		return
	}
	if website.Status != models.WebsiteStatusActive {
		// Paused template: keep the entry due, it fires on resume
		return
	}

	loc, err := entry.Location()
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", entry.ID).Str("timezone", entry.Timezone).Msg("Invalid schedule timezone")
		return
	}
	sched, err := common.ParseCronSchedule(entry.CronExpression)
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Invalid cron expression on stored entry")
		return
	}

	// Stack prevention: at most one non-terminal job per entry
	active, err := s.jobStore.HasActiveJobForSchedule(ctx, entry.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Failed to check for active job")
		return
	}
	if active {
		s.logger.Info().
			Str("event", "schedule_skipped_previous_running").
			Str("schedule_id", entry.ID).
			Str("last_job_id", entry.LastJobID).
			Msg("Previous job still active, skipping this tick")
		return
	}

	// Missed firing: if the due instant is more than one grace period
	// old, skip straight to the next future occurrence without firing
	if !forced && now.Sub(entry.NextRunTime) > s.grace {
		next := nextAfter(sched, now, loc)
		s.logger.Warn().
			Str("event", "missed_fire").
			Str("schedule_id", entry.ID).
			Str("missed", entry.NextRunTime.Format(time.RFC3339)).
			Str("next", next.Format(time.RFC3339)).
			Msg("Firing missed beyond grace period, advancing to next occurrence")
		entry.NextRunTime = next
		entry.UpdatedAt = now
		if err := s.schedules.Update(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Failed to advance missed schedule entry")
		}
		return
	}

	seed := entry.SeedURL
	if seed == "" {
		seed = website.BaseURL
	}
	job, err := s.jobs.Submit(ctx, &models.SubmitRequest{
		WebsiteID:  entry.WebsiteID,
		SeedURL:    seed,
		JobType:    models.JobTypeScheduled,
		ScheduleID: entry.ID,
	})
	if err != nil {
		// The entry stays due: the next tick retries, and the grace
		// window bounds how long a broken submit can stall it.
		s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Failed to submit scheduled job")
		return
	}

	base := now
	if entry.LastRunTime.After(base) {
		base = entry.LastRunTime
	}
	entry.LastRunTime = now
	entry.NextRunTime = nextAfter(sched, base, loc)
	entry.LastJobID = job.ID
	entry.UpdatedAt = now
	if err := s.schedules.Update(ctx, entry); err != nil {
		// Next tick re-fires, where stack prevention sees the job we
		// just submitted and skips; no duplicate run results.
		s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Failed to advance schedule entry after fire")
		return
	}

	s.logger.Info().
		Str("event", "schedule_fired").
		Str("schedule_id", entry.ID).
		Str("job_id", job.ID).
		Str("next_run", entry.NextRunTime.Format(time.RFC3339)).
		Msg("Scheduled job submitted")
	if s.events != nil {
		if err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventScheduleFired, Payload: entry}); err != nil {
			s.logger.Warn().Err(err).Str("schedule_id", entry.ID).Msg("Failed to publish schedule event")
		}
	}
}

// TriggerNow fires a schedule entry immediately, bypassing the cron
// expression but honoring stack prevention. Returns the submitted job id.
func (s *Service) TriggerNow(ctx context.Context, scheduleID string) (string, error) {
	entry, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if !entry.IsActive {
		return "", fmt.Errorf("schedule entry %s is paused", scheduleID)
	}
	before := entry.LastJobID
	s.fire(ctx, scheduleID, s.clock.Now(), true)
	after, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if after.LastJobID == before || after.LastJobID == "" {
		return "", fmt.Errorf("schedule entry %s did not fire (previous job still active?)", scheduleID)
	}
	return after.LastJobID, nil
}

// Status returns the live state of all known schedule entries
func (s *Service) Status(ctx context.Context) ([]*interfaces.ScheduleStatus, error) {
	entries, err := s.schedules.List(ctx, &interfaces.ListOptions{})
	if err != nil {
		return nil, err
	}
	statuses := make([]*interfaces.ScheduleStatus, 0, len(entries))
	for _, e := range entries {
		st := &interfaces.ScheduleStatus{
			ScheduleID: e.ID,
			WebsiteID:  e.WebsiteID,
			CronExpr:   e.CronExpression,
			Timezone:   e.Timezone,
			IsActive:   e.IsActive,
			LastJobID:  e.LastJobID,
		}
		if !e.NextRunTime.IsZero() {
			next := e.NextRunTime
			st.NextRun = &next
		}
		if !e.LastRunTime.IsZero() {
			last := e.LastRunTime
			st.LastRun = &last
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
