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

// Maintenance runs the housekeeping loops that ride alongside the
// dispatcher: the stale-job janitor and the retention sweeps.
//
// The janitor owns liveness for claimed work. A running job whose
// heartbeat goes quiet past the stale threshold belongs to a worker that
// died mid-crawl with its queue message already acked or overflowed;
// nothing else will ever finish it, so the janitor fails it into the
// dead-letter queue where it can be retried by hand.
type Maintenance struct {
	jobStore   interfaces.JobStorage
	logStore   interfaces.CrawlLogStorage
	retryStore interfaces.RetryStorage
	jobs       interfaces.JobService
	clock      common.Clock
	logger     arbor.ILogger

	staleInterval  time.Duration
	staleThreshold time.Duration
	sweepInterval  time.Duration
	logRetention   time.Duration
	dlqRetention   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewMaintenance creates the housekeeping runner
func NewMaintenance(config *common.Config, storage interfaces.StorageManager, jobs interfaces.JobService, clock common.Clock, logger arbor.ILogger) (*Maintenance, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	staleInterval, err := config.Scheduler.GetStaleCheckInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid stale_check_interval: %w", err)
	}
	staleThreshold, err := config.Scheduler.GetStaleThreshold()
	if err != nil {
		return nil, fmt.Errorf("invalid stale_threshold: %w", err)
	}
	sweepInterval, err := config.Storage.GetRetentionSweep()
	if err != nil {
		return nil, fmt.Errorf("invalid retention_sweep: %w", err)
	}
	return &Maintenance{
		jobStore:       storage.JobStorage(),
		logStore:       storage.CrawlLogStorage(),
		retryStore:     storage.RetryStorage(),
		jobs:           jobs,
		clock:          clock,
		logger:         logger,
		staleInterval:  staleInterval,
		staleThreshold: staleThreshold,
		sweepInterval:  sweepInterval,
		logRetention:   time.Duration(config.Storage.LogRetentionDays) * 24 * time.Hour,
		dlqRetention:   time.Duration(config.Storage.DLQRetentionDays) * 24 * time.Hour,
	}, nil
}

// Start launches the janitor and retention loops
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return errors.New("maintenance already running")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.active = true

	m.wg.Add(2)
	go m.loop("stale-job janitor", m.staleInterval, m.SweepStale)
	go m.loop("retention sweep", m.sweepInterval, m.SweepRetention)
	return nil
}

// Stop halts both loops
func (m *Maintenance) Stop() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Maintenance) loop(name string, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("loop", name).Str("panic", fmt.Sprintf("%v", r)).Msg("Maintenance loop panic recovered")
		}
	}()

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C():
			fn(m.ctx)
		}
	}
}

// SweepStale fails running jobs whose heartbeat predates the stale
// threshold. Exported for tests.
func (m *Maintenance) SweepStale(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.staleThreshold)
	stale, err := m.jobStore.ListStaleRunning(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list stale running jobs")
		return
	}
	for _, job := range stale {
		msg := fmt.Sprintf("no heartbeat since %s", job.LastHeartbeat.UTC().Format(time.RFC3339))
		if err := m.jobs.Fail(ctx, job.ID, models.CategoryUnknown, msg, ""); err != nil {
			if errors.Is(err, interfaces.ErrStatusConflict) {
				continue // the worker came back between list and fail
			}
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
			continue
		}
		m.logger.Warn().
			Str("job_id", job.ID).
			Str("last_heartbeat", job.LastHeartbeat.Format(time.RFC3339)).
			Msg("Stale running job failed by janitor")
	}
}

// SweepRetention drops crawl-log partitions and retry/dead-letter rows
// older than their retention windows. Exported for tests.
func (m *Maintenance) SweepRetention(ctx context.Context) {
	now := m.clock.Now()

	if m.logRetention > 0 {
		cutoff := models.LogPartition(now.Add(-m.logRetention))
		removed, err := m.logStore.DeletePartitionsBefore(ctx, cutoff)
		if err != nil {
			m.logger.Error().Err(err).Str("cutoff", cutoff).Msg("Failed to drop expired log partitions")
		} else if removed > 0 {
			m.logger.Info().Int("entries", removed).Str("cutoff", cutoff).Msg("Dropped expired crawl log partitions")
		}
	}

	if m.dlqRetention > 0 {
		cutoff := now.Add(-m.dlqRetention)
		if n, err := m.retryStore.DeleteRetriesBefore(ctx, cutoff); err != nil {
			m.logger.Error().Err(err).Msg("Failed to drop expired retry history")
		} else if n > 0 {
			m.logger.Info().Int("rows", n).Msg("Dropped expired retry history")
		}
		if n, err := m.retryStore.DeleteDeadLettersBefore(ctx, cutoff); err != nil {
			m.logger.Error().Err(err).Msg("Failed to drop expired dead letters")
		} else if n > 0 {
			m.logger.Info().Int("rows", n).Msg("Dropped expired dead letters")
		}
	}
}
