package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/kv"
)

// Service owns the crawl job lifecycle. Every status write flows through
// the storage layer's compare-and-set transition, so concurrent workers
// and cancel requests resolve to exactly one winner per edge.
type Service struct {
	jobs            interfaces.JobStorage
	websites        interfaces.WebsiteStorage
	retries         interfaces.RetryStorage
	logs            interfaces.CrawlLogStorage
	queue           interfaces.QueueManager
	cache           *kv.Service
	events          interfaces.EventService
	clock           common.Clock
	logger          arbor.ILogger
	defaultPriority int
}

// NewService creates the job service
func NewService(storage interfaces.StorageManager, queue interfaces.QueueManager, cache *kv.Service, events interfaces.EventService, clock common.Clock, logger arbor.ILogger) *Service {
	return &Service{
		jobs:            storage.JobStorage(),
		websites:        storage.WebsiteStorage(),
		retries:         storage.RetryStorage(),
		logs:            storage.CrawlLogStorage(),
		queue:           queue,
		cache:           cache,
		events:          events,
		clock:           clock,
		logger:          logger,
		defaultPriority: 5,
	}
}

// Submit validates the request, writes the pending row, and publishes the
// task message. A failed publish rolls the row back out so a submit error
// never leaves a phantom job behind.
func (s *Service) Submit(ctx context.Context, req *models.SubmitRequest) (*models.CrawlJob, error) {
	if req == nil {
		return nil, fmt.Errorf("submit request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submit request: %w", err)
	}

	seedURL := req.SeedURL
	if req.WebsiteID != "" {
		website, err := s.websites.Get(ctx, req.WebsiteID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve website %s: %w", req.WebsiteID, err)
		}
		if website.IsDeleted() {
			return nil, fmt.Errorf("website %s: %w", req.WebsiteID, interfaces.ErrNotFound)
		}
		if seedURL == "" {
			seedURL = website.BaseURL
		}
	}
	if err := models.ValidateSeedURL(seedURL); err != nil {
		return nil, fmt.Errorf("invalid submit request: %w", err)
	}

	now := s.clock.Now()
	jobType := req.JobType
	if jobType == "" {
		jobType = models.JobTypeOneTime
	}
	priority := req.Priority
	if priority == 0 {
		priority = s.defaultPriority
	}
	scheduledAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = *req.ScheduledAt
	}

	job := &models.CrawlJob{
		ID:           common.NewJobID(),
		WebsiteID:    req.WebsiteID,
		InlineConfig: req.InlineConfig,
		JobType:      jobType,
		SeedURL:      seedURL,
		Status:       models.JobStatusPending,
		Priority:     priority,
		ScheduleID:   req.ScheduleID,
		ScheduledAt:  scheduledAt,
		CreatedAt:    now,
		Metadata:     req.Metadata,
		Variables:    req.Variables,
	}
	if err := job.ValidateConfigSource(); err != nil {
		return nil, fmt.Errorf("invalid submit request: %w", err)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	payload := &models.TaskPayload{JobID: job.ID, WebsiteID: job.WebsiteID, SeedURL: job.SeedURL}
	delay := scheduledAt.Sub(now)
	_, err := s.queue.PublishWithDelay(ctx, payload, job.ID, delay)
	if err != nil {
		// The job row must not survive a failed publish: a submitted job
		// is either queued or the submit call visibly failed.
		if delErr := s.jobs.Delete(ctx, job.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("job_id", job.ID).
				Msg("Failed to roll back job row after publish failure")
		}
		return nil, fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Str("seed_url", job.SeedURL).
		Str("website_id", job.WebsiteID).
		Msg("Job submitted")
	s.publish(ctx, interfaces.EventJobSubmitted, job)
	return job, nil
}

// Get returns a job by id
func (s *Service) Get(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	return s.jobs.Get(ctx, jobID)
}

// List returns jobs matching the filter
func (s *Service) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.CrawlJob, error) {
	return s.jobs.List(ctx, opts)
}

// Count returns the number of jobs matching the filter
func (s *Service) Count(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	return s.jobs.Count(ctx, opts)
}

// Cancel requests cancellation of a job.
//
// Pending jobs lose their queue message and flip straight to cancelled.
// When the message is already leased (a worker got there first) the
// pending branch falls through to the running path: raise the shared
// cancellation flag and move to cancelling; the worker finishes the edge
// after cleanup.
func (s *Service) Cancel(ctx context.Context, jobID, actor, reason string) (*interfaces.CancelResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, interfaces.ErrAlreadyTerminal)
	}
	if job.Status == models.JobStatusCancelling {
		// Repeat cancel while a worker winds down: report current state
		return &interfaces.CancelResult{JobID: jobID, Status: models.JobStatusCancelling}, nil
	}

	now := s.clock.Now()
	stamp := func(j *models.CrawlJob) {
		j.CancelledAt = now
		j.CancelledBy = actor
		j.CancellationReason = reason
	}

	if job.Status == models.JobStatusPending {
		deleted, err := s.queue.DeleteByJobID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete queue message for job %s: %w", jobID, err)
		}
		if deleted {
			updated, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusPending, models.JobStatusCancelled, stamp)
			if err == nil {
				s.logger.Info().Str("job_id", jobID).Str("cancelled_by", actor).Msg("Pending job cancelled")
				s.publish(ctx, interfaces.EventJobCancelled, updated)
				return &interfaces.CancelResult{JobID: jobID, Status: models.JobStatusCancelled, QueueMessageDeleted: true}, nil
			}
			if !errors.Is(err, interfaces.ErrStatusConflict) {
				return nil, err
			}
			// A worker claimed the job between the queue delete and the
			// CAS. Its message is gone, so the flag below is what stops it.
		}
	}

	// Running (or raced-out-of-pending) path: flag first so the worker's
	// watcher observes it even if the CAS below races the terminal write.
	if err := s.cache.SetCancelFlag(ctx, jobID); err != nil {
		return nil, fmt.Errorf("failed to set cancellation flag for job %s: %w", jobID, err)
	}
	updated, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusCancelling, stamp)
	if err != nil {
		if errors.Is(err, interfaces.ErrStatusConflict) {
			// The job finished, failed, or went back to pending while we
			// were flagging it. Re-read and report reality.
			current, getErr := s.jobs.Get(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status.IsTerminal() {
				s.clearJobFlags(ctx, jobID)
				return nil, fmt.Errorf("cancel job %s: %w", jobID, interfaces.ErrAlreadyTerminal)
			}
			if current.Status == models.JobStatusPending {
				// Requeued for retry in the race window; the flag stays
				// up, so the next delivery start-checks and cancels.
				updated, err = s.jobs.TransitionStatus(ctx, jobID, models.JobStatusPending, models.JobStatusCancelled, stamp)
				if err != nil {
					return nil, err
				}
				if _, delErr := s.queue.DeleteByJobID(ctx, jobID); delErr != nil {
					s.logger.Warn().Err(delErr).Str("job_id", jobID).Msg("Failed to drop requeued message for cancelled job")
				}
				s.clearJobFlags(ctx, jobID)
				s.publish(ctx, interfaces.EventJobCancelled, updated)
				return &interfaces.CancelResult{JobID: jobID, Status: models.JobStatusCancelled}, nil
			}
			return &interfaces.CancelResult{JobID: jobID, Status: current.Status}, nil
		}
		return nil, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("cancelled_by", actor).
		Str("reason", reason).
		Msg("Running job moving to cancelling")
	s.publish(ctx, interfaces.EventJobCancelled, updated)
	return &interfaces.CancelResult{JobID: jobID, Status: models.JobStatusCancelling}, nil
}

// Delete removes a terminal job row together with its logs. Crawled pages
// survive: they belong to the website, not the job.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("delete job %s in status %s: %w", jobID, job.Status, interfaces.ErrInvalidTransition)
	}
	if err := s.logs.DeleteLogs(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete job logs")
	}
	s.clearJobFlags(ctx, jobID)
	return s.jobs.Delete(ctx, jobID)
}

// Start is the worker's pending->running compare-and-set. Losing the race
// (redundant delivery) surfaces as ErrStatusConflict.
func (s *Service) Start(ctx context.Context, jobID, workerID string) (*models.CrawlJob, error) {
	now := s.clock.Now()
	job, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusPending, models.JobStatusRunning, func(j *models.CrawlJob) {
		j.StartedAt = now
		j.LastHeartbeat = now
		if workerID != "" {
			if j.Metadata == nil {
				j.Metadata = make(map[string]interface{})
			}
			j.Metadata["worker"] = workerID
		}
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, interfaces.EventJobStarted, job)
	return job, nil
}

// Complete writes the terminal row for a successfully finished pipeline run
func (s *Service) Complete(ctx context.Context, jobID string, result *models.CrawlResult) error {
	now := s.clock.Now()
	job, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusCompleted, func(j *models.CrawlJob) {
		j.CompletedAt = now
		j.Outcome = result.Outcome
		j.LastError = ""
		j.ErrorCategory = ""
		applyResultCounters(j, result, now)
	})
	if err != nil {
		return err
	}
	s.clearJobFlags(ctx, jobID)
	s.publish(ctx, interfaces.EventJobCompleted, job)
	return nil
}

// Fail writes the failed terminal row and records the dead-letter entry
func (s *Service) Fail(ctx context.Context, jobID string, category models.ErrorCategory, errMsg string, stack string) error {
	now := s.clock.Now()
	job, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusFailed, func(j *models.CrawlJob) {
		j.CompletedAt = now
		j.LastError = fmt.Sprintf("%s: %s", category, errMsg)
		j.ErrorCategory = category
	})
	if err != nil {
		return err
	}

	entry := &models.DeadLetterEntry{
		ID:           common.NewDeadLetterID(),
		JobID:        jobID,
		WebsiteID:    job.WebsiteID,
		Category:     category,
		Attempts:     job.RetryCount,
		ErrorMessage: errMsg,
		Stack:        stack,
		FailedAt:     now,
		CreatedAt:    now,
	}
	if err := s.retries.AddDeadLetter(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record dead letter entry")
	}

	s.clearJobFlags(ctx, jobID)
	s.logger.Warn().
		Str("job_id", jobID).
		Str("category", string(category)).
		Str("error", errMsg).
		Int("attempts", job.RetryCount).
		Msg("Job dead-lettered")
	s.publish(ctx, interfaces.EventJobFailed, job)
	return nil
}

// Requeue applies a retryable failure: one retry-history row, the
// running->pending edge with retry_count bumped and scheduled_at pushed
// out, then a fresh delayed publish.
func (s *Service) Requeue(ctx context.Context, jobID string, category models.ErrorCategory, errMsg string, delay time.Duration) error {
	now := s.clock.Now()
	job, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusPending, func(j *models.CrawlJob) {
		j.RetryCount++
		j.ScheduledAt = now.Add(delay)
		j.LastError = fmt.Sprintf("%s: %s", category, errMsg)
		j.ErrorCategory = category
	})
	if err != nil {
		return err
	}

	row := &models.RetryHistory{
		ID:           common.NewRetryID(),
		JobID:        jobID,
		WebsiteID:    job.WebsiteID,
		Attempt:      job.RetryCount,
		Category:     category,
		ErrorMessage: errMsg,
		DelaySeconds: delay.Seconds(),
		CreatedAt:    now,
	}
	if err := s.retries.AddRetry(ctx, row); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record retry history")
	}

	// Fresh message, no dedup key: the original's dedup window must not
	// swallow the retry, and the delivery budget restarts per attempt.
	payload := &models.TaskPayload{JobID: job.ID, WebsiteID: job.WebsiteID, SeedURL: job.SeedURL}
	if _, err := s.queue.PublishWithDelay(ctx, payload, "", delay); err != nil {
		return fmt.Errorf("failed to republish job %s for retry: %w", jobID, err)
	}
	s.publish(ctx, interfaces.EventJobRetrying, job)
	return nil
}

// FinishCancel moves cancelling->cancelled after the worker's cleanup and
// lowers the cancellation flag. Calling it on an already cancelled job is
// a no-op so the worker and a second cancel request can both land here.
func (s *Service) FinishCancel(ctx context.Context, jobID string) error {
	now := s.clock.Now()
	job, err := s.jobs.TransitionStatus(ctx, jobID, models.JobStatusCancelling, models.JobStatusCancelled, func(j *models.CrawlJob) {
		if j.CancelledAt.IsZero() {
			j.CancelledAt = now
		}
		j.CompletedAt = now
		j.Outcome = models.OutcomeCancelled
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrStatusConflict) {
			current, getErr := s.jobs.Get(ctx, jobID)
			if getErr == nil && current.Status == models.JobStatusCancelled {
				s.clearJobFlags(ctx, jobID)
				return nil
			}
		}
		return err
	}
	s.clearJobFlags(ctx, jobID)
	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	s.publish(ctx, interfaces.EventJobCancelled, job)
	return nil
}

// UpdateProgress persists the progress bag, bumps the heartbeat, and
// snapshots to the progress cache for cheap polling reads
func (s *Service) UpdateProgress(ctx context.Context, jobID string, progress models.CrawlProgress) error {
	if err := s.jobs.UpdateProgress(ctx, jobID, progress); err != nil {
		return err
	}
	if err := s.cache.PutProgress(ctx, jobID, &progress); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cache progress snapshot")
	}
	return nil
}

// IsCancelRequested polls the shared cancellation flag
func (s *Service) IsCancelRequested(ctx context.Context, jobID string) bool {
	up, err := s.cache.IsCancelRequested(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read cancellation flag")
		return false
	}
	return up
}

// RetryDeadLetter re-enters a dead-lettered job as a fresh job: same
// config source and job type, retry count reset, linked back to the DLQ
// row through metadata.
func (s *Service) RetryDeadLetter(ctx context.Context, dlqID string) (*models.CrawlJob, error) {
	entry, err := s.retries.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	original, err := s.jobs.Get(ctx, entry.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load original job %s for dead letter %s: %w", entry.JobID, dlqID, err)
	}

	req := &models.SubmitRequest{
		WebsiteID:    original.WebsiteID,
		InlineConfig: original.InlineConfig,
		SeedURL:      original.SeedURL,
		Priority:     original.Priority,
		Variables:    original.Variables,
		JobType:      original.JobType,
		ScheduleID:   original.ScheduleID,
		Metadata:     map[string]interface{}{"dlq_id": dlqID},
	}
	for k, v := range original.Metadata {
		if k != "worker" {
			req.Metadata[k] = v
		}
	}

	job, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.retries.MarkDeadLetterRetried(ctx, dlqID, job.ID, s.clock.Now()); err != nil {
		s.logger.Warn().Err(err).Str("dlq_id", dlqID).Str("job_id", job.ID).Msg("Failed to stamp dead letter re-entry")
	}
	s.logger.Info().Str("dlq_id", dlqID).Str("job_id", job.ID).Msg("Dead letter re-entered as fresh job")
	return job, nil
}

// HandleRedeliveryOverflow is the queue's hook for a message that burned
// its whole delivery budget without an ack. The job never produced a
// terminal write, so record the dead letter here and close the job out
// if it is still pending.
func (s *Service) HandleRedeliveryOverflow(ctx context.Context, msg *models.QueueMessage) error {
	now := s.clock.Now()
	job, err := s.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Str("job_id", msg.JobID).Msg("Redelivery overflow for a missing job, dropping")
			return nil
		}
		return err
	}

	entry := &models.DeadLetterEntry{
		ID:           common.NewDeadLetterID(),
		JobID:        job.ID,
		WebsiteID:    job.WebsiteID,
		Category:     models.CategoryUnknown,
		Attempts:     msg.DeliverCount,
		ErrorMessage: fmt.Sprintf("message exceeded %d deliveries without completion", msg.DeliverCount),
		FailedAt:     now,
		CreatedAt:    now,
	}
	if err := s.retries.AddDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to record redelivery overflow for job %s: %w", job.ID, err)
	}

	if job.Status == models.JobStatusPending {
		// pending->failed is not a lifecycle edge; close the orphan out
		// through the legal cancellation edge instead.
		_, err = s.jobs.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusCancelled, func(j *models.CrawlJob) {
			j.CancelledAt = now
			j.CancelledBy = "system"
			j.CancellationReason = "queue redelivery budget exhausted"
		})
		if err != nil && !errors.Is(err, interfaces.ErrStatusConflict) {
			return err
		}
	}
	// A running job stays with the stale-heartbeat janitor, which owns
	// liveness for claimed work.
	s.logger.Warn().
		Str("job_id", job.ID).
		Int("deliveries", msg.DeliverCount).
		Msg("Queue message dead-lettered after redelivery overflow")
	return nil
}

// RecoverInterrupted runs at boot. Running jobs belong to workers of a
// process that no longer exists: send them back to pending so their
// redelivered messages can claim them again. Stuck cancelling jobs just
// finish cancelling.
func (s *Service) RecoverInterrupted(ctx context.Context) (requeued []string, cancelled []string, err error) {
	running, err := s.jobs.ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, job := range running {
		if _, terr := s.jobs.TransitionStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending, nil); terr != nil {
			s.logger.Warn().Err(terr).Str("job_id", job.ID).Msg("Failed to recover running job")
			continue
		}
		// The original message redelivers once its lease expires. If it
		// already overflowed its budget, republish keeps the job alive.
		payload := &models.TaskPayload{JobID: job.ID, WebsiteID: job.WebsiteID, SeedURL: job.SeedURL}
		if _, perr := s.queue.Publish(ctx, payload, job.ID); perr != nil {
			s.logger.Debug().Err(perr).Str("job_id", job.ID).Msg("Recovery republish skipped")
		}
		requeued = append(requeued, job.ID)
	}

	cancelling, err := s.jobs.ListByStatus(ctx, models.JobStatusCancelling)
	if err != nil {
		return requeued, nil, fmt.Errorf("failed to list cancelling jobs: %w", err)
	}
	for _, job := range cancelling {
		if ferr := s.FinishCancel(ctx, job.ID); ferr != nil {
			s.logger.Warn().Err(ferr).Str("job_id", job.ID).Msg("Failed to finish interrupted cancellation")
			continue
		}
		cancelled = append(cancelled, job.ID)
	}

	if len(requeued) > 0 || len(cancelled) > 0 {
		s.logger.Info().
			Int("requeued", len(requeued)).
			Int("cancelled", len(cancelled)).
			Msg("Recovered interrupted jobs from previous run")
	}
	return requeued, cancelled, nil
}

// clearJobFlags drops the cancellation flag and progress snapshot once a
// job reaches a terminal state
func (s *Service) clearJobFlags(ctx context.Context, jobID string) {
	if err := s.cache.ClearCancelFlag(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear cancellation flag")
	}
	if err := s.cache.DeleteProgress(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to drop progress snapshot")
	}
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, job *models.CrawlJob) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: job})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("event", string(eventType)).Msg("Failed to publish job event")
	}
}

// applyResultCounters mirrors the pipeline's final counters into the job
// row so Get keeps answering after the progress cache entry expires
func applyResultCounters(j *models.CrawlJob, result *models.CrawlResult, now time.Time) {
	j.Progress.TotalURLs = result.URLsDiscovered
	j.Progress.CompletedURLs = result.PagesCrawled
	j.Progress.FailedURLs = result.PagesFailed
	j.Progress.DuplicateURLs = result.PagesDuplicate
	j.Progress.ListPages = result.ListPages
	j.Progress.Recalculate(now)
}
