package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// WorkerPool runs N staggered pollers against the task queue. Each leased
// message is driven through the full job lifecycle: the pending->running
// compare-and-set, a cancellation-aware crawl, then exactly one terminal
// write (complete, fail, requeue, or finish-cancel) followed by the ack.
type WorkerPool struct {
	queue   interfaces.QueueManager
	jobs    interfaces.JobService
	crawler interfaces.CrawlerService
	planner interfaces.RetryPlanner
	logger  arbor.ILogger

	concurrency  int
	pollInterval time.Duration
	ackWait      time.Duration
	cancelPoll   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32
}

var _ interfaces.WorkerPool = (*WorkerPool)(nil)

// NewWorkerPool creates the crawl worker pool. Concurrency defaults to the
// browser pool capacity when the queue config leaves it unset.
func NewWorkerPool(config *common.Config, queue interfaces.QueueManager, jobs interfaces.JobService, crawler interfaces.CrawlerService, planner interfaces.RetryPlanner, logger arbor.ILogger) (*WorkerPool, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if queue == nil || jobs == nil || crawler == nil || planner == nil {
		return nil, errors.New("queue manager, job service, crawler service, and retry planner are required")
	}

	pollInterval, err := config.Queue.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid poll_interval: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ackWait, err := config.Queue.GetAckWait()
	if err != nil {
		return nil, fmt.Errorf("invalid ack_wait: %w", err)
	}
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	cancelPoll := config.Crawler.CancelPollInterval
	if cancelPoll <= 0 {
		cancelPoll = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:        queue,
		jobs:         jobs,
		crawler:      crawler,
		planner:      planner,
		logger:       logger,
		concurrency:  config.WorkerConcurrency(),
		pollInterval: pollInterval,
		ackWait:      ackWait,
		cancelPoll:   cancelPoll,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("concurrency", wp.concurrency).
		Dur("poll_interval", wp.pollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop cancels all workers and waits for them to return. In-flight crawls
// abort through their job context; their jobs stay running and are swept
// back to pending by boot recovery, so no work is lost.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
	return nil
}

// ActiveWorkers reports how many workers are mid-task
func (wp *WorkerPool) ActiveWorkers() int {
	return int(wp.active.Load())
}

// worker polls on a ticker. Starts are staggered across the poll interval
// so the pool does not hammer the queue index in lockstep.
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	stagger := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger", stagger).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if err := wp.poll(workerID); err != nil && !errors.Is(err, models.ErrNoMessage) {
				wp.logger.Warn().
					Err(err).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// poll claims at most one message and runs it to a terminal state
func (wp *WorkerPool) poll(workerID int) error {
	msg, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		return err
	}

	wp.active.Add(1)
	defer wp.active.Add(-1)

	payload, err := models.TaskPayloadFromJSON(msg.Payload)
	if err != nil || payload.JobID == "" {
		wp.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Int("worker_id", workerID).
			Msg("Dropping malformed task message")
		return wp.queue.Ack(wp.ctx, msg)
	}

	return wp.process(workerID, msg, payload)
}

func (wp *WorkerPool) process(workerID int, msg *models.QueueMessage, payload *models.TaskPayload) error {
	job, err := wp.jobs.Start(wp.ctx, payload.JobID, fmt.Sprintf("worker-%d", workerID))
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrStatusConflict) || errors.Is(err, interfaces.ErrAlreadyTerminal):
			// Redundant delivery: another worker owns the job or it
			// already finished. Ack silently.
			wp.logger.Debug().
				Str("job_id", payload.JobID).
				Int("worker_id", workerID).
				Msg("Job already claimed or terminal, acking redundant delivery")
			return wp.queue.Ack(wp.ctx, msg)
		case errors.Is(err, interfaces.ErrNotFound):
			wp.logger.Warn().
				Str("job_id", payload.JobID).
				Int("worker_id", workerID).
				Msg("Message references a missing job, dropping")
			return wp.queue.Ack(wp.ctx, msg)
		}
		// Transient storage failure: keep the lease, the message
		// redelivers after ack-wait.
		return fmt.Errorf("failed to start job %s: %w", payload.JobID, err)
	}

	wp.logger.Info().
		Str("job_id", job.ID).
		Str("seed_url", job.SeedURL).
		Int("deliver_count", msg.DeliverCount).
		Int("worker_id", workerID).
		Msg("Job started")

	// Per-job context: ends on pool shutdown, on the cancellation flag,
	// or when the crawl returns.
	jobCtx, stopJob := context.WithCancel(wp.ctx)
	defer stopJob()
	watcherDone := wp.watch(jobCtx, stopJob, job.ID, msg)

	started := time.Now()
	result, crawlErr := wp.crawler.Crawl(jobCtx, job)
	stopJob()
	<-watcherDone
	duration := time.Since(started)

	if result == nil {
		if wp.ctx.Err() != nil {
			wp.logger.Info().
				Str("job_id", job.ID).
				Int("worker_id", workerID).
				Msg("Crawl interrupted by shutdown, leaving job for boot recovery")
			return nil
		}
		errMsg := "crawler returned no result"
		if crawlErr != nil {
			errMsg = crawlErr.Error()
		}
		wp.logger.Error().
			Err(crawlErr).
			Str("job_id", job.ID).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Crawl pipeline error")
		return wp.applyFailure(workerID, job, msg, models.CategoryUnknown, errMsg, "", 0, false)
	}

	if result.Outcome == models.OutcomeCancelled {
		// Distinguish pool shutdown from an operator cancel: shutdown
		// leaves the job running so boot recovery requeues it.
		if wp.ctx.Err() != nil && !wp.jobs.IsCancelRequested(context.Background(), job.ID) {
			wp.logger.Info().
				Str("job_id", job.ID).
				Int("worker_id", workerID).
				Msg("Crawl interrupted by shutdown, leaving job for boot recovery")
			return nil
		}
		if err := wp.jobs.FinishCancel(wp.ctx, job.ID); err != nil {
			return fmt.Errorf("failed to finish cancelling job %s: %w", job.ID, err)
		}
		wp.logger.Info().
			Str("job_id", job.ID).
			Int("pages", result.PagesCrawled).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Job cancelled")
		return wp.queue.Ack(wp.ctx, msg)
	}

	if isCompletionOutcome(result.Outcome) {
		if err := wp.jobs.Complete(wp.ctx, job.ID, result); err != nil {
			if errors.Is(err, interfaces.ErrStatusConflict) {
				// Cancellation raced the finish; partial results stay
				return wp.resolveCancelRace(job, msg)
			}
			return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
		}
		wp.logger.Info().
			Str("job_id", job.ID).
			Str("outcome", string(result.Outcome)).
			Int("pages", result.PagesCrawled).
			Int("duplicates", result.PagesDuplicate).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Job completed")
		return wp.queue.Ack(wp.ctx, msg)
	}

	category := result.ErrorCategory
	if _, ok := models.ParseErrorCategory(string(category)); !ok || category == "" {
		category = models.CategoryUnknown
	}
	errMsg := result.Error
	if errMsg == "" {
		errMsg = string(result.Outcome)
	}
	retryAfter := time.Duration(result.RetryAfterSeconds * float64(time.Second))
	return wp.applyFailure(workerID, job, msg, category, errMsg, result.Stack, retryAfter, result.Outcome.IsTerminalFailure())
}

// watch polls the cancellation flag and keeps the message lease alive
// while the crawl runs. The flag cancels the job context; the crawl then
// observes ctx.Done at its next suspension point.
func (wp *WorkerPool) watch(jobCtx context.Context, stopJob context.CancelFunc, jobID string, msg *models.QueueMessage) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		cancelTicker := time.NewTicker(wp.cancelPoll)
		defer cancelTicker.Stop()
		extendTicker := time.NewTicker(wp.ackWait / 3)
		defer extendTicker.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-cancelTicker.C:
				if wp.jobs.IsCancelRequested(jobCtx, jobID) {
					wp.logger.Info().
						Str("job_id", jobID).
						Msg("Cancellation flag observed, stopping crawl")
					stopJob()
					return
				}
			case <-extendTicker.C:
				if err := wp.queue.Extend(jobCtx, msg, wp.ackWait); err != nil {
					wp.logger.Warn().
						Err(err).
						Str("job_id", jobID).
						Msg("Failed to extend message lease")
				}
			}
		}
	}()
	return done
}

// applyFailure routes a classified failure to retry or the dead-letter
// path. terminal bypasses the planner for outcomes that never retry.
func (wp *WorkerPool) applyFailure(workerID int, job *models.CrawlJob, msg *models.QueueMessage, category models.ErrorCategory, errMsg, stack string, retryAfter time.Duration, terminal bool) error {
	if !terminal {
		if retry, delay := wp.planner.Plan(wp.ctx, job, category, retryAfter); retry {
			if err := wp.jobs.Requeue(wp.ctx, job.ID, category, errMsg, delay); err != nil {
				if errors.Is(err, interfaces.ErrStatusConflict) {
					return wp.resolveCancelRace(job, msg)
				}
				return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
			}
			wp.logger.Warn().
				Str("job_id", job.ID).
				Str("category", string(category)).
				Str("error", errMsg).
				Dur("retry_delay", delay).
				Int("retry_count", job.RetryCount+1).
				Int("worker_id", workerID).
				Msg("Job requeued for retry")
			return wp.queue.Ack(wp.ctx, msg)
		}
	}

	if err := wp.jobs.Fail(wp.ctx, job.ID, category, errMsg, stack); err != nil {
		if errors.Is(err, interfaces.ErrStatusConflict) {
			return wp.resolveCancelRace(job, msg)
		}
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	wp.logger.Error().
		Str("job_id", job.ID).
		Str("category", string(category)).
		Str("error", errMsg).
		Int("worker_id", workerID).
		Msg("Job failed")
	return wp.queue.Ack(wp.ctx, msg)
}

// resolveCancelRace handles a terminal write losing to the cancellation
// path: the only writer that can move a running job out from under its
// worker is Cancel, so a status conflict here means the job is cancelling.
func (wp *WorkerPool) resolveCancelRace(job *models.CrawlJob, msg *models.QueueMessage) error {
	if err := wp.jobs.FinishCancel(wp.ctx, job.ID); err != nil {
		return fmt.Errorf("failed to finish cancelling job %s: %w", job.ID, err)
	}
	wp.logger.Info().
		Str("job_id", job.ID).
		Msg("Cancellation raced the terminal write, job ends cancelled")
	return wp.queue.Ack(wp.ctx, msg)
}

// isCompletionOutcome reports whether the pipeline ending terminates the
// job as completed. Early-stop outcomes keep their partial results.
func isCompletionOutcome(o models.CrawlOutcome) bool {
	switch o {
	case models.OutcomeSuccess,
		models.OutcomeSuccessNoURLs,
		models.OutcomePartialSuccess,
		models.OutcomePaginationStopped,
		models.OutcomeCircularPagination,
		models.OutcomeEmptyPages:
		return true
	}
	return false
}
