package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/venari/internal/models"
)

// ErrAlreadyTerminal is returned when an operation targets a job that
// already reached completed, failed, or cancelled
var ErrAlreadyTerminal = errors.New("job is already terminal")

// ErrInvalidTransition is returned when a requested lifecycle move is not
// a legal edge
var ErrInvalidTransition = errors.New("invalid status transition")

// CancelResult reports what a cancel request actually did
type CancelResult struct {
	JobID string `json:"job_id"`
	// Status is the job status after the request was applied: cancelled
	// for pre-start cancels, cancelling while a worker winds down
	Status models.JobStatus `json:"status"`
	// QueueMessageDeleted is true when the pending message was removed
	// before any worker saw it
	QueueMessageDeleted bool `json:"queue_message_deleted"`
}

// JobService owns the crawl job lifecycle. All status transitions flow
// through it; workers and the scheduler request moves, nothing else
// writes job status.
type JobService interface {
	// Submit validates the request, persists the job, and publishes it.
	// Publish failure rolls the job to failed and surfaces the error -
	// a submitted job is either queued or visibly dead, never limbo.
	Submit(ctx context.Context, req *models.SubmitRequest) (*models.CrawlJob, error)

	Get(ctx context.Context, jobID string) (*models.CrawlJob, error)
	List(ctx context.Context, opts *JobListOptions) ([]*models.CrawlJob, error)
	Count(ctx context.Context, opts *JobListOptions) (int, error)

	// Cancel requests cancellation. Pending jobs flip straight to
	// cancelled and lose their queue message; running jobs move to
	// cancelling and the worker observes the flag at its next poll.
	// Cancelling a terminal job returns ErrAlreadyTerminal; repeating a
	// cancel on a cancelling job is a no-op.
	Cancel(ctx context.Context, jobID, actor, reason string) (*CancelResult, error)

	// Delete removes a terminal job and its logs, pages stay
	Delete(ctx context.Context, jobID string) error

	// Start is the worker's pending->running compare-and-set. A second
	// delivery of the same job loses the race and gets ErrStatusConflict.
	Start(ctx context.Context, jobID, workerID string) (*models.CrawlJob, error)

	// Complete writes the terminal row for a finished pipeline run
	Complete(ctx context.Context, jobID string, result *models.CrawlResult) error

	// Fail writes failed with the classified category, records the DLQ
	// entry, and clears the cancel flag if one was set
	Fail(ctx context.Context, jobID string, category models.ErrorCategory, errMsg string, stack string) error

	// Requeue applies a retryable failure: increments retry_count, moves
	// running->pending with scheduled_at pushed out by delay, records the
	// retry row, and republishes
	Requeue(ctx context.Context, jobID string, category models.ErrorCategory, errMsg string, delay time.Duration) error

	// FinishCancel moves cancelling->cancelled after worker cleanup and
	// clears the cancellation flag. Idempotent.
	FinishCancel(ctx context.Context, jobID string) error

	// UpdateProgress persists the progress bag, bumps the heartbeat, and
	// snapshots to the progress cache
	UpdateProgress(ctx context.Context, jobID string, progress models.CrawlProgress) error

	// IsCancelRequested polls the cancellation flag
	IsCancelRequested(ctx context.Context, jobID string) bool

	// RetryDeadLetter re-enters a dead-lettered job as a fresh job with
	// retry_count zero, linked to the DLQ row via metadata
	RetryDeadLetter(ctx context.Context, dlqID string) (*models.CrawlJob, error)

	// HandleRedeliveryOverflow is the queue's overflow hook: the message
	// exhausted its delivery budget without an ack. Writes the DLQ entry
	// and system-cancels the job if it never started.
	HandleRedeliveryOverflow(ctx context.Context, msg *models.QueueMessage) error

	// RecoverInterrupted runs at boot: running jobs of a dead process go
	// back to pending (their queue messages redeliver), stuck cancelling
	// jobs finish cancelling. Returns the affected job ids.
	RecoverInterrupted(ctx context.Context) (requeued []string, cancelled []string, err error)
}
