package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/venari/internal/models"
)

// JobHandler processes one leased queue message. Returning nil acks the
// message; the worker decides between nak and ack itself for richer
// outcomes (retry backoff, DLQ routing).
type JobHandler func(ctx context.Context, msg *models.QueueMessage) error

// OverflowHandler is invoked when a message exceeds the redelivery cap.
// The queue removes the message after the handler returns.
type OverflowHandler func(ctx context.Context, msg *models.QueueMessage) error

// QueueManager manages the persistent crawl task queue
type QueueManager interface {
	Start() error
	Stop() error

	// Publish persists a task message. A dedupKey that was already
	// published inside the sliding dedup window drops the message
	// silently. A full queue returns models.ErrQueueFull - publish
	// failure must surface to the submitter, never discard work.
	Publish(ctx context.Context, payload *models.TaskPayload, dedupKey string) (string, error)

	// PublishWithDelay holds the message invisible for the given delay
	// before first delivery. Used for retry backoff and scheduled starts.
	PublishWithDelay(ctx context.Context, payload *models.TaskPayload, dedupKey string, delay time.Duration) (string, error)

	// Receive leases the next visible message for the ack-wait window.
	// Returns models.ErrNoMessage when nothing is ready.
	Receive(ctx context.Context) (*models.QueueMessage, error)

	// Ack deletes a leased message
	Ack(ctx context.Context, msg *models.QueueMessage) error

	// Nak returns a leased message to the queue, visible again after delay
	// (immediately when delay <= 0)
	Nak(ctx context.Context, msg *models.QueueMessage, delay time.Duration) error

	// Extend pushes out the ack deadline of a leased message
	Extend(ctx context.Context, msg *models.QueueMessage, d time.Duration) error

	// DeleteByJobID removes any queued message for the job, leased or not.
	// Returns false when no such message exists. Used by pre-start
	// cancellation; the job status transition is the real gate on work, so
	// racing a claim here is harmless.
	DeleteByJobID(ctx context.Context, jobID string) (bool, error)

	// SetOverflowHandler installs the redelivery-overflow hook; must be
	// called before Start
	SetOverflowHandler(h OverflowHandler)

	Length(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// WorkerPool manages concurrent crawl task processing
type WorkerPool interface {
	Start() error
	Stop() error
	// ActiveWorkers reports how many workers are mid-task
	ActiveWorkers() int
}
