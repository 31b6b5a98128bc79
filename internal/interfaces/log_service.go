package interfaces

import (
	"context"

	"github.com/ternarybob/venari/internal/models"
)

// LogSubscription is a live tail on one job's log stream. The channel is
// buffered; when a subscriber falls behind, the oldest buffered entries
// are dropped rather than blocking the producer.
type LogSubscription struct {
	ID    string
	JobID string
	Ch    <-chan models.CrawlLogEntry
}

// LogService manages batch log persistence and live streaming
type LogService interface {
	Start() error
	Stop() error

	// AppendLogs persists a batch for one job; line numbers and sequence
	// keys are assigned at the storage boundary
	AppendLogs(ctx context.Context, jobID string, entries []models.CrawlLogEntry) error

	GetLogs(ctx context.Context, jobID string, opts *LogQueryOptions) ([]models.CrawlLogEntry, error)
	CountLogs(ctx context.Context, jobID string) (int, error)
	DeleteLogs(ctx context.Context, jobID string) error

	// Subscribe attaches a live tail for a job's logs
	Subscribe(jobID string) (*LogSubscription, error)
	Unsubscribe(subID string)

	// Replay returns persisted entries with LineNumber > afterLine plus a
	// live subscription that picks up from there. Entries that land in
	// both are deduplicated by the caller on LineNumber.
	Replay(ctx context.Context, jobID string, afterLine int) ([]models.CrawlLogEntry, *LogSubscription, error)
}
