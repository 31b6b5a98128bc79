package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/venari/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when an insert would violate a uniqueness
// invariant, e.g. a second canonical page for the same (website_id, url_hash)
// or a second active website with the same name
var ErrDuplicateKey = errors.New("duplicate key")

// ErrStatusConflict is returned by TransitionStatus when the job's current
// status no longer matches the expected one. Callers treat it as "someone
// else got there first" and re-read.
var ErrStatusConflict = errors.New("status conflict")

// ListOptions paginates and orders list queries
type ListOptions struct {
	Limit    int
	Offset   int
	OrderBy  string // created_at, updated_at
	OrderDir string // asc, desc
}

// JobListOptions filters job listings
type JobListOptions struct {
	Status        models.JobStatus
	WebsiteID     string
	ScheduleID    string
	JobType       models.JobType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	OrderDir      string // asc, desc by created_at
}

// WebsiteListOptions filters website listings
type WebsiteListOptions struct {
	Status         models.WebsiteStatus
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// DeadLetterListOptions filters dead-letter listings
type DeadLetterListOptions struct {
	Category  models.ErrorCategory
	WebsiteID string
	Limit     int
	Offset    int
}

// LogQueryOptions filters log reads. AfterLine supports replay cursors:
// only entries with LineNumber > AfterLine are returned.
type LogQueryOptions struct {
	Level     string
	AfterLine int
	Limit     int
}

// WebsiteStorage persists website templates and their config history
type WebsiteStorage interface {
	// Create stores a new website; a second non-deleted website with the
	// same name is rejected with ErrDuplicateKey
	Create(ctx context.Context, website *models.Website) error
	Get(ctx context.Context, id string) (*models.Website, error)
	// GetByName resolves a name among non-deleted websites
	GetByName(ctx context.Context, name string) (*models.Website, error)
	Update(ctx context.Context, website *models.Website) error
	// SoftDelete stamps DeletedAt; the row stays for audit and history
	SoftDelete(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, opts *WebsiteListOptions) ([]*models.Website, error)
	Count(ctx context.Context, opts *WebsiteListOptions) (int, error)

	// Config history, one row per config version
	SaveHistory(ctx context.Context, entry *models.WebsiteConfigHistory) error
	GetHistory(ctx context.Context, websiteID string) ([]*models.WebsiteConfigHistory, error)
	GetHistoryVersion(ctx context.Context, websiteID string, version int) (*models.WebsiteConfigHistory, error)
}

// JobStorage persists crawl jobs. Status writes go through
// TransitionStatus so every lifecycle edge is checked at the storage
// boundary, not just in the service.
type JobStorage interface {
	Create(ctx context.Context, job *models.CrawlJob) error
	Get(ctx context.Context, id string) (*models.CrawlJob, error)
	// Update rewrites the full row without touching Status; use
	// TransitionStatus for lifecycle moves
	Update(ctx context.Context, job *models.CrawlJob) error
	// TransitionStatus is a compare-and-set: it loads the job, verifies
	// its status equals from, applies the edge check, sets Status=to,
	// runs mutate (if any) on the row, and persists - all in one
	// transaction. Returns ErrStatusConflict when the status moved
	// underneath the caller.
	TransitionStatus(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.CrawlJob)) (*models.CrawlJob, error)
	List(ctx context.Context, opts *JobListOptions) ([]*models.CrawlJob, error)
	Count(ctx context.Context, opts *JobListOptions) (int, error)
	Delete(ctx context.Context, id string) error

	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.CrawlJob, error)
	// ListStaleRunning finds running jobs whose heartbeat predates the
	// cutoff; the janitor requeues or fails them
	ListStaleRunning(ctx context.Context, heartbeatBefore time.Time) ([]*models.CrawlJob, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// UpdateProgress writes the progress bag and bumps the heartbeat
	UpdateProgress(ctx context.Context, id string, progress models.CrawlProgress) error

	// HasActiveJobForSchedule reports whether a pending/running/cancelling
	// job exists for the schedule; the scheduler uses it to skip a fire
	// instead of stacking runs
	HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error)

	// DeleteTerminalBefore removes terminal jobs older than the cutoff
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PageStorage persists crawled pages. Canonical rows (IsDuplicate=false)
// claim the (website_id, url_hash) pair; a losing concurrent writer gets
// ErrDuplicateKey, re-reads, and records its page as a duplicate instead.
type PageStorage interface {
	Save(ctx context.Context, page *models.CrawledPage) error
	Get(ctx context.Context, id string) (*models.CrawledPage, error)
	// GetByURLHash resolves the canonical page for a normalized URL
	GetByURLHash(ctx context.Context, websiteID, urlHash string) (*models.CrawledPage, error)
	ListByJob(ctx context.Context, jobID string, opts *ListOptions) ([]*models.CrawledPage, error)
	ListByWebsite(ctx context.Context, websiteID string, opts *ListOptions) ([]*models.CrawledPage, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
	CountByWebsite(ctx context.Context, websiteID string) (int, error)
	DeleteByJob(ctx context.Context, jobID string) (int, error)
	DeleteByWebsite(ctx context.Context, websiteID string) (int, error)
}

// ContentHashStorage persists content fingerprints for the dedup content
// phase. Hashes are global, not per-website: mirrored content across
// sites still collapses onto one first-seen page.
type ContentHashStorage interface {
	Get(ctx context.Context, hash string) (*models.ContentHash, error)
	// Insert records a first sighting; ErrDuplicateKey when another
	// writer claimed the hash in between
	Insert(ctx context.Context, ch *models.ContentHash) error
	// IncrementOccurrence bumps the counter and LastSeenAt, returning
	// the updated row (with the first-seen page for linkage)
	IncrementOccurrence(ctx context.Context, hash string, seenAt time.Time) (*models.ContentHash, error)
	// FindSimhashCandidates returns rows that may be within the Hamming
	// threshold of the fingerprint. The result is a superset: callers
	// compute the exact distance themselves.
	FindSimhashCandidates(ctx context.Context, simhash uint64) ([]*models.ContentHash, error)
	Count(ctx context.Context) (int, error)
}

// ScheduleStorage persists scheduled-job entries
type ScheduleStorage interface {
	Create(ctx context.Context, entry *models.ScheduledJob) error
	Get(ctx context.Context, id string) (*models.ScheduledJob, error)
	Update(ctx context.Context, entry *models.ScheduledJob) error
	Delete(ctx context.Context, id string) error
	GetByWebsite(ctx context.Context, websiteID string) ([]*models.ScheduledJob, error)
	List(ctx context.Context, opts *ListOptions) ([]*models.ScheduledJob, error)
	// ListDue returns active entries with NextRunTime <= cutoff, oldest
	// first, at most limit rows
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.ScheduledJob, error)
	Count(ctx context.Context) (int, error)
}

// CrawlLogStorage persists crawl log entries in monthly partitions.
// AppendLogs assigns LineNumber (per-job, 1-based) and Sequence; callers
// only fill timestamps, level, message, and context.
type CrawlLogStorage interface {
	AppendLogs(ctx context.Context, jobID string, entries []models.CrawlLogEntry) error
	GetLogs(ctx context.Context, jobID string, opts *LogQueryOptions) ([]models.CrawlLogEntry, error)
	CountLogs(ctx context.Context, jobID string) (int, error)
	DeleteLogs(ctx context.Context, jobID string) error
	// ListPartitions returns the distinct month buckets present, sorted ascending
	ListPartitions(ctx context.Context) ([]string, error)
	// DeletePartitionsBefore drops whole months older than the cutoff
	// partition ("2006-01" form) and returns the number of entries removed
	DeletePartitionsBefore(ctx context.Context, cutoff string) (int, error)
}

// RetryStorage persists retry history and the dead-letter queue
type RetryStorage interface {
	AddRetry(ctx context.Context, row *models.RetryHistory) error
	ListRetries(ctx context.Context, jobID string) ([]*models.RetryHistory, error)
	CountRetries(ctx context.Context, jobID string) (int, error)

	AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, opts *DeadLetterListOptions) ([]*models.DeadLetterEntry, error)
	// MarkDeadLetterRetried stamps the linkage to the re-entry job
	MarkDeadLetterRetried(ctx context.Context, id, newJobID string, at time.Time) error
	CountDeadLetters(ctx context.Context) (int, error)

	DeleteRetriesBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BlobStorage stores raw page bodies outside the indexed row space
type BlobStorage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	WebsiteStorage() WebsiteStorage
	JobStorage() JobStorage
	PageStorage() PageStorage
	ContentHashStorage() ContentHashStorage
	ScheduleStorage() ScheduleStorage
	CrawlLogStorage() CrawlLogStorage
	RetryStorage() RetryStorage
	KeyValueStorage() KeyValueStorage
	BlobStorage() BlobStorage
	DB() interface{}
	Close() error
}
