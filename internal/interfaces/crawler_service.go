package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/venari/internal/models"
)

// ErrAcquireTimeout is returned when no browser context frees up within
// the acquire window
var ErrAcquireTimeout = errors.New("browser pool acquire timeout")

// ErrPoolClosed is returned when acquiring from a pool that is shutting down
var ErrPoolClosed = errors.New("browser pool closed")

// CrawlerService runs the per-job crawl pipeline. Crawl never panics its
// way out: every failure mode is folded into the result or the returned
// classified error.
type CrawlerService interface {
	Crawl(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error)
}

// RetryPlanner folds a classified failure into a retry decision using the
// website's effective per-category policy table and the job's retry count.
type RetryPlanner interface {
	// Plan returns whether the job retries and after how long. retryAfter,
	// when positive, is the server-requested wait; the planner clamps it
	// to the policy's max delay. A false first return dead-letters the job.
	Plan(ctx context.Context, job *models.CrawlJob, category models.ErrorCategory, retryAfter time.Duration) (bool, time.Duration)
}

// BrowserStatus describes one managed browser instance
type BrowserStatus struct {
	Index          int       `json:"index"`
	Healthy        bool      `json:"healthy"`
	ActiveContexts int       `json:"active_contexts"`
	LastHealthyAt  time.Time `json:"last_healthy_at"`
	Restarts       int       `json:"restarts"`
}

// BrowserPoolStatus is a point-in-time pool snapshot, also published to
// the KV cache for operator visibility
type BrowserPoolStatus struct {
	Browsers      []BrowserStatus `json:"browsers"`
	MaxContexts   int             `json:"max_contexts"`
	InFlight      int             `json:"in_flight"`
	Waiters       int             `json:"waiters"`
	AcquiredTotal int64           `json:"acquired_total"`
	TimeoutsTotal int64           `json:"timeouts_total"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BrowserPool hands out leased browser tab contexts for JavaScript
// rendering. The returned release function must always be called; it
// cleans the context and frees the slot for the next FIFO waiter.
type BrowserPool interface {
	Start(ctx context.Context) error

	// Acquire returns a tab context ready for chromedp.Run plus its
	// release function. Blocks FIFO-fairly until a slot frees, the
	// configured acquire timeout lapses (ErrAcquireTimeout), or ctx is
	// done.
	Acquire(ctx context.Context) (context.Context, func(), error)

	Status() BrowserPoolStatus

	// Shutdown stops admissions, waits for in-flight contexts to drain
	// up to the configured window, then force-closes the rest
	Shutdown(ctx context.Context) error
}
