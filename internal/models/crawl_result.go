package models

import "time"

// CrawlOutcome is the closed set of ways a crawl pipeline run can end
type CrawlOutcome string

const (
	// OutcomeSuccess means every discovered URL was scraped or deduped
	OutcomeSuccess CrawlOutcome = "success"
	// OutcomeSuccessNoURLs means the seed fetched fine but list extraction found nothing
	OutcomeSuccessNoURLs CrawlOutcome = "success_no_urls"
	// OutcomeSeedURL404 means the seed URL returned HTTP 404 (fatal, no retry)
	OutcomeSeedURL404 CrawlOutcome = "seed_url_404"
	// OutcomeSeedURLError means the seed fetch failed some other way
	OutcomeSeedURLError CrawlOutcome = "seed_url_error"
	// OutcomeInvalidConfig means config resolution or validation failed (terminal)
	OutcomeInvalidConfig CrawlOutcome = "invalid_config"
	// OutcomePaginationStopped means the walk hit max_pages before running out
	OutcomePaginationStopped CrawlOutcome = "pagination_stopped"
	// OutcomeCircularPagination means a page content hash repeated during the walk
	OutcomeCircularPagination CrawlOutcome = "circular_pagination"
	// OutcomeEmptyPages means too many consecutive pages yielded zero detail URLs
	OutcomeEmptyPages CrawlOutcome = "empty_pages"
	// OutcomePartialSuccess means some URLs scraped and some failed
	OutcomePartialSuccess CrawlOutcome = "partial_success"
	// OutcomeCancelled means the cancellation flag was observed mid-run
	OutcomeCancelled CrawlOutcome = "cancelled"
)

// CrawlResult is what the pipeline hands back to the worker instead of
// panicking its way out. The worker maps it onto the job row and queue ack.
type CrawlResult struct {
	Outcome        CrawlOutcome  `json:"outcome"`
	URLsDiscovered int           `json:"urls_discovered"`
	PagesCrawled   int           `json:"pages_crawled"`
	PagesFailed    int           `json:"pages_failed"`
	PagesDuplicate int           `json:"pages_duplicate"`
	ListPages      int           `json:"list_pages"`
	Warnings       []string      `json:"warnings,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorCategory  ErrorCategory `json:"error_category,omitempty"`
	// Stack is set only when the pipeline recovered a panic
	Stack string `json:"stack,omitempty"`
	// RetryAfterSeconds carries a server-sent Retry-After hint from the
	// failing fetch, zero when the server sent none
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Duration reports elapsed pipeline time, zero until CompletedAt is set
func (r *CrawlResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// IsTerminalFailure reports whether the outcome should fail the job
// without consulting the retry classifier.
func (o CrawlOutcome) IsTerminalFailure() bool {
	switch o {
	case OutcomeSeedURL404, OutcomeInvalidConfig:
		return true
	}
	return false
}

// CrawlProgress is the per-step counter bag surfaced on the job row and
// snapshotted to the progress cache while a crawl runs.
type CrawlProgress struct {
	CurrentStep   string    `json:"current_step,omitempty"`
	CurrentURL    string    `json:"current_url,omitempty"`
	TotalURLs     int       `json:"total_urls"`
	CompletedURLs int       `json:"completed_urls"`
	FailedURLs    int       `json:"failed_urls"`
	DuplicateURLs int       `json:"duplicate_urls"`
	PendingURLs   int       `json:"pending_urls"`
	ListPages     int       `json:"list_pages"`
	Percentage    float64   `json:"percentage"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Recalculate refreshes the derived pending count and percentage
func (p *CrawlProgress) Recalculate(now time.Time) {
	done := p.CompletedURLs + p.FailedURLs + p.DuplicateURLs
	p.PendingURLs = p.TotalURLs - done
	if p.PendingURLs < 0 {
		p.PendingURLs = 0
	}
	if p.TotalURLs > 0 {
		p.Percentage = float64(done) / float64(p.TotalURLs) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	}
	p.UpdatedAt = now
}
