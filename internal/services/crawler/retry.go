package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// CrawlError carries a failure's category plus the transport facts the
// retry planner needs (HTTP status, server-requested delay)
type CrawlError struct {
	Category   models.ErrorCategory
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *CrawlError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// statusError builds a CrawlError from an HTTP response status
func statusError(code int, url string, retryAfter time.Duration) *CrawlError {
	return &CrawlError{
		Category:   ClassifyStatus(code),
		StatusCode: code,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("%s returned %d %s", url, code, http.StatusText(code)),
	}
}

// ClassifyStatus maps an HTTP status code to an error category
func ClassifyStatus(code int) models.ErrorCategory {
	switch {
	case code == http.StatusNotFound:
		return models.CategoryNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.CategoryAuthError
	case code == http.StatusTooManyRequests:
		return models.CategoryRateLimit
	case code == http.StatusRequestTimeout:
		return models.CategoryTimeout
	case code >= 500:
		return models.CategoryServerError
	case code >= 400:
		return models.CategoryClientError
	}
	return models.CategoryUnknown
}

// Classify maps any pipeline error to its category. CrawlErrors carry
// their own; transport errors resolve by shape; everything else is
// unknown.
func Classify(err error) models.ErrorCategory {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.CategoryTimeout
		}
		return models.CategoryNetwork
	}
	return models.CategoryUnknown
}

// retryAfterOf extracts the server-requested delay, if the error carries one
func retryAfterOf(err error) time.Duration {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// Planner decides whether a failed job retries and after how long.
// Policy resolution layers, most specific last:
//
//	built-in per-category defaults
//	-> process config [retry.categories] overrides
//	-> website config retry_policies
//
// Delays get 0-20% jitter; a server-sent Retry-After replaces the
// computed delay, clamped to the policy's max.
type Planner struct {
	websites  interfaces.WebsiteStorage
	overrides map[string]common.RetryPolicyOverride
	rng       *rand.Rand
	logger    arbor.ILogger
}

// NewPlanner builds the retry planner. websites may be nil for
// deployments that only run inline jobs.
func NewPlanner(config *common.RetryConfig, websites interfaces.WebsiteStorage, logger arbor.ILogger) *Planner {
	overrides := map[string]common.RetryPolicyOverride{}
	if config != nil && config.Categories != nil {
		overrides = config.Categories
	}
	return &Planner{
		websites:  websites,
		overrides: overrides,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
	}
}

// Plan reports whether job should retry after this failure, and the
// backoff delay when it should
func (p *Planner) Plan(ctx context.Context, job *models.CrawlJob, category models.ErrorCategory, retryAfter time.Duration) (bool, time.Duration) {
	policy := p.policyFor(ctx, job, category)
	if !policy.IsRetryable {
		return false, 0
	}
	if job.RetryCount >= policy.MaxAttempts {
		p.logger.Info().
			Str("job_id", job.ID).
			Str("category", string(category)).
			Int("attempts", job.RetryCount).
			Msg("Retry budget exhausted")
		return false, 0
	}

	maxDelay := time.Duration(policy.MaxDelay * float64(time.Second))
	if retryAfter > 0 {
		if maxDelay > 0 && retryAfter > maxDelay {
			retryAfter = maxDelay
		}
		return true, retryAfter
	}

	delay := policy.BaseDelay(job.RetryCount)
	delay += time.Duration(p.rng.Float64() * 0.2 * float64(delay))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return true, delay
}

// policyFor resolves the effective policy for one category
func (p *Planner) policyFor(ctx context.Context, job *models.CrawlJob, category models.ErrorCategory) models.RetryPolicy {
	policy, ok := models.DefaultRetryPolicies()[category]
	if !ok {
		policy = models.DefaultRetryPolicies()[models.CategoryUnknown]
	}

	if override, ok := p.overrides[string(category)]; ok {
		applyOverride(&policy, override)
	}

	if cfg := p.jobConfig(ctx, job); cfg != nil {
		if site, ok := cfg.RetryPolicies[string(category)]; ok {
			policy = site
		}
	}
	return policy
}

// jobConfig loads the crawl config the job runs under, best effort: a
// lookup failure here only means built-in policies apply.
func (p *Planner) jobConfig(ctx context.Context, job *models.CrawlJob) *models.CrawlConfig {
	if job.InlineConfig != nil {
		return job.InlineConfig
	}
	if job.WebsiteID == "" || p.websites == nil {
		return nil
	}
	site, err := p.websites.Get(ctx, job.WebsiteID)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("website_id", job.WebsiteID).
			Msg("Website lookup failed during retry planning, using built-in policies")
		return nil
	}
	return &site.Config
}

func applyOverride(policy *models.RetryPolicy, o common.RetryPolicyOverride) {
	if o.Retryable != nil {
		policy.IsRetryable = *o.Retryable
	}
	if o.MaxAttempts != nil {
		policy.MaxAttempts = *o.MaxAttempts
	}
	if o.Backoff != nil {
		policy.Backoff = models.BackoffStrategy(*o.Backoff)
	}
	if o.InitialDelay != nil {
		if d, err := time.ParseDuration(*o.InitialDelay); err == nil {
			policy.InitialDelay = d.Seconds()
		}
	}
	if o.MaxDelay != nil {
		if d, err := time.ParseDuration(*o.MaxDelay); err == nil {
			policy.MaxDelay = d.Seconds()
		}
	}
	if o.Multiplier != nil {
		policy.Multiplier = *o.Multiplier
	}
}
