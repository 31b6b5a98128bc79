package models

import (
	"fmt"
	"math"
	"time"
)

// ErrorCategory classifies a crawl failure for retry-policy lookup.
// The set is closed; anything the classifier cannot place lands on
// CategoryUnknown.
type ErrorCategory string

const (
	CategoryNetwork             ErrorCategory = "network"
	CategoryRateLimit           ErrorCategory = "rate_limit"
	CategoryServerError         ErrorCategory = "server_error"
	CategoryBrowserCrash        ErrorCategory = "browser_crash"
	CategoryResourceUnavailable ErrorCategory = "resource_unavailable"
	CategoryTimeout             ErrorCategory = "timeout"
	CategoryClientError         ErrorCategory = "client_error"
	CategoryAuthError           ErrorCategory = "auth_error"
	CategoryNotFound            ErrorCategory = "not_found"
	CategoryValidationError     ErrorCategory = "validation_error"
	CategoryBusinessLogicError  ErrorCategory = "business_logic_error"
	CategoryUnknown             ErrorCategory = "unknown"
)

var errorCategories = map[ErrorCategory]bool{
	CategoryNetwork:             true,
	CategoryRateLimit:           true,
	CategoryServerError:         true,
	CategoryBrowserCrash:        true,
	CategoryResourceUnavailable: true,
	CategoryTimeout:             true,
	CategoryClientError:         true,
	CategoryAuthError:           true,
	CategoryNotFound:            true,
	CategoryValidationError:     true,
	CategoryBusinessLogicError:  true,
	CategoryUnknown:             true,
}

// ParseErrorCategory validates a string against the closed category set
func ParseErrorCategory(s string) (ErrorCategory, bool) {
	c := ErrorCategory(s)
	return c, errorCategories[c]
}

// BackoffStrategy selects the delay curve between retry attempts
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy decides whether and how a failure category is retried.
// Delays are expressed in seconds so policies can ride along in crawl
// config JSON without duration-string parsing.
type RetryPolicy struct {
	IsRetryable  bool            `json:"is_retryable" yaml:"is_retryable"`
	MaxAttempts  int             `json:"max_attempts" yaml:"max_attempts" validate:"min=0,max=10"`
	Backoff      BackoffStrategy `json:"backoff,omitempty" yaml:"backoff" validate:"omitempty,oneof=exponential linear fixed"`
	InitialDelay float64         `json:"initial_delay_seconds" yaml:"initial_delay_seconds" validate:"min=0,max=60"`
	MaxDelay     float64         `json:"max_delay_seconds" yaml:"max_delay_seconds" validate:"min=0,max=3600"`
	Multiplier   float64         `json:"multiplier,omitempty" yaml:"multiplier" validate:"omitempty,min=1,max=10"`
}

// Validate checks the policy against its documented bounds
func (p *RetryPolicy) Validate() error {
	if err := configValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// BaseDelay computes the undithered delay before retry number attempt
// (zero-based, so the first retry of a job with retry_count=0 gets the
// initial delay). Jitter and Retry-After handling are the classifier's
// business, not the policy's.
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := p.InitialDelay
	max := p.MaxDelay

	var seconds float64
	switch p.Backoff {
	case BackoffLinear:
		seconds = initial * float64(attempt+1)
		if max > 0 && seconds > max {
			seconds = max
		}
	case BackoffFixed:
		seconds = initial
	default: // exponential
		mult := p.Multiplier
		if mult < 1 {
			mult = 1
		}
		seconds = initial * math.Pow(mult, float64(attempt))
		if max > 0 && seconds > max {
			seconds = max
		}
	}
	return time.Duration(seconds * float64(time.Second))
}

// DefaultRetryPolicies returns the built-in per-category policies.
// Website configs may override individual categories; the returned map
// is a fresh copy and safe to mutate.
func DefaultRetryPolicies() map[ErrorCategory]RetryPolicy {
	noRetry := RetryPolicy{IsRetryable: false, MaxAttempts: 0, Backoff: BackoffFixed}
	return map[ErrorCategory]RetryPolicy{
		CategoryNetwork:             {IsRetryable: true, MaxAttempts: 5, Backoff: BackoffExponential, InitialDelay: 1, MaxDelay: 60, Multiplier: 2},
		CategoryRateLimit:           {IsRetryable: true, MaxAttempts: 5, Backoff: BackoffExponential, InitialDelay: 30, MaxDelay: 900, Multiplier: 2},
		CategoryServerError:         {IsRetryable: true, MaxAttempts: 4, Backoff: BackoffExponential, InitialDelay: 5, MaxDelay: 300, Multiplier: 2},
		CategoryBrowserCrash:        {IsRetryable: true, MaxAttempts: 3, Backoff: BackoffExponential, InitialDelay: 10, MaxDelay: 120, Multiplier: 2},
		CategoryResourceUnavailable: {IsRetryable: true, MaxAttempts: 4, Backoff: BackoffLinear, InitialDelay: 15, MaxDelay: 180},
		CategoryTimeout:             {IsRetryable: true, MaxAttempts: 3, Backoff: BackoffExponential, InitialDelay: 5, MaxDelay: 60, Multiplier: 2},
		CategoryClientError:         noRetry,
		CategoryAuthError:           noRetry,
		CategoryNotFound:            noRetry,
		CategoryValidationError:     noRetry,
		CategoryBusinessLogicError:  noRetry,
		CategoryUnknown:             {IsRetryable: true, MaxAttempts: 3, Backoff: BackoffExponential, InitialDelay: 5, MaxDelay: 60, Multiplier: 2},
	}
}

// RetryHistory records one requeue decision for a job. Every retryable
// failure that goes back to the queue leaves exactly one row here.
type RetryHistory struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id" badgerhold:"index"`
	WebsiteID    string        `json:"website_id,omitempty"`
	Attempt      int           `json:"attempt"`
	Category     ErrorCategory `json:"category"`
	ErrorMessage string        `json:"error_message"`
	DelaySeconds float64       `json:"retry_delay_seconds"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DeadLetterEntry captures a terminal failure: retries exhausted, a
// non-retryable category, or redelivery overflow at the queue layer.
// Manual re-entry spawns a fresh job and stamps the linkage back here.
type DeadLetterEntry struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id" badgerhold:"index"`
	WebsiteID    string        `json:"website_id,omitempty" badgerhold:"index"`
	Category     ErrorCategory `json:"category" badgerhold:"index"`
	Attempts     int           `json:"attempts"`
	ErrorMessage string        `json:"error_message"`
	Stack        string        `json:"stack,omitempty"`
	FailedAt     time.Time     `json:"failed_at"`
	CreatedAt    time.Time     `json:"created_at"`
	RetriedAt    *time.Time    `json:"retried_at,omitempty"`
	RetriedJobID string        `json:"retried_job_id,omitempty"`
}
