package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a crawl job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	// JobStatusPaused is reserved; no transition currently produces it
	JobStatusPaused JobStatus = "paused"
)

// JobType represents how a crawl job was produced
type JobType string

const (
	JobTypeOneTime   JobType = "one_time"  // Submitted directly by an operator
	JobTypeScheduled JobType = "scheduled" // Materialized from a ScheduledJob entry
	JobTypeRecurring JobType = "recurring" // Submitted with an attached cron schedule
)

// IsTerminal reports whether the status is final. Terminal states are
// absorbing: no transition out of them is ever accepted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle edge. The full set of edges:
//
//	pending    -> running | cancelled
//	running    -> completed | failed | cancelling | pending (retry requeue)
//	cancelling -> cancelled
//
// Everything else, including any move out of a terminal state, is rejected.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted ||
			next == JobStatusFailed ||
			next == JobStatusCancelling ||
			next == JobStatusPending
	case JobStatusCancelling:
		return next == JobStatusCancelled
	}
	return false
}

// CrawlJob is a single unit of crawl work.
//
// Configuration source is exactly one of:
//   - WebsiteID: the job loads the website template's config at execution
//     time (plus any ScheduledJob overrides), or
//   - InlineConfig: a full configuration embedded in the job.
//
// The two are mutually exclusive; ValidateConfigSource enforces the XOR at
// write time and the job service rejects submissions that violate it.
//
// Status is owned by the job service. Workers and the scheduler request
// transitions through it; nothing else writes Status. Terminal states
// (completed, failed, cancelled) are final.
type CrawlJob struct {
	ID string `json:"id"`
	// WebsiteID references the website template, empty for inline jobs
	WebsiteID string `json:"website_id,omitempty" badgerhold:"index"`
	// InlineConfig is the embedded configuration for ad-hoc jobs
	InlineConfig *CrawlConfig `json:"inline_config,omitempty"`
	JobType      JobType      `json:"job_type"`
	SeedURL      string       `json:"seed_url"`
	Status       JobStatus    `json:"status" badgerhold:"index"`
	// Priority orders queue consumption, 1 (lowest) to 10, default 5
	Priority int `json:"priority"`
	// ScheduleID links jobs materialized by the scheduler to their entry
	ScheduleID string `json:"schedule_id,omitempty" badgerhold:"index"`
	// ScheduledAt is when the job becomes eligible to run; retry requeues
	// push it into the future by the computed backoff delay
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
	// CancelledBy and CancellationReason record the cancel actor; set when
	// a cancel request is accepted, before the worker finishes cleanup
	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	// LastError is a concise description of the most recent failure,
	// "category: message" form, shown to operators
	LastError     string        `json:"last_error,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	RetryCount    int           `json:"retry_count"`
	// LastHeartbeat is bumped on every progress write; the stale-job sweep
	// fails running jobs whose heartbeat is too old
	LastHeartbeat time.Time              `json:"last_heartbeat,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Variables     map[string]string      `json:"variables,omitempty"`
	Progress      CrawlProgress          `json:"progress"`
	// Outcome is set on terminal write from the pipeline's CrawlResult
	Outcome CrawlOutcome `json:"outcome,omitempty"`
}

// ValidateConfigSource enforces the XOR invariant: exactly one of
// WebsiteID and InlineConfig must be set.
func (j *CrawlJob) ValidateConfigSource() error {
	hasWebsite := j.WebsiteID != ""
	hasInline := j.InlineConfig != nil
	if hasWebsite == hasInline {
		return fmt.Errorf("exactly one of website_id and inline_config must be set (website_id=%v, inline_config=%v)", hasWebsite, hasInline)
	}
	return nil
}

// ToJSON serializes the job for queue payloads and snapshots
func (j *CrawlJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal crawl job: %w", err)
	}
	return data, nil
}

// CrawlJobFromJSON deserializes a job snapshot
func CrawlJobFromJSON(data []byte) (*CrawlJob, error) {
	var job CrawlJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crawl job: %w", err)
	}
	return &job, nil
}
