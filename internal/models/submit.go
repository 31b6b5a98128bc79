package models

import (
	"fmt"
	"time"
)

// SubmitRequest is the one-time job submission surface. Exactly one of
// WebsiteID or InlineConfig must be set; ambiguous requests are rejected
// before anything is persisted.
type SubmitRequest struct {
	WebsiteID    string                 `json:"website_id,omitempty"`
	InlineConfig *CrawlConfig           `json:"inline_config,omitempty"`
	SeedURL      string                 `json:"seed_url,omitempty"`
	Priority     int                    `json:"priority,omitempty"`
	Variables    map[string]string      `json:"variables,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	// ScheduledAt delays the first delivery; zero means run now
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// JobType defaults to one_time; the scheduler sets scheduled for jobs
	// it materializes from cron entries
	JobType JobType `json:"job_type,omitempty"`
	// ScheduleID links scheduler-produced jobs back to their entry so the
	// crawler can merge the entry's config overrides and the scheduler can
	// enforce stack prevention
	ScheduleID string `json:"schedule_id,omitempty"`
}

// Validate enforces the config-source exclusivity rule and per-field
// constraints. SeedURL may be empty only for website-backed submissions,
// where it defaults to the website's base URL.
func (r *SubmitRequest) Validate() error {
	hasWebsite := r.WebsiteID != ""
	hasInline := r.InlineConfig != nil
	if hasWebsite == hasInline {
		return fmt.Errorf("exactly one of website_id or inline_config is required")
	}
	if hasInline {
		if err := r.InlineConfig.Validate(); err != nil {
			return err
		}
		if r.SeedURL == "" {
			return fmt.Errorf("seed_url is required with inline_config")
		}
	}
	if r.SeedURL != "" {
		if err := ValidateSeedURL(r.SeedURL); err != nil {
			return err
		}
	}
	if r.Priority != 0 && (r.Priority < 1 || r.Priority > 10) {
		return fmt.Errorf("priority must be between 1 and 10, got %d", r.Priority)
	}
	switch r.JobType {
	case "", JobTypeOneTime, JobTypeScheduled, JobTypeRecurring:
	default:
		return fmt.Errorf("unknown job_type %q", r.JobType)
	}
	if r.JobType == JobTypeScheduled && r.ScheduleID == "" {
		return fmt.Errorf("schedule_id is required for scheduled jobs")
	}
	return nil
}
