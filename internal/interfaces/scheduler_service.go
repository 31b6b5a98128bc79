package interfaces

import (
	"context"
	"time"
)

// ScheduleStatus reports one schedule entry's live state
type ScheduleStatus struct {
	ScheduleID string     `json:"schedule_id"`
	WebsiteID  string     `json:"website_id"`
	CronExpr   string     `json:"cron_expr"`
	Timezone   string     `json:"timezone"`
	IsActive   bool       `json:"is_active"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastJobID  string     `json:"last_job_id,omitempty"`
}

// SchedulerService fires scheduled crawl jobs from their cron entries.
// One tick loop scans due entries; a fire whose previous job is still
// active is skipped, never stacked.
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// TriggerNow fires a schedule entry immediately, bypassing the cron
	// expression but honoring stack prevention
	TriggerNow(ctx context.Context, scheduleID string) (string, error)

	// Status returns the live state of all known schedule entries
	Status(ctx context.Context) ([]*ScheduleStatus, error)
}
