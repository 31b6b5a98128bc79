package models

import "time"

// ScheduledJob is one cron entry driving a website template. The scheduler
// fires an entry when IsActive and NextRunTime <= now; pausing clears
// eligibility without losing LastRunTime history.
type ScheduledJob struct {
	ID             string `json:"id"`
	WebsiteID      string `json:"website_id" badgerhold:"index"`
	CronExpression string `json:"cron_expression"`
	// Timezone is an IANA name; cron evaluation happens in this location.
	// Empty means UTC.
	Timezone    string    `json:"timezone,omitempty"`
	NextRunTime time.Time `json:"next_run_time" badgerhold:"index"`
	LastRunTime time.Time `json:"last_run_time,omitempty"`
	IsActive    bool      `json:"is_active" badgerhold:"index"`
	// Overrides is deep-merged onto the website config for jobs this entry
	// produces; keys mirror CrawlConfig's JSON shape
	Overrides map[string]interface{} `json:"overrides,omitempty"`
	// SeedURL overrides the template base URL as the crawl starting point
	SeedURL string `json:"seed_url,omitempty"`
	// LastJobID is the most recent job materialized from this entry, used
	// for stack prevention
	LastJobID string    `json:"last_job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the entry's timezone, falling back to UTC
func (s *ScheduledJob) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
