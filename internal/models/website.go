package models

import "time"

// WebsiteStatus represents template availability
type WebsiteStatus string

const (
	WebsiteStatusActive   WebsiteStatus = "active"
	WebsiteStatusInactive WebsiteStatus = "inactive"
)

// Website is a reusable crawl template. Name is unique among rows that are
// not soft-deleted. Mutating Config bumps ConfigVersion and writes a
// WebsiteConfigHistory row; running jobs keep the config they loaded.
type Website struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name" badgerhold:"index"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Config  CrawlConfig   `json:"config" yaml:"config"`
	Status  WebsiteStatus `json:"status" yaml:"status" badgerhold:"index"`
	// CronSchedule is the default schedule applied when the template is
	// registered with the scheduler; empty means manual crawls only
	CronSchedule  string     `json:"cron_schedule,omitempty" yaml:"cron_schedule"`
	ConfigVersion int        `json:"config_version" yaml:"-"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"-"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty" yaml:"-"`
}

// IsDeleted reports whether the template has been soft-deleted
func (w *Website) IsDeleted() bool {
	return w.DeletedAt != nil
}

// WebsiteConfigHistory is an immutable snapshot of a template config.
// Version is monotonic per website, starting at 1.
type WebsiteConfigHistory struct {
	ID        string      `json:"id"`
	WebsiteID string      `json:"website_id" badgerhold:"index"`
	Version   int         `json:"version"`
	Config    CrawlConfig `json:"config"`
	BaseURL   string      `json:"base_url"`
	ChangedBy string      `json:"changed_by,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
