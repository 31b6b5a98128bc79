package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique crawl job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewWebsiteID generates a unique website template ID with the "site_" prefix
func NewWebsiteID() string {
	return "site_" + uuid.New().String()
}

// NewScheduleID generates a unique scheduled job ID with the "sched_" prefix
func NewScheduleID() string {
	return "sched_" + uuid.New().String()
}

// NewPageID generates a unique crawled page ID with the "page_" prefix
func NewPageID() string {
	return "page_" + uuid.New().String()
}

// NewHistoryID generates a unique config history row ID with the "hist_" prefix
func NewHistoryID() string {
	return "hist_" + uuid.New().String()
}

// NewMessageID generates a unique queue message ID with the "msg_" prefix
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewRetryID generates a unique retry history row ID with the "retry_" prefix
func NewRetryID() string {
	return "retry_" + uuid.New().String()
}

// NewDeadLetterID generates a unique dead letter entry ID with the "dlq_" prefix
func NewDeadLetterID() string {
	return "dlq_" + uuid.New().String()
}
