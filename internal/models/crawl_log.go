package models

import "time"

// CrawlLogEntry is a single persisted crawl log line.
//
// Entries are grouped into monthly partitions so retention can drop a
// whole month at once instead of scanning rows. Partition is derived
// from FullTimestamp at write time and never updated.
//
// Timestamp Format:
//   - Timestamp: "15:04:05" (HH:MM:SS) for display
//   - FullTimestamp: RFC3339Nano for accurate sorting
//
// Levels are normalized to 3-letter codes ("DBG", "INF", "WRN", "ERR")
// at write time; queries accept either form.
type CrawlLogEntry struct {
	Timestamp     string `json:"timestamp"`                // HH:MM:SS format for display
	FullTimestamp string `json:"full_timestamp"`           // RFC3339Nano for sorting
	Level         string `json:"level" badgerhold:"index"` // Log level (indexed)
	Message       string `json:"message"`

	// LineNumber is a per-job monotonically increasing counter (1-based),
	// stable across replays and live subscription catch-up
	LineNumber int `json:"line_number" badgerhold:"index"`

	// Sequence is a global composite sort key for stable ordering when
	// timestamps collide: UnixNano + zero-padded counter
	Sequence string `json:"sequence" badgerhold:"index"`

	// JobIDField is stored separately for efficient badgerhold indexing
	// (badgerhold cannot query into map fields). Access via JobID().
	JobIDField string `json:"job_id" badgerhold:"index"`

	WebsiteID string `json:"website_id,omitempty" badgerhold:"index"`

	// Partition is the month bucket, "2006-01" in UTC
	Partition string `json:"partition" badgerhold:"index"`

	// Context stores additional metadata as key-value pairs
	Context map[string]string `json:"context,omitempty"`
}

// Context key constants for consistent access
const (
	LogCtxStep     = "step"
	LogCtxURL      = "url"
	LogCtxWorker   = "worker"
	LogCtxCategory = "category"
	LogCtxOutcome  = "outcome"
)

// LogPartition buckets a timestamp into its UTC month partition
func LogPartition(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// GetContext safely retrieves a context value
func (e *CrawlLogEntry) GetContext(key string) string {
	if e.Context == nil {
		return ""
	}
	return e.Context[key]
}

// SetContext safely sets a context value (initializes map if needed)
func (e *CrawlLogEntry) SetContext(key, value string) {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	if value != "" {
		e.Context[key] = value
	}
}

// JobID returns the job ID from the dedicated indexed field
func (e *CrawlLogEntry) JobID() string { return e.JobIDField }

func (e *CrawlLogEntry) Step() string     { return e.GetContext(LogCtxStep) }
func (e *CrawlLogEntry) URL() string      { return e.GetContext(LogCtxURL) }
func (e *CrawlLogEntry) Worker() string   { return e.GetContext(LogCtxWorker) }
func (e *CrawlLogEntry) Category() string { return e.GetContext(LogCtxCategory) }
