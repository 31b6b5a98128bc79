package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// logSequence is a global counter to ensure unique log keys even within the same nanosecond
var logSequence uint64

// jobLineCounters tracks per-job line number counters.
// Key: job ID, Value: pointer to uint64 counter.
// All workers logging to the same job share one counter for sequential line numbers.
var jobLineCounters sync.Map

// CrawlLogStorage implements the CrawlLogStorage interface for Badger
type CrawlLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawlLogStorage creates a new CrawlLogStorage instance
func NewCrawlLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrawlLogStorage {
	return &CrawlLogStorage{
		db:     db,
		logger: logger,
	}
}

// nextLineNumber returns the next line number for a job (1-based, atomically incremented).
// On first access after startup it seeds the counter from the stored high-water mark so
// line numbers stay contiguous across restarts.
func (s *CrawlLogStorage) nextLineNumber(jobID string) int {
	if counterPtr, ok := jobLineCounters.Load(jobID); ok {
		return int(atomic.AddUint64(counterPtr.(*uint64), 1))
	}

	var last []models.CrawlLogEntry
	query := badgerhold.Where("JobIDField").Eq(jobID).SortBy("LineNumber").Reverse().Limit(1)
	var maxLineNumber uint64
	if err := s.db.Store().Find(&last, query); err == nil && len(last) > 0 {
		maxLineNumber = uint64(last[0].LineNumber)
	}

	// Initialize counter at maxLineNumber (next call increments to max+1).
	// LoadOrStore handles the race where another goroutine initialized first.
	newCounter := maxLineNumber
	actual, loaded := jobLineCounters.LoadOrStore(jobID, &newCounter)
	if loaded {
		return int(atomic.AddUint64(actual.(*uint64), 1))
	}
	return int(atomic.AddUint64(&newCounter, 1))
}

// AppendLogs stores a batch of entries for a job, assigning LineNumber,
// Sequence, and Partition to each. Entries are mutated in place so callers
// can forward the assigned line numbers to live subscribers.
func (s *CrawlLogStorage) AppendLogs(ctx context.Context, jobID string, entries []models.CrawlLogEntry) error {
	for i := range entries {
		entry := &entries[i]

		// JobIDField is the primary indexed field
		entry.JobIDField = jobID

		// Normalize level to the 3-letter codes used in storage
		entry.Level = normalizeLevel(entry.Level)

		// Derive the month partition from the entry timestamp; fall back to
		// write time when the caller left timestamps empty
		ts := time.Now()
		if entry.FullTimestamp != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, entry.FullTimestamp); err == nil {
				ts = parsed
			}
		} else {
			entry.FullTimestamp = ts.Format(time.RFC3339Nano)
		}
		if entry.Timestamp == "" {
			entry.Timestamp = ts.Format("15:04:05")
		}
		entry.Partition = models.LogPartition(ts)

		// Per-job line number (1-based, contiguous within each job)
		entry.LineNumber = s.nextLineNumber(jobID)

		// Unique key from write time plus an atomic sequence counter, so
		// multiple logs within the same nanosecond never collide
		seq := atomic.AddUint64(&logSequence, 1)
		now := time.Now().UnixNano()
		key := fmt.Sprintf("%s_%d_%d", jobID, now, seq)

		// Sequence combines timestamp and counter, zero-padded so
		// lexicographic sorting matches chronological order
		entry.Sequence = fmt.Sprintf("%019d_%010d", now, seq)

		if err := s.db.Store().Insert(key, entry); err != nil {
			return fmt.Errorf("failed to append log: %w", err)
		}
	}
	return nil
}

// GetLogs returns a job's entries in ascending line-number order (oldest
// first), so AfterLine works as a forward paging cursor.
func (s *CrawlLogStorage) GetLogs(ctx context.Context, jobID string, opts *interfaces.LogQueryOptions) ([]models.CrawlLogEntry, error) {
	if opts == nil {
		opts = &interfaces.LogQueryOptions{}
	}

	query := badgerhold.Where("JobIDField").Eq(jobID)
	if opts.AfterLine > 0 {
		query = query.And("LineNumber").Gt(opts.AfterLine)
	}

	var logs []models.CrawlLogEntry
	if err := s.db.Store().Find(&logs, query); err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	// Filter by level in-memory; hierarchical, so "warn" includes errors
	if opts.Level != "" {
		includedLevels := levelsAtOrAbove(normalizeLevel(opts.Level))
		filtered := logs[:0]
		for _, log := range logs {
			if includedLevels[log.Level] {
				filtered = append(filtered, log)
			}
		}
		logs = filtered
	}

	sortLogsAsc(logs)

	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}
	return logs, nil
}

func (s *CrawlLogStorage) CountLogs(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.CrawlLogEntry{}, badgerhold.Where("JobIDField").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return int(count), nil
}

func (s *CrawlLogStorage) DeleteLogs(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.CrawlLogEntry{}, badgerhold.Where("JobIDField").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	// Drop the line counter so a reused job ID starts numbering from 1
	jobLineCounters.Delete(jobID)
	return nil
}

// ListPartitions returns the distinct month buckets present, sorted ascending.
// This scans all entries; only the retention sweep calls it.
func (s *CrawlLogStorage) ListPartitions(ctx context.Context) ([]string, error) {
	var logs []models.CrawlLogEntry
	if err := s.db.Store().Find(&logs, badgerhold.Where("Partition").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	seen := make(map[string]bool)
	var partitions []string
	for _, log := range logs {
		if !seen[log.Partition] {
			seen[log.Partition] = true
			partitions = append(partitions, log.Partition)
		}
	}
	sort.Strings(partitions)
	return partitions, nil
}

// DeletePartitionsBefore drops every entry in month buckets older than the
// cutoff partition ("2006-01" form). The format sorts lexicographically in
// chronological order, so a plain string comparison selects the months.
func (s *CrawlLogStorage) DeletePartitionsBefore(ctx context.Context, cutoff string) (int, error) {
	query := badgerhold.Where("Partition").Lt(cutoff)

	count, err := s.db.Store().Count(&models.CrawlLogEntry{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired partitions: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.db.Store().DeleteMatching(&models.CrawlLogEntry{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete expired partitions: %w", err)
	}
	return int(count), nil
}

// sortLogsAsc sorts logs oldest first. LineNumber is the total order within
// a job; Sequence breaks ties for rows that predate line numbering.
func sortLogsAsc(logs []models.CrawlLogEntry) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].LineNumber > 0 && logs[j].LineNumber > 0 && logs[i].LineNumber != logs[j].LineNumber {
			return logs[i].LineNumber < logs[j].LineNumber
		}
		if logs[i].Sequence != "" && logs[j].Sequence != "" {
			return logs[i].Sequence < logs[j].Sequence
		}
		return logs[i].FullTimestamp < logs[j].FullTimestamp
	})
}

// normalizeLevel converts API level names to the 3-letter codes used in storage.
// API uses: "info", "warn", "error", "debug"
// Storage uses: "INF", "WRN", "ERR", "DBG"
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "info", "inf":
		return "INF"
	case "warn", "warning", "wrn":
		return "WRN"
	case "error", "err":
		return "ERR"
	case "debug", "dbg":
		return "DBG"
	default:
		// Return as-is if already in correct format or unknown
		return strings.ToUpper(level)
	}
}

// levelsAtOrAbove returns the set of levels at or above the given level.
// Level hierarchy: DBG < INF < WRN < ERR
func levelsAtOrAbove(level string) map[string]bool {
	switch level {
	case "ERR":
		return map[string]bool{"ERR": true}
	case "WRN":
		return map[string]bool{"WRN": true, "ERR": true}
	case "INF":
		return map[string]bool{"INF": true, "WRN": true, "ERR": true}
	case "DBG":
		return map[string]bool{"DBG": true, "INF": true, "WRN": true, "ERR": true}
	default:
		// For unknown levels or "all", include everything
		return map[string]bool{"DBG": true, "INF": true, "WRN": true, "ERR": true}
	}
}
