package logs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber
// that falls further behind loses its oldest buffered entries; the
// producer never blocks on a slow consumer.
const subscriberBuffer = 256

type subscriber struct {
	id    string
	jobID string
	ch    chan models.CrawlLogEntry
}

// Service implements LogService: batch persistence through the crawl
// log storage plus live per-job streaming for connected clients.
// Entries published on the event bus are limited to minEventLevel and
// above so the bus is not flooded with per-URL debug lines.
type Service struct {
	storage       interfaces.CrawlLogStorage
	events        interfaces.EventService
	logger        arbor.ILogger
	minEventLevel int

	mu     sync.RWMutex
	subs   map[string]*subscriber
	byJob  map[string]map[string]*subscriber
	closed bool
}

var _ interfaces.LogService = (*Service)(nil)

// NewService creates the log service. events may be nil when no bus
// consumers exist (tests, CLI validation runs).
func NewService(storage interfaces.CrawlLogStorage, events interfaces.EventService, minEventLevel string, logger arbor.ILogger) *Service {
	return &Service{
		storage:       storage,
		events:        events,
		logger:        logger,
		minEventLevel: levelRank(minEventLevel),
		subs:          make(map[string]*subscriber),
		byJob:         make(map[string]map[string]*subscriber),
	}
}

// levelRank orders levels for threshold checks. Accepts both the full
// names and the stored 3-letter codes.
func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug", "dbg":
		return 0
	case "warn", "warning", "wrn":
		return 2
	case "error", "err":
		return 3
	default:
		return 1
	}
}

func (s *Service) Start() error { return nil }

// Stop closes every live subscription. Appends after Stop still persist
// but no longer stream.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	s.byJob = make(map[string]map[string]*subscriber)
	return nil
}

// AppendLogs persists a batch and fans it out. The storage layer
// assigns line numbers and sequence keys in place, so the streamed
// copies carry the same cursor positions as the persisted rows.
func (s *Service) AppendLogs(ctx context.Context, jobID string, entries []models.CrawlLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.storage.AppendLogs(ctx, jobID, entries); err != nil {
		return err
	}
	for i := range entries {
		s.fanOut(jobID, entries[i])
		s.publish(ctx, entries[i])
	}
	return nil
}

func (s *Service) GetLogs(ctx context.Context, jobID string, opts *interfaces.LogQueryOptions) ([]models.CrawlLogEntry, error) {
	return s.storage.GetLogs(ctx, jobID, opts)
}

func (s *Service) CountLogs(ctx context.Context, jobID string) (int, error) {
	return s.storage.CountLogs(ctx, jobID)
}

func (s *Service) DeleteLogs(ctx context.Context, jobID string) error {
	return s.storage.DeleteLogs(ctx, jobID)
}

// Subscribe attaches a live tail on one job's log stream
func (s *Service) Subscribe(jobID string) (*interfaces.LogSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("log service is stopped")
	}

	sub := &subscriber{
		id:    uuid.NewString(),
		jobID: jobID,
		ch:    make(chan models.CrawlLogEntry, subscriberBuffer),
	}
	s.subs[sub.id] = sub
	if s.byJob[jobID] == nil {
		s.byJob[jobID] = make(map[string]*subscriber)
	}
	s.byJob[jobID][sub.id] = sub

	return &interfaces.LogSubscription{ID: sub.id, JobID: jobID, Ch: sub.ch}, nil
}

// Unsubscribe detaches a subscription and closes its channel. Unknown
// IDs are a no-op so double-unsubscribes during teardown are harmless.
func (s *Service) Unsubscribe(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)
	if jobSubs := s.byJob[sub.jobID]; jobSubs != nil {
		delete(jobSubs, subID)
		if len(jobSubs) == 0 {
			delete(s.byJob, sub.jobID)
		}
	}
	close(sub.ch)
}

// Replay attaches the live tail first, then reads the persisted
// backlog after the cursor. An entry that lands in both is deduplicated
// by the caller on LineNumber; gaps are impossible because the
// subscription is active before the backlog read starts.
func (s *Service) Replay(ctx context.Context, jobID string, afterLine int) ([]models.CrawlLogEntry, *interfaces.LogSubscription, error) {
	sub, err := s.Subscribe(jobID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.storage.GetLogs(ctx, jobID, &interfaces.LogQueryOptions{AfterLine: afterLine})
	if err != nil {
		s.Unsubscribe(sub.ID)
		return nil, nil, err
	}
	return entries, sub, nil
}

// fanOut delivers one entry to every subscriber of its job. A full
// buffer sheds the oldest entry instead of blocking.
func (s *Service) fanOut(jobID string, entry models.CrawlLogEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.byJob[jobID] {
		select {
		case sub.ch <- entry:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

// publish forwards warn-and-above entries to the event bus for UI
// streaming
func (s *Service) publish(ctx context.Context, entry models.CrawlLogEntry) {
	if s.events == nil || levelRank(entry.Level) < s.minEventLevel {
		return
	}
	payload := map[string]interface{}{
		"job_id":      entry.JobID(),
		"level":       entry.Level,
		"message":     entry.Message,
		"line_number": entry.LineNumber,
		"timestamp":   entry.FullTimestamp,
	}
	for key, value := range entry.Context {
		payload[key] = value
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventLogEvent, Payload: payload}); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", entry.JobID()).
			Msg("Log event publish failed")
	}
}
