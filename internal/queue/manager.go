package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// errDedupDrop marks a publish that landed inside the dedup window for its
// key. Publish swallows it: the earlier message already carries the work.
var errDedupDrop = errors.New("duplicate publish inside dedup window")

// Manager is the Badger-backed durable task queue.
//
// Message bodies live at queue:{name}:msg:{id}. A visibility index at
// queue:{name}:index:{visibleAt:020d}:{id} keeps the scan ordered by the
// instant each message becomes deliverable, so delayed publishes, lease
// redelivery, and nak backoff all fall out of the same prefix walk. Dedup
// markers live at queue:{name}:dedup:{key} with the dedup window as their
// entry TTL.
type Manager struct {
	db          *badger.DB
	logger      arbor.ILogger
	queueName   string
	ackWait     time.Duration
	maxDeliver  int
	maxMessages int
	dedupWindow time.Duration

	overflow interfaces.OverflowHandler

	// depth approximates the live message count so Publish can enforce the
	// cap without a scan. Length re-counts and repairs it.
	depth atomic.Int64
}

// NewManager creates a queue manager on an externally owned Badger handle.
func NewManager(db *badger.DB, config *common.QueueConfig, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config == nil {
		return nil, errors.New("queue config is required")
	}

	ackWait, err := config.GetAckWait()
	if err != nil {
		return nil, fmt.Errorf("invalid ack_wait: %w", err)
	}
	dedupWindow, err := config.GetDedupWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid dedup_window: %w", err)
	}

	m := &Manager{
		db:          db,
		logger:      logger,
		queueName:   config.QueueName,
		ackWait:     ackWait,
		maxDeliver:  config.MaxDeliver,
		maxMessages: config.MaxMessages,
		dedupWindow: dedupWindow,
	}
	if m.queueName == "" {
		m.queueName = "crawler_tasks"
	}
	if m.ackWait <= 0 {
		m.ackWait = 5 * time.Minute
	}
	if m.maxDeliver < 1 {
		m.maxDeliver = 3
	}
	if m.maxMessages < 1 {
		m.maxMessages = 100000
	}

	// Seed the depth counter from what survived the last process
	count, err := m.countMessages()
	if err != nil {
		return nil, fmt.Errorf("failed to count persisted messages: %w", err)
	}
	m.depth.Store(int64(count))

	return m, nil
}

// SetOverflowHandler installs the redelivery-overflow hook. Must be called
// before messages start flowing; Receive reads it without a lock.
func (m *Manager) SetOverflowHandler(h interfaces.OverflowHandler) {
	m.overflow = h
}

// Start logs the recovered queue state. The Badger handle is owned by the
// storage manager, so there is nothing to open here.
func (m *Manager) Start() error {
	m.logger.Info().
		Str("queue", m.queueName).
		Int64("depth", m.depth.Load()).
		Int("max_messages", m.maxMessages).
		Int("max_deliver", m.maxDeliver).
		Msg("Queue manager started")
	return nil
}

// Stop is a no-op for the Badger queue; the storage manager closes the DB.
func (m *Manager) Stop() error {
	m.logger.Info().Str("queue", m.queueName).Msg("Queue manager stopped")
	return nil
}

// Publish enqueues a task for immediate delivery. A dedupKey republished
// inside the dedup window drops the message silently and returns an empty
// id; a queue at capacity returns models.ErrQueueFull so the submitter can
// surface the rejection instead of losing work.
func (m *Manager) Publish(ctx context.Context, payload *models.TaskPayload, dedupKey string) (string, error) {
	return m.PublishWithDelay(ctx, payload, dedupKey, 0)
}

// PublishWithDelay enqueues a task that stays invisible for delay. Retry
// backoff and scheduled starts publish through here.
func (m *Manager) PublishWithDelay(ctx context.Context, payload *models.TaskPayload, dedupKey string, delay time.Duration) (string, error) {
	if payload == nil {
		return "", errors.New("payload is required")
	}
	body, err := payload.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}

	now := time.Now()
	msg := models.QueueMessage{
		ID:         uuid.New().String(),
		JobID:      payload.JobID,
		Payload:    body,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
		DedupKey:   dedupKey,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		// Dedup wins over the capacity check: a duplicate of queued work
		// is a no-op even when the queue is full.
		if dedupKey != "" {
			_, err := txn.Get(m.dedupKey(dedupKey))
			if err == nil {
				return errDedupDrop
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}

		if m.depth.Load() >= int64(m.maxMessages) {
			return models.ErrQueueFull
		}

		if err := txn.Set(m.msgKey(msg.ID), data); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
			return err
		}
		if dedupKey != "" && m.dedupWindow > 0 {
			entry := badger.NewEntry(m.dedupKey(dedupKey), []byte(msg.ID)).WithTTL(m.dedupWindow)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDedupDrop) {
			m.logger.Debug().
				Str("queue", m.queueName).
				Str("dedup_key", dedupKey).
				Str("job_id", payload.JobID).
				Msg("Duplicate publish dropped inside dedup window")
			return "", nil
		}
		if errors.Is(err, models.ErrQueueFull) {
			m.logger.Warn().
				Str("queue", m.queueName).
				Int("max_messages", m.maxMessages).
				Str("job_id", payload.JobID).
				Msg("Publish rejected, queue at capacity")
			return "", models.ErrQueueFull
		}
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	m.depth.Add(1)
	m.logger.Debug().
		Str("queue", m.queueName).
		Str("message_id", msg.ID).
		Str("job_id", msg.JobID).
		Dur("delay", delay).
		Msg("Message published")
	return msg.ID, nil
}

// Receive claims the next visible message and leases it for the ack-wait
// window: delivery count incremented, visibility pushed to now+ackWait.
// Messages found over the delivery cap are removed from the queue and
// handed to the overflow handler. Returns models.ErrNoMessage when nothing
// is deliverable, including when this worker lost a claim race.
func (m *Manager) Receive(ctx context.Context) (*models.QueueMessage, error) {
	var claimed models.QueueMessage
	var overflowed []*models.QueueMessage
	found := false

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Index keys sort by timestamp; the first future entry ends
			// the scan.
			if ts.After(now) {
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up and move on
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var qMsg models.QueueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			// A message surfacing again at the delivery cap burned every
			// lease it was given. Pull it out of rotation; the overflow
			// handler dead-letters it after this transaction commits.
			if qMsg.DeliverCount >= m.maxDeliver {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				removed := qMsg
				overflowed = append(overflowed, &removed)
				continue
			}

			qMsg.DeliverCount++
			qMsg.VisibleAt = now.Add(m.ackWait)

			data, err := json.Marshal(qMsg)
			if err != nil {
				return err
			}
			if err := txn.Set(m.msgKey(id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(m.indexKey(qMsg.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = qMsg
			found = true
			break
		}

		// Not returning an error here: overflow removals must commit even
		// when no message was claimable.
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			// Another worker claimed concurrently; treat as an empty poll
			return nil, models.ErrNoMessage
		}
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}

	for _, msg := range overflowed {
		m.depth.Add(-1)
		m.logger.Warn().
			Str("queue", m.queueName).
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Int("deliver_count", msg.DeliverCount).
			Int("max_deliver", m.maxDeliver).
			Msg("Message exceeded delivery limit, removing from queue")
		if m.overflow == nil {
			continue
		}
		if err := m.overflow(ctx, msg); err != nil {
			m.logger.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("job_id", msg.JobID).
				Msg("Redelivery overflow handler failed")
		}
	}

	if !found {
		return nil, models.ErrNoMessage
	}
	return &claimed, nil
}

// Ack deletes a leased message. Acking a message that is already gone is
// a no-op: cancellation may have deleted it mid-lease.
func (m *Manager) Ack(ctx context.Context, msg *models.QueueMessage) error {
	if msg == nil {
		return errors.New("message is required")
	}
	deleted := false
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(msg.ID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		// The stored row carries the current VisibleAt, which may have
		// moved since this lease was taken (Extend, racing redelivery).
		var current models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(current.VisibleAt, msg.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(m.msgKey(msg.ID)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if deleted {
		m.depth.Add(-1)
	}
	return nil
}

// Nak returns a leased message to the queue, visible again after delay
// (immediately when delay <= 0). The delivery count keeps the increment it
// took at claim time. Nak of a vanished message is a no-op.
func (m *Manager) Nak(ctx context.Context, msg *models.QueueMessage, delay time.Duration) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if delay < 0 {
		delay = 0
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(msg.ID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var current models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		oldVisibleAt := current.VisibleAt
		current.VisibleAt = time.Now().Add(delay)

		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(msg.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, msg.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(current.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to nak message: %w", err)
	}
	return nil
}

// Extend pushes a leased message's ack deadline to now+d and updates the
// caller's copy so its view of the lease stays accurate.
func (m *Manager) Extend(ctx context.Context, msg *models.QueueMessage, d time.Duration) error {
	if msg == nil {
		return errors.New("message is required")
	}
	newVisibleAt := time.Now().Add(d)
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(msg.ID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("message %s: %w", msg.ID, interfaces.ErrNotFound)
			}
			return err
		}

		var current models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		oldVisibleAt := current.VisibleAt
		current.VisibleAt = newVisibleAt

		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(msg.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, msg.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(current.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return err
	}
	msg.VisibleAt = newVisibleAt
	return nil
}

// DeleteByJobID removes every queued message for the job, leased or not.
// Pre-start cancellation calls this; a worker holding a lease on a deleted
// message simply finds its ack a no-op, and the job's status transition is
// what actually stops work.
func (m *Manager) DeleteByJobID(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}
	removed := 0
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := m.msgPrefix()
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var qMsg models.QueueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}
			if qMsg.JobID != jobID {
				continue
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			if err := txn.Delete(m.indexKey(qMsg.VisibleAt, qMsg.ID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete messages for job %s: %w", jobID, err)
	}
	if removed > 0 {
		m.depth.Add(int64(-removed))
		m.logger.Debug().
			Str("queue", m.queueName).
			Str("job_id", jobID).
			Int("removed", removed).
			Msg("Queued messages deleted for job")
	}
	return removed > 0, nil
}

// Length counts the messages actually persisted and repairs the depth
// counter with the result.
func (m *Manager) Length(ctx context.Context) (int, error) {
	count, err := m.countMessages()
	if err != nil {
		return 0, err
	}
	m.depth.Store(int64(count))
	return count, nil
}

// Stats reports queue depth split into visible (deliverable now) and
// invisible (leased or delayed) messages.
func (m *Manager) Stats(ctx context.Context) (map[string]interface{}, error) {
	total := 0
	visible := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := m.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			total++
			if !ts.After(now) {
				visible++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	m.depth.Store(int64(total))
	return map[string]interface{}{
		"queue":        m.queueName,
		"depth":        total,
		"visible":      visible,
		"invisible":    total - visible,
		"max_messages": m.maxMessages,
		"max_deliver":  m.maxDeliver,
		"ack_wait":     m.ackWait.String(),
	}, nil
}

func (m *Manager) countMessages() (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.msgPrefix()
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (m *Manager) msgPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
}

func (m *Manager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *Manager) dedupKey(k string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", m.queueName, k))
}

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

// indexKey zero-pads the unix-nano timestamp to 20 digits so byte order
// matches numeric order.
func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := string(m.indexPrefix())
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return time.Time{}, "", fmt.Errorf("not an index key: %s", s)
	}
	suffix := s[len(prefix):]
	// suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 22 || suffix[20] != ':' {
		return time.Time{}, "", fmt.Errorf("malformed index key: %s", s)
	}
	ts, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index timestamp: %w", err)
	}
	return time.Unix(0, ts), suffix[21:], nil
}
