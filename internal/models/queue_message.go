package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when no message is visible in the queue
var ErrNoMessage = errors.New("no messages in queue")

// ErrQueueFull is returned when the queue is at capacity. Publishers must
// surface this instead of silently discarding pending work.
var ErrQueueFull = errors.New("queue is full")

// QueueMessage is the envelope stored in the queue. VisibleAt and
// DeliverCount carry the lease state; consumers need DeliverCount to
// route redelivery overflow to the dead-letter queue.
type QueueMessage struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    time.Time       `json:"visible_at"`
	DeliverCount int             `json:"deliver_count"`
	DedupKey     string          `json:"dedup_key,omitempty"`
}

// TaskPayload is the crawl task body carried inside a queue message.
// Keep it thin - the worker re-reads the job row for the real state.
type TaskPayload struct {
	JobID     string `json:"job_id"`
	WebsiteID string `json:"website_id,omitempty"`
	SeedURL   string `json:"seed_url,omitempty"`
}

// ToJSON serializes the payload for publishing
func (p *TaskPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// TaskPayloadFromJSON deserializes a queue message payload
func TaskPayloadFromJSON(data []byte) (*TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
