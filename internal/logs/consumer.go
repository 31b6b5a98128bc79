package logs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// contextKeys are structured fields lifted out of the message into the
// entry's context map. Everything else stays in the message as k=v.
var contextKeys = map[string]bool{
	models.LogCtxStep:     true,
	models.LogCtxURL:      true,
	models.LogCtxWorker:   true,
	models.LogCtxCategory: true,
	models.LogCtxOutcome:  true,
}

// Consumer drains arbor's context channel and routes batches into the
// log service. Correlation IDs are job IDs; events without one are
// process-level logs and never land in the per-job store.
type Consumer struct {
	service interfaces.LogService
	logger  arbor.ILogger
	channel chan []arbormodels.LogEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates the consumer. Register GetChannel with arbor via
// SetChannel so correlation-scoped loggers feed it.
func NewConsumer(service interfaces.LogService, logger arbor.ILogger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		service: service,
		logger:  logger,
		channel: make(chan []arbormodels.LogEvent, 10),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetChannel returns the channel arbor writes log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop drains nothing further and waits for the in-flight batch
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			// The root logger has no correlation ID, so this line cannot
			// re-enter the channel
			c.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Log consumer panicked")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			c.dispatch(batch)
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch groups a batch by job and appends each group through the
// service so live subscribers see the same entries that persist
func (c *Consumer) dispatch(batch []arbormodels.LogEvent) {
	byJob := make(map[string][]models.CrawlLogEntry)
	for _, event := range batch {
		jobID := event.CorrelationID
		if jobID == "" {
			continue
		}
		byJob[jobID] = append(byJob[jobID], transformEvent(event))
	}

	for jobID, entries := range byJob {
		if err := c.service.AppendLogs(c.ctx, jobID, entries); err != nil {
			c.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Int("count", len(entries)).
				Msg("Log batch write failed")
		}
	}
}

// transformEvent converts one arbor event into a persistable entry.
// Known context fields move into the context map; the rest append to
// the message in key order so replays render identically.
func transformEvent(event arbormodels.LogEvent) models.CrawlLogEntry {
	entry := models.CrawlLogEntry{
		Timestamp:     event.Timestamp.Format("15:04:05"),
		FullTimestamp: event.Timestamp.Format(time.RFC3339Nano),
		Level:         threeLetter(event.Level.String()),
		Message:       event.Message,
	}

	if len(event.Fields) == 0 {
		return entry
	}
	var extra []string
	for key, value := range event.Fields {
		text := fmt.Sprint(value)
		switch {
		case contextKeys[key]:
			entry.SetContext(key, text)
		case key == "job_id":
			// Redundant with the correlation ID
		default:
			extra = append(extra, fmt.Sprintf("%s=%s", key, text))
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		entry.Message += " " + strings.Join(extra, " ")
	}
	return entry
}

// threeLetter normalizes level names to the stored 3-letter codes
func threeLetter(level string) string {
	switch strings.ToLower(level) {
	case "debug", "dbg":
		return "DBG"
	case "warn", "warning", "wrn":
		return "WRN"
	case "error", "err":
		return "ERR"
	case "fatal", "panic":
		return "ERR"
	default:
		return "INF"
	}
}
