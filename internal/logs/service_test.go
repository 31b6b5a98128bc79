package logs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/events"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

func newLogService(t *testing.T, bus interfaces.EventService) *Service {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	svc := NewService(storage.CrawlLogStorage(), bus, "warn", logger)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func infoEntry(msg string) models.CrawlLogEntry {
	return models.CrawlLogEntry{Level: "info", Message: msg}
}

func TestAppendLogs_PersistsAndStreams(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	sub, err := svc.Subscribe("job_1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub.ID)

	batch := []models.CrawlLogEntry{infoEntry("first"), infoEntry("second"), infoEntry("third")}
	require.NoError(t, svc.AppendLogs(ctx, "job_1", batch))

	for i, want := range []string{"first", "second", "third"} {
		select {
		case entry := <-sub.Ch:
			assert.Equal(t, want, entry.Message)
			assert.Equal(t, i+1, entry.LineNumber, "streamed copies carry the persisted line numbers")
			assert.Equal(t, "INF", entry.Level)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for entry %d", i+1)
		}
	}

	count, err := svc.CountLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAppendLogs_OtherJobsDoNotLeak(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	sub, err := svc.Subscribe("job_a")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub.ID)

	require.NoError(t, svc.AppendLogs(ctx, "job_b", []models.CrawlLogEntry{infoEntry("not for you")}))

	select {
	case entry := <-sub.Ch:
		t.Fatalf("subscriber for job_a received %q from another job", entry.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriber_SlowConsumerDropsOldest(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	sub, err := svc.Subscribe("job_1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub.ID)

	total := subscriberBuffer + 40
	batch := make([]models.CrawlLogEntry, total)
	for i := range batch {
		batch[i] = infoEntry(fmt.Sprintf("line %d", i+1))
	}
	require.NoError(t, svc.AppendLogs(ctx, "job_1", batch))

	// The buffer sheds from the front: the first readable entry is the
	// one right past the dropped window
	first := <-sub.Ch
	assert.Equal(t, 41, first.LineNumber)

	// Everything persisted regardless of the dropped stream entries
	count, err := svc.CountLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, total, count)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	svc := newLogService(t, nil)

	sub, err := svc.Subscribe("job_1")
	require.NoError(t, err)
	svc.Unsubscribe(sub.ID)

	_, open := <-sub.Ch
	assert.False(t, open)

	// A second unsubscribe is a no-op
	svc.Unsubscribe(sub.ID)
}

func TestReplay_BacklogPlusLiveTail(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	backlog := make([]models.CrawlLogEntry, 5)
	for i := range backlog {
		backlog[i] = infoEntry(fmt.Sprintf("line %d", i+1))
	}
	require.NoError(t, svc.AppendLogs(ctx, "job_1", backlog))

	entries, sub, err := svc.Replay(ctx, "job_1", 2)
	require.NoError(t, err)
	defer svc.Unsubscribe(sub.ID)

	require.Len(t, entries, 3, "only entries past the cursor replay")
	assert.Equal(t, 3, entries[0].LineNumber)
	assert.Equal(t, 5, entries[2].LineNumber)

	require.NoError(t, svc.AppendLogs(ctx, "job_1", []models.CrawlLogEntry{infoEntry("live")}))
	select {
	case entry := <-sub.Ch:
		assert.Equal(t, "live", entry.Message)
		assert.Equal(t, 6, entry.LineNumber)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the live entry")
	}
}

func TestGetLogs_LevelFilter(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.AppendLogs(ctx, "job_1", []models.CrawlLogEntry{
		{Level: "info", Message: "fine"},
		{Level: "error", Message: "broken"},
		{Level: "warn", Message: "odd"},
	}))

	errors, err := svc.GetLogs(ctx, "job_1", &interfaces.LogQueryOptions{Level: "error"})
	require.NoError(t, err)
	require.Len(t, errors, 1)
	assert.Equal(t, "broken", errors[0].Message)
}

func TestDeleteLogs(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.AppendLogs(ctx, "job_1", []models.CrawlLogEntry{infoEntry("gone soon")}))
	require.NoError(t, svc.DeleteLogs(ctx, "job_1"))

	count, err := svc.CountLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPublish_WarnAndAboveReachTheBus(t *testing.T) {
	logger := arbor.NewLogger()
	bus := events.NewService(logger)
	defer bus.Close()
	svc := newLogService(t, bus)
	ctx := context.Background()

	received := make(chan map[string]interface{}, 4)
	err := bus.Subscribe(interfaces.EventLogEvent, func(_ context.Context, event interfaces.Event) error {
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			received <- payload
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.AppendLogs(ctx, "job_1", []models.CrawlLogEntry{
		{Level: "debug", Message: "quiet"},
		{Level: "info", Message: "also quiet"},
		{Level: "error", Message: "loud"},
	}))

	select {
	case payload := <-received:
		assert.Equal(t, "job_1", payload["job_id"])
		assert.Equal(t, "ERR", payload["level"])
		assert.Equal(t, "loud", payload["message"])
		assert.Equal(t, 3, payload["line_number"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the log event")
	}

	select {
	case payload := <-received:
		t.Fatalf("below-threshold entry published: %v", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop_ClosesSubscriptionsButKeepsPersisting(t *testing.T) {
	svc := newLogService(t, nil)
	ctx := context.Background()

	sub, err := svc.Subscribe("job_1")
	require.NoError(t, err)
	require.NoError(t, svc.Stop())

	_, open := <-sub.Ch
	assert.False(t, open)

	_, err = svc.Subscribe("job_1")
	assert.Error(t, err, "no new subscriptions after stop")

	require.NoError(t, svc.AppendLogs(ctx, "job_1", []models.CrawlLogEntry{infoEntry("late")}))
	count, err := svc.CountLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
