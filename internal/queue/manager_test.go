package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

func testQueueConfig() *common.QueueConfig {
	return &common.QueueConfig{
		PollInterval: "10ms",
		AckWait:      "200ms",
		MaxDeliver:   3,
		QueueName:    "test_tasks",
		MaxMessages:  100,
		DedupWindow:  "1s",
	}
}

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, config *common.QueueConfig) *Manager {
	t.Helper()
	if config == nil {
		config = testQueueConfig()
	}
	m, err := NewManager(newTestDB(t), config, arbor.NewLogger())
	require.NoError(t, err)
	return m
}

func taskFor(jobID string) *models.TaskPayload {
	return &models.TaskPayload{JobID: jobID, SeedURL: "https://example.test/?q=alpha"}
}

func TestManager_PublishReceiveAck(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	id1, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := m.Publish(ctx, taskFor("job-2"), "")
	require.NoError(t, err)
	require.NotEmpty(t, id2)

	length, err := m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	// Delivery follows publish order
	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, msg.ID)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, 1, msg.DeliverCount)

	payload, err := models.TaskPayloadFromJSON(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/?q=alpha", payload.SeedURL)

	require.NoError(t, m.Ack(ctx, msg))

	length, err = m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	msg2, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, msg2.ID)
	require.NoError(t, m.Ack(ctx, msg2))

	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	// Double ack of a deleted message is a no-op
	require.NoError(t, m.Ack(ctx, msg2))
	length, err = m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)
}

func TestManager_DedupWindowDropsSilently(t *testing.T) {
	config := testQueueConfig()
	// Badger TTLs truncate to whole seconds; a 2s window guarantees the
	// marker is alive for the immediate republish below.
	config.DedupWindow = "2s"
	m := newTestManager(t, config)
	ctx := context.Background()

	id1, err := m.Publish(ctx, taskFor("job-1"), "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same key inside the window: silent drop, empty id, no error
	id2, err := m.Publish(ctx, taskFor("job-1"), "job-1")
	require.NoError(t, err)
	assert.Empty(t, id2)

	// A different key is unaffected
	id3, err := m.Publish(ctx, taskFor("job-2"), "job-2")
	require.NoError(t, err)
	require.NotEmpty(t, id3)

	length, err := m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	// Outlive the window, second granularity included
	time.Sleep(3100 * time.Millisecond)

	id4, err := m.Publish(ctx, taskFor("job-1"), "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, id4)
}

func TestManager_PublishRejectsWhenFull(t *testing.T) {
	config := testQueueConfig()
	config.MaxMessages = 2
	m := newTestManager(t, config)
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)
	_, err = m.Publish(ctx, taskFor("job-2"), "")
	require.NoError(t, err)

	_, err = m.Publish(ctx, taskFor("job-3"), "")
	assert.ErrorIs(t, err, models.ErrQueueFull)

	// Draining one slot makes room again
	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Ack(ctx, msg))

	_, err = m.Publish(ctx, taskFor("job-3"), "")
	require.NoError(t, err)
}

func TestManager_DelayedVisibility(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.PublishWithDelay(ctx, taskFor("job-1"), "", 300*time.Millisecond)
	require.NoError(t, err)

	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(400 * time.Millisecond)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)
}

func TestManager_LeaseExpiryRedelivers(t *testing.T) {
	m := newTestManager(t, nil) // ack_wait 200ms
	ctx := context.Background()

	id, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.DeliverCount)

	// Leased: invisible until the ack wait lapses
	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(300 * time.Millisecond)

	again, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.DeliverCount)
}

func TestManager_NakReturnsMessage(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.DeliverCount)

	// Immediate nak: visible right away, delivery count keeps the
	// increment it took at claim time
	require.NoError(t, m.Nak(ctx, msg, 0))
	again, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.DeliverCount)

	// Delayed nak holds the message back
	require.NoError(t, m.Nak(ctx, again, 300*time.Millisecond))
	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(400 * time.Millisecond)
	_, err = m.Receive(ctx)
	require.NoError(t, err)

	// Nak of a vanished message is a no-op
	require.NoError(t, m.Nak(ctx, &models.QueueMessage{ID: "missing"}, 0))
}

func TestManager_ExtendPushesLease(t *testing.T) {
	m := newTestManager(t, nil) // ack_wait 200ms
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Extend(ctx, msg, time.Second))

	// Past the original lease but inside the extension
	time.Sleep(300 * time.Millisecond)
	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	// Extending a vanished message is an error
	err = m.Extend(ctx, &models.QueueMessage{ID: "missing"}, time.Second)
	assert.Error(t, err)
}

func TestManager_OverflowRoutesToHandler(t *testing.T) {
	config := testQueueConfig()
	config.AckWait = "100ms"
	config.MaxDeliver = 2
	m := newTestManager(t, config)
	ctx := context.Background()

	var overflowed []*models.QueueMessage
	m.SetOverflowHandler(func(ctx context.Context, msg *models.QueueMessage) error {
		overflowed = append(overflowed, msg)
		return nil
	})

	_, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)

	// Two deliveries burn the budget
	for i := 1; i <= 2; i++ {
		msg, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, msg.DeliverCount)
		time.Sleep(150 * time.Millisecond)
	}

	// Third attempt removes the message instead of delivering it
	_, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	require.Len(t, overflowed, 1)
	assert.Equal(t, "job-1", overflowed[0].JobID)
	assert.Equal(t, 2, overflowed[0].DeliverCount)

	length, err := m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)
}

func TestManager_DeleteByJobID(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-a"), "")
	require.NoError(t, err)
	_, err = m.Publish(ctx, taskFor("job-b"), "")
	require.NoError(t, err)

	deleted, err := m.DeleteByJobID(ctx, "job-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.DeleteByJobID(ctx, "job-a")
	require.NoError(t, err)
	assert.False(t, deleted)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-b", msg.JobID)
}

func TestManager_DeleteByJobIDWhileLeased(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-a"), "")
	require.NoError(t, err)

	msg, err := m.Receive(ctx)
	require.NoError(t, err)

	// Cancellation does not care who holds the lease
	deleted, err := m.DeleteByJobID(ctx, "job-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	// The worker's ack of the deleted message is a harmless no-op
	require.NoError(t, m.Ack(ctx, msg))

	length, err := m.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)
	_, err = m.Publish(ctx, taskFor("job-2"), "")
	require.NoError(t, err)
	_, err = m.PublishWithDelay(ctx, taskFor("job-3"), "", time.Hour)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats["depth"])
	assert.Equal(t, 2, stats["visible"])
	assert.Equal(t, 1, stats["invisible"])
	assert.Equal(t, "test_tasks", stats["queue"])
}

func TestManager_DepthSurvivesRestart(t *testing.T) {
	db := newTestDB(t)
	config := testQueueConfig()
	logger := arbor.NewLogger()
	ctx := context.Background()

	m1, err := NewManager(db, config, logger)
	require.NoError(t, err)
	_, err = m1.Publish(ctx, taskFor("job-1"), "")
	require.NoError(t, err)
	_, err = m1.Publish(ctx, taskFor("job-2"), "")
	require.NoError(t, err)

	// A fresh manager on the same store picks up the persisted depth
	m2, err := NewManager(db, config, logger)
	require.NoError(t, err)
	length, err := m2.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	msg, err := m2.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)
}
