package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	assert.Equal(t, 90*time.Second, clock.Since(start))
}

func TestFakeClock_SleepReleasedByAdvance(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() {
		done <- clock.Sleep(context.Background(), 5*time.Second)
	}()

	// Sleeper must not wake before the clock reaches its deadline
	select {
	case <-done:
		t.Fatal("sleep returned before Advance")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return after Advance")
	}
}

func TestFakeClock_SleepCancelledByContext(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- clock.Sleep(ctx, time.Hour)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not observe cancellation")
	}
}

func TestFakeClock_TickerFiresOnAdvance(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before Advance")
	default:
	}

	clock.Advance(time.Minute)

	select {
	case tick := <-ticker.C():
		assert.Equal(t, time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC), tick)
	default:
		t.Fatal("ticker did not fire after Advance")
	}
}

func TestRealClock_SleepHonorsContext(t *testing.T) {
	clock := NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := clock.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
