package requeue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// chanWaker returns a Waker writing delivered ids to the returned channel.
func chanWaker(buffer int) (Waker, chan uuid.UUID) {
	ch := make(chan uuid.UUID, buffer)
	return func(_ context.Context, taskID uuid.UUID) error {
		ch <- taskID
		return nil
	}, ch
}

// waitWake blocks until a wake-up arrives or the test deadline passes.
func waitWake(t *testing.T, ch <-chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wake-up")
		return uuid.Nil
	}
}

// assertNoWake asserts that nothing is delivered within the window.
func assertNoWake(t *testing.T, ch <-chan uuid.UUID, window time.Duration) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unexpected wake-up for task %s", id)
	case <-time.After(window):
	}
}

func TestTimers_Schedule(t *testing.T) {
	t.Run("delivers after the delay", func(t *testing.T) {
		waker, ch := chanWaker(1)
		timers := NewTimers(waker, WithDelayBounds(time.Millisecond, 50*time.Millisecond))
		defer timers.Close()

		taskID := uuid.New()
		require.NoError(t, timers.Schedule(context.Background(), taskID, 5*time.Millisecond))

		assert.Equal(t, taskID, waitWake(t, ch))
		assert.Zero(t, timers.Pending())
	})

	t.Run("earliest due time wins", func(t *testing.T) {
		waker, ch := chanWaker(2)
		timers := NewTimers(waker, WithDelayBounds(time.Millisecond, 200*time.Millisecond))
		defer timers.Close()

		taskID := uuid.New()
		require.NoError(t, timers.Schedule(context.Background(), taskID, 150*time.Millisecond))
		require.NoError(t, timers.Schedule(context.Background(), taskID, 2*time.Millisecond))
		assert.Equal(t, 1, timers.Pending(), "reschedule must not duplicate the entry")

		assert.Equal(t, taskID, waitWake(t, ch))
		assertNoWake(t, ch, 200*time.Millisecond)
	})

	t.Run("later schedule does not postpone", func(t *testing.T) {
		waker, ch := chanWaker(2)
		timers := NewTimers(waker, WithDelayBounds(time.Millisecond, 500*time.Millisecond))
		defer timers.Close()

		taskID := uuid.New()
		start := time.Now()
		require.NoError(t, timers.Schedule(context.Background(), taskID, 5*time.Millisecond))
		require.NoError(t, timers.Schedule(context.Background(), taskID, 400*time.Millisecond))

		assert.Equal(t, taskID, waitWake(t, ch))
		assert.Less(t, time.Since(start), 300*time.Millisecond, "original due time must hold")
		assertNoWake(t, ch, 100*time.Millisecond)
	})

	t.Run("delay is clamped to the window", func(t *testing.T) {
		waker, ch := chanWaker(1)
		timers := NewTimers(waker, WithDelayBounds(time.Millisecond, 20*time.Millisecond))
		defer timers.Close()

		taskID := uuid.New()
		require.NoError(t, timers.Schedule(context.Background(), taskID, time.Hour))

		assert.Equal(t, taskID, waitWake(t, ch))
	})

	t.Run("tasks schedule independently", func(t *testing.T) {
		waker, ch := chanWaker(2)
		timers := NewTimers(waker, WithDelayBounds(time.Millisecond, 50*time.Millisecond))
		defer timers.Close()

		first, second := uuid.New(), uuid.New()
		require.NoError(t, timers.Schedule(context.Background(), first, 2*time.Millisecond))
		require.NoError(t, timers.Schedule(context.Background(), second, 2*time.Millisecond))

		delivered := map[uuid.UUID]bool{
			waitWake(t, ch): true,
			waitWake(t, ch): true,
		}
		assert.True(t, delivered[first])
		assert.True(t, delivered[second])
	})
}

func TestTimers_Close(t *testing.T) {
	t.Run("cancels pending wake-ups", func(t *testing.T) {
		waker, ch := chanWaker(1)
		timers := NewTimers(waker, WithDelayBounds(10*time.Millisecond, 100*time.Millisecond))

		require.NoError(t, timers.Schedule(context.Background(), uuid.New(), 10*time.Millisecond))
		timers.Close()

		assert.Zero(t, timers.Pending())
		assertNoWake(t, ch, 50*time.Millisecond)
	})

	t.Run("schedule after close fails", func(t *testing.T) {
		waker, _ := chanWaker(1)
		timers := NewTimers(waker)
		timers.Close()

		err := timers.Schedule(context.Background(), uuid.New(), time.Second)
		require.ErrorIs(t, err, errors.ErrSchedulerClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		waker, _ := chanWaker(1)
		timers := NewTimers(waker)
		timers.Close()
		timers.Close()
	})
}
