// Package requeue schedules delayed task wake-ups.
//
// A Scheduler accepts (task id, delay) pairs and later delivers each due task
// id to a Waker. Scheduling is idempotent at the task level: rescheduling a
// task that is already pending keeps the earliest due time. Delays are
// clamped into a configured window before scheduling, so an operator fix is
// always observed within the maximum delay and a hot task can never spin
// faster than the minimum.
//
// Two implementations are provided: Timers (in-process, time.AfterFunc) and
// Redis (sorted-set due queue shared across processes).
//
// Import rules:
//   - May import internal/clock, internal/constants, internal/errors
//   - MUST NOT import internal/engine or internal/storage
package requeue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// Waker receives a due task id. Implementations typically call the engine's
// process_task. A returned error is logged by the scheduler; delivery is not
// retried (the tick itself reschedules unfinished work).
type Waker func(ctx context.Context, taskID uuid.UUID) error

// Scheduler requests a future wake-up for a task.
type Scheduler interface {
	// Schedule asks for the task to be woken after delay. Idempotent at the
	// task level: the earliest requested due time wins.
	Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error
}

// settings holds the knobs shared by the scheduler implementations.
type settings struct {
	logger       zerolog.Logger
	clock        clock.Clock
	minDelay     time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
}

// newSettings applies options over the defaults.
func newSettings(opts []Option) settings {
	s := settings{
		logger:       zerolog.Nop(),
		clock:        clock.RealClock{},
		minDelay:     constants.DefaultReenqueueMinDelay,
		maxDelay:     constants.DefaultReenqueueMaxDelay,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a scheduler.
type Option func(*settings)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithClock sets the time source used for due-time computation.
func WithClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDelayBounds sets the clamp window applied to every scheduled delay.
func WithDelayBounds(minDelay, maxDelay time.Duration) Option {
	return func(s *settings) {
		s.minDelay = minDelay
		s.maxDelay = maxDelay
	}
}

// WithPollInterval sets how often the redis scheduler checks for due tasks.
// The in-process timer scheduler ignores it.
func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// clampDelay forces delay into the [minDelay, maxDelay] window.
func (s *settings) clampDelay(delay time.Duration) time.Duration {
	if delay < s.minDelay {
		return s.minDelay
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}
