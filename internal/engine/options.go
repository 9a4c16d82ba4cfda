package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/identity"
	"github.com/jcoletaylor/tasker-sub003/internal/requeue"
)

// Config holds the coordinator's tuning knobs. Zero fields fall back to the
// package defaults, so DefaultConfig is a convenience, not a requirement.
type Config struct {
	// WorkerPoolSize is the number of step handlers one tick runs
	// concurrently.
	WorkerPoolSize int

	// MaxInlineIterations bounds how many discovery/execute/finalize cycles
	// one tick may run before yielding to a scheduled wake-up.
	MaxInlineIterations int

	// MinReenqueueDelay is the shortest wake-up delay the finalizer requests.
	MinReenqueueDelay time.Duration

	// MaxReenqueueDelay is the longest wake-up delay the finalizer requests.
	MaxReenqueueDelay time.Duration

	// IdentityFields is the ordered field list feeding the identity hash at
	// submission.
	IdentityFields []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:      constants.DefaultWorkerPoolSize,
		MaxInlineIterations: constants.DefaultMaxInlineIterations,
		MinReenqueueDelay:   constants.DefaultReenqueueMinDelay,
		MaxReenqueueDelay:   constants.DefaultReenqueueMaxDelay,
		IdentityFields:      append([]string(nil), identity.DefaultFields...),
	}
}

// normalize fills zero fields with the defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.WorkerPoolSize < 1 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
	if c.MaxInlineIterations < 1 {
		c.MaxInlineIterations = d.MaxInlineIterations
	}
	if c.MinReenqueueDelay <= 0 {
		c.MinReenqueueDelay = d.MinReenqueueDelay
	}
	if c.MaxReenqueueDelay < c.MinReenqueueDelay {
		c.MaxReenqueueDelay = d.MaxReenqueueDelay
	}
	if len(c.IdentityFields) == 0 {
		c.IdentityFields = d.IdentityFields
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock sets the time source for persisted writes and backoff queries.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithScheduler sets the wake-up scheduler backing reenqueue requests.
// Without one, requests are logged and dropped and the task waits for an
// explicit ProcessTask call.
func WithScheduler(s requeue.Scheduler) Option {
	return func(c *Coordinator) {
		c.scheduler = s
	}
}

// WithIdentityStrategy overrides the identity hash strategy built from
// Config.IdentityFields.
func WithIdentityStrategy(s identity.Strategy) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.identity = s
		}
	}
}
