// Package events provides the in-process publish/subscribe bus that wires
// the engine's components together without direct coupling. Delivery is
// synchronous: Publish invokes every subscriber of the topic in registration
// order on the caller's goroutine and stops at the first error.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors, std lib
//   - MUST NOT import: internal/engine, internal/storage, internal/cli
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Topic names one event stream on the bus.
type Topic string

// Standard topics. This is the exhaustive list the engine relies on;
// handlers may declare additional custom topics at registration time.
const (
	// TopicTaskStartRequested asks the engine to begin or continue a task.
	TopicTaskStartRequested Topic = "task.start_requested"

	// TopicTaskStarted reports the task is in progress and a
	// discovery/execute/finalize cycle should run.
	TopicTaskStarted Topic = "task.started"

	// TopicViableStepsDiscovered carries the steps ready to dispatch now.
	// The step list may be empty.
	TopicViableStepsDiscovered Topic = "workflow.viable_steps_discovered"

	// TopicNoViableSteps reports discovery found nothing to dispatch.
	TopicNoViableSteps Topic = "workflow.no_viable_steps"

	// TopicStepExecutionRequested reports one step is about to execute.
	TopicStepExecutionRequested Topic = "step.execution_requested"

	// TopicStepCompleted reports a handler returned successfully.
	TopicStepCompleted Topic = "step.completed"

	// TopicStepFailed reports a handler failed.
	TopicStepFailed Topic = "step.failed"

	// TopicTaskFinalizationRequested asks the finalizer to decide what the
	// task needs next.
	TopicTaskFinalizationRequested Topic = "task.finalization_requested"

	// TopicTaskCompleted reports the task reached complete.
	TopicTaskCompleted Topic = "task.completed"

	// TopicTaskFailed reports the task reached error.
	TopicTaskFailed Topic = "task.failed"

	// TopicTaskReenqueueRequested asks the scheduler for a future wake-up.
	TopicTaskReenqueueRequested Topic = "task.reenqueue_requested"
)

// String returns the string representation of the Topic.
func (t Topic) String() string {
	return string(t)
}

// standardTopics is the lookup set used to keep handler-declared custom
// topics from shadowing the engine's own streams.
//
//nolint:gochecknoglobals // Read-only lookup table
var standardTopics = map[Topic]bool{
	TopicTaskStartRequested:        true,
	TopicTaskStarted:               true,
	TopicViableStepsDiscovered:     true,
	TopicNoViableSteps:             true,
	TopicStepExecutionRequested:    true,
	TopicStepCompleted:             true,
	TopicStepFailed:                true,
	TopicTaskFinalizationRequested: true,
	TopicTaskCompleted:             true,
	TopicTaskFailed:                true,
	TopicTaskReenqueueRequested:    true,
}

// IsStandardTopic reports whether the topic is one of the engine's own
// streams.
func IsStandardTopic(t Topic) bool {
	return standardTopics[t]
}

// Event is one message on the bus. Payload holds a topic-specific struct
// from this package (or a handler-defined value on custom topics).
type Event struct {
	// Topic names the stream this event belongs to.
	Topic Topic

	// TaskID identifies the task the event concerns.
	TaskID uuid.UUID

	// OccurredAt is when the publisher created the event.
	OccurredAt time.Time

	// Payload carries topic-specific data.
	Payload any
}

// Handler consumes one event. Handlers run synchronously on the
// publisher's goroutine; they may issue database queries but must not park
// on external I/O. A returned error aborts delivery and propagates to the
// publisher.
type Handler func(ctx context.Context, evt Event) error

// Descriptor declares a custom topic a task handler wants to publish.
// Handlers return descriptors from CustomEventConfiguration at registration
// time; publishing an undeclared topic is rejected.
type Descriptor struct {
	// Topic is the custom topic name.
	Topic Topic

	// Description documents the event for operators.
	Description string
}

// Validate rejects descriptors that are empty or shadow a standard topic.
func (d Descriptor) Validate() error {
	if d.Topic == "" {
		return errors.Wrap(errors.ErrEmptyValue, "event descriptor topic")
	}
	if IsStandardTopic(d.Topic) {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"event descriptor topic %q shadows a standard topic", d.Topic)
	}
	return nil
}

// Bus is a process-local topic broker with synchronous delivery. Subscribers
// are registered once at boot; delivery order per topic is registration
// order. Safe for concurrent publishing from executor worker goroutines.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]Handler
	logger      zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Topic][]Handler),
		logger:      logger,
	}
}

// Subscribe appends a handler to the topic's delivery list.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Publish delivers the event to every subscriber of its topic in
// registration order. The first handler error aborts delivery and is
// returned to the publisher. Topics without subscribers are a no-op.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := b.subscribers[evt.Topic]
	b.mu.RUnlock()

	b.logger.Debug().
		Str("topic", evt.Topic.String()).
		Str("task_id", evt.TaskID.String()).
		Int("subscribers", len(handlers)).
		Msg("publishing event")

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			return errors.Wrapf(err, "event %s", evt.Topic)
		}
	}
	return nil
}

// SubscriberCount returns how many handlers are registered for the topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
