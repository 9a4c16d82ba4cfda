// Package engine orchestrates durable task execution: submission, viable
// step discovery, parallel step execution, finalization, and reenqueueing.
//
// One tick (ProcessTask) runs bounded discovery/execute/finalize cycles
// wired through the event bus: the coordinator moves the task to
// in_progress and publishes task.started; discovery asks the readiness
// oracle for the viable batch; the executor claims and runs each viable
// step on a bounded worker pool; the finalizer reads the execution context
// and either loops, settles the task, or schedules a wake-up. All durable
// state lives in the store, so any number of workers may tick any task at
// any time; losers of claim and transition races move on silently.
//
// Import rules:
//   - CAN import: internal/clock, internal/constants, internal/domain,
//     internal/errors, internal/events, internal/identity,
//     internal/lifecycle, internal/registry, internal/requeue,
//     internal/storage, std lib
//   - MUST NOT import: internal/cli, internal/config,
//     internal/storage/postgres, internal/storage/sqlite
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/identity"
	"github.com/jcoletaylor/tasker-sub003/internal/lifecycle"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
	"github.com/jcoletaylor/tasker-sub003/internal/requeue"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// Coordinator owns the control flow of one process's workers. It is
// stateless between ticks; everything durable lives in the store.
type Coordinator struct {
	store     storage.Store
	registry  *registry.Registry
	bus       *events.Bus
	scheduler requeue.Scheduler
	identity  identity.Strategy
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   Metrics
	cfg       Config
}

// New builds a coordinator and subscribes its handlers to the bus, one per
// standard topic the tick flows through, in control-flow order. Wiring
// happens once at boot; the bus delivers synchronously, so a tick unwinds
// through these subscriptions on the caller's goroutine.
func New(store storage.Store, reg *registry.Registry, bus *events.Bus, cfg Config, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "store must not be nil")
	}
	if reg == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "registry must not be nil")
	}
	if bus == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "event bus must not be nil")
	}

	c := &Coordinator{
		store:    store,
		registry: reg,
		bus:      bus,
		clock:    clock.RealClock{},
		logger:   logger,
		metrics:  NoopMetrics{},
		cfg:      cfg.normalize(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.identity == nil {
		strategy, err := identity.NewSHA256(c.cfg.IdentityFields)
		if err != nil {
			return nil, err
		}
		c.identity = strategy
	}

	bus.Subscribe(events.TopicTaskStartRequested, c.handleStartRequested)
	bus.Subscribe(events.TopicTaskStarted, c.handleDiscovery)
	bus.Subscribe(events.TopicViableStepsDiscovered, c.handleViableSteps)
	bus.Subscribe(events.TopicNoViableSteps, c.handleNoViableSteps)
	bus.Subscribe(events.TopicTaskFinalizationRequested, c.handleFinalization)
	bus.Subscribe(events.TopicTaskReenqueueRequested, c.handleReenqueue)

	return c, nil
}

// ProcessTask runs one tick for the task: at most MaxInlineIterations
// discovery/execute/finalize cycles. It returns once the task settles,
// yields to a scheduled wake-up, or is left waiting on in-flight or backoff
// work. Ticks against terminal tasks are no-ops, so duplicate wake-ups are
// harmless.
func (c *Coordinator) ProcessTask(ctx context.Context, taskID uuid.UUID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := c.store.TaskByID(ctx, taskID); err != nil {
		return err
	}

	state, err := lifecycle.TaskMachineFor(taskID, c.store).CurrentState(ctx)
	if err != nil {
		return err
	}
	if lifecycle.IsTerminalTaskState(state) {
		c.logger.Debug().
			Str("task_id", taskID.String()).
			Str("state", state.String()).
			Msg("skipping tick for terminal task")
		return nil
	}

	return c.publish(ctx, events.TopicTaskStartRequested, taskID,
		events.TaskStartRequested{Iteration: 0})
}

// CancelTask moves the task to cancelled and cancels every non-terminal
// step. In-flight handlers are not interrupted; their completion writes
// fail the in_progress precondition and are discarded.
func (c *Coordinator) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	if _, err := c.store.TaskByID(ctx, taskID); err != nil {
		return err
	}

	machine := lifecycle.TaskMachineFor(taskID, c.store)
	state, err := machine.CurrentState(ctx)
	if err != nil {
		return err
	}
	if lifecycle.IsTerminalTaskState(state) {
		return errors.Wrapf(errors.ErrTaskTerminal, "task %s is %s", taskID, state)
	}

	at := c.clock.Now()
	if _, err := machine.TransitionTo(ctx, state, constants.TaskStateCancelled, nil, at); err != nil {
		return err
	}

	steps, err := c.store.StepsByTask(ctx, taskID)
	if err != nil {
		return err
	}

	cancelled := 0
	for _, step := range steps {
		err := c.store.CancelStep(ctx, step.WorkflowStepID, at)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, errors.ErrStepTerminal):
			// Finished steps keep their state.
		default:
			return err
		}
	}

	c.logger.Info().
		Str("task_id", taskID.String()).
		Int("cancelled_steps", cancelled).
		Msg("task cancelled")
	return nil
}

// ResolveStepManually moves one non-terminal step to resolved_manually so
// its dependents treat it as satisfied, then schedules a wake-up so they
// dispatch without further operator action.
func (c *Coordinator) ResolveStepManually(ctx context.Context, taskID, stepID uuid.UUID) error {
	step, err := c.store.StepByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step.TaskID != taskID {
		return errors.Wrapf(errors.ErrStepNotFound,
			"step %s does not belong to task %s", stepID, taskID)
	}

	if err := c.store.ResolveStepManually(ctx, stepID, c.clock.Now()); err != nil {
		return err
	}

	c.logger.Info().
		Str("task_id", taskID.String()).
		Str("step_id", stepID.String()).
		Str("step_name", step.Name).
		Msg("step resolved manually")

	if c.scheduler != nil {
		if err := c.scheduler.Schedule(ctx, taskID, c.cfg.MinReenqueueDelay); err != nil {
			return errors.Wrapf(err, "schedule wake-up for task %s", taskID)
		}
	}
	return nil
}

// PublishEvent publishes a handler-owned custom event. The topic must have
// been declared at registration; undeclared topics are rejected so typos do
// not vanish silently, and the engine's own topics cannot be injected.
func (c *Coordinator) PublishEvent(ctx context.Context, topic events.Topic, taskID uuid.UUID, payload any) error {
	if events.IsStandardTopic(topic) {
		return errors.Wrapf(errors.ErrInvalidArgument, "topic %q is engine-owned", topic)
	}
	if !c.registry.EventDeclared(topic) {
		return errors.Wrapf(errors.ErrInvalidArgument, "event topic %q was never declared", topic)
	}
	return c.publish(ctx, topic, taskID, payload)
}

// handleStartRequested moves the task into in_progress and opens the first
// cycle. A lost transition race is reread: if another worker got the task
// running, this tick continues; if the task settled, it stops.
func (c *Coordinator) handleStartRequested(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.TaskStartRequested)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}

	machine := lifecycle.TaskMachineFor(evt.TaskID, c.store)
	state, err := machine.CurrentState(ctx)
	if err != nil {
		return err
	}

	switch state {
	case constants.TaskStatePending, constants.TaskStateError:
		_, err := machine.TransitionTo(ctx, state, constants.TaskStateInProgress, nil, c.clock.Now())
		switch {
		case err == nil:
			c.metrics.TaskStarted(evt.TaskID)
			c.logger.Info().
				Str("task_id", evt.TaskID.String()).
				Str("state", constants.TaskStateInProgress.String()).
				Msg("task started")
		case errors.Is(err, errors.ErrConcurrencyConflict):
			state, err = machine.CurrentState(ctx)
			if err != nil {
				return err
			}
			if state != constants.TaskStateInProgress {
				c.logger.Debug().
					Str("task_id", evt.TaskID.String()).
					Str("state", state.String()).
					Msg("task settled while starting; stopping tick")
				return nil
			}
		default:
			return err
		}
	case constants.TaskStateInProgress:
		// Resumed by a wake-up or raced by a concurrent worker; continue.
	default:
		c.logger.Debug().
			Str("task_id", evt.TaskID.String()).
			Str("state", state.String()).
			Msg("task already terminal; stopping tick")
		return nil
	}

	return c.publish(ctx, events.TopicTaskStarted, evt.TaskID,
		events.TaskStarted{Iteration: p.Iteration})
}

// handleReenqueue hands a requested wake-up to the scheduler.
func (c *Coordinator) handleReenqueue(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.ReenqueueRequested)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}

	if c.scheduler == nil {
		c.logger.Warn().
			Str("task_id", evt.TaskID.String()).
			Int64("delay_ms", p.Delay.Milliseconds()).
			Str("reason", p.Reason).
			Msg("no scheduler configured; dropping wake-up")
		return nil
	}

	if err := c.scheduler.Schedule(ctx, evt.TaskID, p.Delay); err != nil {
		return errors.Wrapf(err, "schedule wake-up for task %s", evt.TaskID)
	}
	c.metrics.ReenqueueScheduled(evt.TaskID, p.Delay)

	c.logger.Info().
		Str("task_id", evt.TaskID.String()).
		Int64("delay_ms", p.Delay.Milliseconds()).
		Str("reason", p.Reason).
		Msg("scheduling reenqueue")
	return nil
}

// publish stamps and delivers one event.
func (c *Coordinator) publish(ctx context.Context, topic events.Topic, taskID uuid.UUID, payload any) error {
	return c.bus.Publish(ctx, events.Event{
		Topic:      topic,
		TaskID:     taskID,
		OccurredAt: c.clock.Now(),
		Payload:    payload,
	})
}
