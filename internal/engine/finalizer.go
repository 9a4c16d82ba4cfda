package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/lifecycle"
)

// handleFinalization reads the execution context and settles the task's
// next move: loop for more ready steps, settle complete or error, schedule
// a wake-up for the earliest retry, or leave the task to its in-flight
// workers. Re-running it against unchanged state repeats the same choice.
func (c *Coordinator) handleFinalization(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.FinalizationRequested)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}

	machine := lifecycle.TaskMachineFor(evt.TaskID, c.store)
	state, err := machine.CurrentState(ctx)
	if err != nil {
		return err
	}
	if lifecycle.IsTerminalTaskState(state) {
		c.logger.Debug().
			Str("task_id", evt.TaskID.String()).
			Str("state", state.String()).
			Msg("skipping finalization of terminal task")
		return nil
	}

	now := c.clock.Now()
	ec, err := c.store.TaskExecutionContext(ctx, evt.TaskID, now)
	if err != nil {
		return err
	}

	c.logger.Debug().
		Str("task_id", evt.TaskID.String()).
		Int("iteration", p.Iteration).
		Str("execution_status", ec.ExecutionStatus.String()).
		Str("recommended_action", ec.RecommendedAction.String()).
		Msg("finalizing task")

	switch ec.ExecutionStatus {
	case constants.ExecutionStatusHasReadySteps:
		return c.continueTick(ctx, evt.TaskID, p.Iteration)
	case constants.ExecutionStatusProcessing:
		// In-flight steps belong to another worker; its own finalization
		// settles the task.
		return nil
	case constants.ExecutionStatusAllComplete:
		return c.finalizeComplete(ctx, machine, evt.TaskID, state, ec)
	case constants.ExecutionStatusBlockedByFailures:
		return c.finalizeFailed(ctx, machine, evt.TaskID, state, ec)
	case constants.ExecutionStatusWaitingForDependencies:
		return c.waitForDependencies(ctx, evt.TaskID, ec, now)
	default:
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unknown execution status %q", ec.ExecutionStatus)
	}
}

// continueTick re-enters discovery within the same tick, or yields to a
// scheduled wake-up once the inline budget is spent.
func (c *Coordinator) continueTick(ctx context.Context, taskID uuid.UUID, iteration int) error {
	next := iteration + 1
	if next >= c.cfg.MaxInlineIterations {
		c.logger.Warn().
			Str("task_id", taskID.String()).
			Int("iterations", next).
			Msg("inline iteration budget spent; yielding")
		return c.publish(ctx, events.TopicTaskReenqueueRequested, taskID,
			events.ReenqueueRequested{
				Delay:  c.cfg.MinReenqueueDelay,
				Reason: "inline iteration budget spent",
			})
	}
	return c.publish(ctx, events.TopicTaskStarted, taskID,
		events.TaskStarted{Iteration: next})
}

// finalizeComplete settles a fully succeeded task. A lost transition race
// means another worker settled it first; nothing is left to do.
func (c *Coordinator) finalizeComplete(ctx context.Context, machine *lifecycle.TaskMachine, taskID uuid.UUID, state constants.TaskState, ec *domain.ExecutionContext) error {
	at := c.clock.Now()
	metadata := json.RawMessage(fmt.Sprintf(`{"completed_steps":%d}`, ec.CompletedSteps))
	if _, err := machine.TransitionTo(ctx, state, constants.TaskStateComplete, metadata, at); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			return nil
		}
		return err
	}
	if err := c.store.SetTaskComplete(ctx, taskID, at); err != nil {
		return err
	}

	c.metrics.TaskFinalized(taskID, constants.TaskStateComplete)
	c.logger.Info().
		Str("task_id", taskID.String()).
		Int("completed_steps", ec.CompletedSteps).
		Float64("completion_percentage", ec.CompletionPercentage).
		Msg("task completed")

	return c.publish(ctx, events.TopicTaskCompleted, taskID,
		events.TaskCompleted{CompletedSteps: ec.CompletedSteps})
}

// finalizeFailed settles a permanently blocked task.
func (c *Coordinator) finalizeFailed(ctx context.Context, machine *lifecycle.TaskMachine, taskID uuid.UUID, state constants.TaskState, ec *domain.ExecutionContext) error {
	at := c.clock.Now()
	metadata := json.RawMessage(fmt.Sprintf(`{"permanently_blocked_steps":%d}`, ec.PermanentlyBlockedSteps))
	if _, err := machine.TransitionTo(ctx, state, constants.TaskStateError, metadata, at); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			return nil
		}
		return err
	}

	c.metrics.TaskFinalized(taskID, constants.TaskStateError)
	c.logger.Warn().
		Str("task_id", taskID.String()).
		Int("permanently_blocked_steps", ec.PermanentlyBlockedSteps).
		Msg("task failed")

	return c.publish(ctx, events.TopicTaskFailed, taskID,
		events.TaskFailed{PermanentlyBlockedSteps: ec.PermanentlyBlockedSteps})
}

// waitForDependencies schedules a wake-up for the earliest retry window.
// A task with nothing in backoff is left alone: it is waiting on operator
// action or on another process's in-flight work.
func (c *Coordinator) waitForDependencies(ctx context.Context, taskID uuid.UUID, ec *domain.ExecutionContext, now time.Time) error {
	if ec.EarliestRetryAt == nil || !ec.EarliestRetryAt.After(now) {
		c.logger.Debug().
			Str("task_id", taskID.String()).
			Str("health_status", ec.HealthStatus.String()).
			Msg("task idle with no pending retry")
		return nil
	}

	delay := ec.EarliestRetryAt.Sub(now)
	if delay < c.cfg.MinReenqueueDelay {
		delay = c.cfg.MinReenqueueDelay
	}
	if delay > c.cfg.MaxReenqueueDelay {
		delay = c.cfg.MaxReenqueueDelay
	}

	return c.publish(ctx, events.TopicTaskReenqueueRequested, taskID,
		events.ReenqueueRequested{
			Delay:  delay,
			Reason: "waiting on retry backoff",
		})
}
