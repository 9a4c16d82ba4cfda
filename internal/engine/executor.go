package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/lifecycle"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
)

// handleViableSteps claims and runs the discovered batch on a bounded
// worker pool, then requests finalization. Handler failures are recorded
// per step and do not abort the batch; only infrastructure errors do.
func (c *Coordinator) handleViableSteps(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.ViableStepsDiscovered)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}
	if len(p.Steps) == 0 {
		// NoViableSteps carries the cycle to finalization.
		return nil
	}

	task, err := c.store.TaskByID(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	reg, err := c.registry.LookupByNamedTask(task.NamedTaskID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WorkerPoolSize)
	for _, row := range p.Steps {
		g.Go(func() error {
			return c.runStep(gctx, task, reg, row)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return c.publish(ctx, events.TopicTaskFinalizationRequested, evt.TaskID,
		events.FinalizationRequested{Iteration: p.Iteration})
}

// runStep runs one viable step end to end: claim, dispatch transition,
// handler invocation, and the completion or failure write. Lost claims and
// lost dispatch races return nil so the loser moves on silently.
func (c *Coordinator) runStep(ctx context.Context, task *domain.Task, reg *registry.Registration, row domain.StepReadiness) error {
	stepID := row.WorkflowStepID

	if err := c.store.ClaimStep(ctx, stepID, c.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrStepClaimed) {
			c.stepLogEvent(task.TaskID, stepID, row.StepName, zerolog.DebugLevel, 0).
				Msg("step already claimed")
			return nil
		}
		return err
	}

	// Reread after the claim; the readiness row may be stale by now.
	step, err := c.store.StepByID(ctx, stepID)
	if err != nil {
		return err
	}
	machine := lifecycle.StepMachineFor(stepID, c.store)
	state, err := machine.CurrentState(ctx)
	if err != nil {
		return err
	}
	if step.Processed ||
		(state != constants.StepStatePending && state != constants.StepStateError) {
		c.stepLogEvent(task.TaskID, stepID, step.Name, zerolog.DebugLevel, 0).
			Str("state", state.String()).
			Msg("step no longer dispatchable; releasing claim")
		return c.store.ReleaseStep(ctx, stepID, c.clock.Now())
	}

	if _, err := machine.TransitionTo(ctx, state, constants.StepStateInProgress, nil, c.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) || errors.Is(err, errors.ErrInvalidTransition) {
			c.stepLogEvent(task.TaskID, stepID, step.Name, zerolog.DebugLevel, 0).
				Msg("lost dispatch race; releasing claim")
			return c.store.ReleaseStep(ctx, stepID, c.clock.Now())
		}
		return err
	}

	attempt := step.EffectiveAttempts() + 1
	if err := c.publish(ctx, events.TopicStepExecutionRequested, task.TaskID,
		events.StepExecutionRequested{StepID: stepID, StepName: step.Name, Attempt: attempt}); err != nil {
		return err
	}

	parents, err := c.store.ParentResults(ctx, stepID)
	if err != nil {
		return err
	}

	fn, ok := reg.StepHandler(step.Name)
	if !ok {
		// Registration guarantees a binding per template step; a miss here
		// means the template and handler diverged after boot.
		return errors.Wrapf(errors.ErrHandlerNotFound, "step %q", step.Name)
	}

	call := &registry.StepCall{
		TaskID:         task.TaskID,
		WorkflowStepID: stepID,
		StepName:       step.Name,
		Attempt:        attempt,
		TaskContext:    task.Context,
		Inputs:         step.Inputs,
		ParentResults:  parents,
	}

	c.stepLogEvent(task.TaskID, stepID, step.Name, zerolog.InfoLevel, 0).
		Int32("attempt", attempt).
		Msg("executing step")

	started := time.Now()
	results, handlerErr := fn(ctx, call)
	duration := time.Since(started)

	if handlerErr != nil {
		return c.recordFailure(ctx, task.TaskID, stepID, step.Name, attempt, duration, handlerErr)
	}
	return c.recordCompletion(ctx, task.TaskID, stepID, step.Name, attempt, duration, results)
}

// recordCompletion persists a successful handler return and publishes
// step.completed. A step cancelled mid-flight fails the in_progress
// precondition; its result is discarded per the cancellation contract.
func (c *Coordinator) recordCompletion(ctx context.Context, taskID, stepID uuid.UUID, stepName string, attempt int32, duration time.Duration, results json.RawMessage) error {
	if err := c.store.CompleteStep(ctx, stepID, results, c.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			c.stepLogEvent(taskID, stepID, stepName, zerolog.WarnLevel, duration.Milliseconds()).
				Msg("discarding result for step no longer in progress")
			return nil
		}
		return err
	}

	c.metrics.StepExecuted(taskID, stepName, duration, true)
	c.stepLogEvent(taskID, stepID, stepName, zerolog.InfoLevel, duration.Milliseconds()).
		Int32("attempt", attempt).
		Msg("step completed")

	return c.publish(ctx, events.TopicStepCompleted, taskID, events.StepCompleted{
		StepID:   stepID,
		StepName: stepName,
		Attempt:  attempt,
		Duration: duration,
	})
}

// recordFailure persists a handler failure and publishes step.failed. A
// plain error is retryable with no explicit backoff; a wrapped StepFailure
// controls retryability and backoff.
func (c *Coordinator) recordFailure(ctx context.Context, taskID, stepID uuid.UUID, stepName string, attempt int32, duration time.Duration, handlerErr error) error {
	message := handlerErr.Error()
	retryable := true
	var backoffSeconds *int64

	if failure, isFailure := errors.AsStepFailure(handlerErr); isFailure {
		message = failure.Message
		backoffSeconds = failure.BackoffSeconds
		retryable = failure.Retryable
	}

	// Only a declared-permanent failure rewrites the column; transient
	// failures leave the step's configured retryability alone.
	var persistRetryable *bool
	if !retryable {
		persistRetryable = &retryable
	}

	if err := c.store.FailStep(ctx, stepID, message, backoffSeconds, persistRetryable, c.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			c.stepLogEvent(taskID, stepID, stepName, zerolog.WarnLevel, duration.Milliseconds()).
				Msg("discarding failure for step no longer in progress")
			return nil
		}
		return err
	}

	c.metrics.StepExecuted(taskID, stepName, duration, false)
	c.stepLogEvent(taskID, stepID, stepName, zerolog.ErrorLevel, duration.Milliseconds()).
		Int32("attempt", attempt).
		Err(handlerErr).
		Msg("step execution failed")

	return c.publish(ctx, events.TopicStepFailed, taskID, events.StepFailed{
		StepID:         stepID,
		StepName:       stepName,
		Attempt:        attempt,
		Duration:       duration,
		Message:        message,
		Retryable:      retryable,
		BackoffSeconds: backoffSeconds,
	})
}

// stepLogEvent creates a log event with the common step fields.
func (c *Coordinator) stepLogEvent(taskID, stepID uuid.UUID, stepName string, level zerolog.Level, durationMs int64) *zerolog.Event {
	event := c.logger.WithLevel(level). //nolint:zerologlint // event returned for caller to dispatch
						Str("task_id", taskID.String()).
						Str("step_id", stepID.String()).
						Str("step_name", stepName)

	if durationMs > 0 {
		event = event.Int64("duration_ms", durationMs)
	}

	return event
}
