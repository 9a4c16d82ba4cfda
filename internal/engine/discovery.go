package engine

import (
	"context"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
)

// handleDiscovery asks the readiness oracle for the task's viable steps and
// publishes the batch, possibly empty. The iteration guard is the hard stop
// behind the finalizer's own budget check; in normal operation the
// finalizer yields one cycle earlier.
func (c *Coordinator) handleDiscovery(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.TaskStarted)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}
	if p.Iteration >= c.cfg.MaxInlineIterations {
		return errors.Wrapf(errors.ErrTickBudgetExceeded,
			"task %s iteration %d reached the inline budget %d",
			evt.TaskID, p.Iteration, c.cfg.MaxInlineIterations)
	}

	rows, err := c.store.StepReadiness(ctx, evt.TaskID, nil, c.clock.Now())
	if err != nil {
		return err
	}

	viable := make([]domain.StepReadiness, 0, len(rows))
	for _, row := range rows {
		if row.ReadyForExecution {
			viable = append(viable, row)
		}
	}

	c.logger.Debug().
		Str("task_id", evt.TaskID.String()).
		Int("iteration", p.Iteration).
		Int("unprocessed_steps", len(rows)).
		Int("viable_steps", len(viable)).
		Msg("discovered viable steps")

	if err := c.publish(ctx, events.TopicViableStepsDiscovered, evt.TaskID,
		events.ViableStepsDiscovered{Iteration: p.Iteration, Steps: viable}); err != nil {
		return err
	}
	if len(viable) == 0 {
		return c.publish(ctx, events.TopicNoViableSteps, evt.TaskID,
			events.NoViableSteps{Iteration: p.Iteration})
	}
	return nil
}

// handleNoViableSteps carries an empty discovery straight to finalization.
func (c *Coordinator) handleNoViableSteps(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.NoViableSteps)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidArgument,
			"unexpected payload %T on %s", evt.Payload, evt.Topic)
	}
	return c.publish(ctx, events.TopicTaskFinalizationRequested, evt.TaskID,
		events.FinalizationRequested{Iteration: p.Iteration})
}
