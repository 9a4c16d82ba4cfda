package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jcoletaylor/tasker-sub003/internal/ctxutil"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/signal"
)

// AddWorkCommand registers the work command on the root command.
func AddWorkCommand(rootCmd *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "work [task-id...]",
		Short: "Run the worker loop",
		Long: `Run a worker: tick the given tasks and consume reenqueue wake-ups.

With the redis scheduler the worker polls the shared due queue, so any
number of workers across processes can drain the same backlog; the loop
runs until SIGINT or SIGTERM. With the in-process timers scheduler
wake-ups cannot arrive from other processes, so the worker drives the
given tasks to settlement and exits; pass at least one task id.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskIDs := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				taskID, err := uuid.Parse(arg)
				if err != nil {
					return errors.Wrapf(errors.ErrInvalidArgument, "task id %q: %v", arg, err)
				}
				taskIDs = append(taskIDs, taskID)
			}

			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runWork(cmd.Context(), cmd.OutOrStdout(), rt, taskIDs)
		},
	}

	rootCmd.AddCommand(cmd)
}

// runWork executes the work command.
func runWork(ctx context.Context, w io.Writer, rt *runtime, taskIDs []uuid.UUID) error {
	if rt.redis == nil && len(taskIDs) == 0 {
		return errors.Wrap(errors.ErrInvalidArgument,
			"the timers scheduler receives no wake-ups from other processes; pass task ids to work on or set reenqueue.driver to redis")
	}

	handler := signal.NewHandler(ctx)
	defer handler.Stop()
	ctx = handler.Context()

	rt.logger.Info().
		Int("seed_tasks", len(taskIDs)).
		Bool("redis", rt.redis != nil).
		Msg("worker started")

	if rt.redis != nil {
		return runRedisWorker(ctx, w, rt, taskIDs)
	}
	return runTimerWorker(ctx, w, rt, taskIDs)
}

// runRedisWorker ticks the seed tasks once, then polls the shared due
// queue until interrupted. Follow-up wake-ups land in redis alongside
// everyone else's, so seeds need no local follow-through.
func runRedisWorker(ctx context.Context, w io.Writer, rt *runtime, taskIDs []uuid.UUID) error {
	for _, taskID := range taskIDs {
		if ctxutil.Canceled(ctx) != nil {
			return nil
		}
		if err := rt.coord.ProcessTask(ctx, taskID); err != nil {
			rt.logger.Error().
				Err(err).
				Str("task_id", taskID.String()).
				Msg("seed tick failed")
		}
	}

	fmt.Fprintln(w, "worker started; interrupt to stop")
	if err := rt.redis.Run(ctx); err != nil {
		return err
	}

	rt.logger.Info().Msg("worker stopped")
	fmt.Fprintln(w, "worker stopped")
	return nil
}

// runTimerWorker drives each task to settlement. In-process timer
// wake-ups fire concurrently; the settle loop's own ticks are idempotent
// against them.
func runTimerWorker(ctx context.Context, w io.Writer, rt *runtime, taskIDs []uuid.UUID) error {
	blocked := 0
	for _, taskID := range taskIDs {
		if ctxutil.Canceled(ctx) != nil {
			break
		}
		if err := waitForTask(ctx, w, rt, taskID); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			rt.logger.Error().
				Err(err).
				Str("task_id", taskID.String()).
				Msg("task did not complete")
			blocked++
		}
	}

	if ctxutil.Canceled(ctx) != nil {
		rt.logger.Info().Msg("worker interrupted")
		fmt.Fprintln(w, "worker interrupted")
		return nil
	}
	if blocked > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", blocked, len(taskIDs))
	}

	rt.logger.Info().Msg("worker stopped")
	fmt.Fprintln(w, "worker stopped")
	return nil
}
