package cli

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// AddProcessCommand registers the process command on the root command.
func AddProcessCommand(rootCmd *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "process <task-id>",
		Short: "Run one processing tick for a task",
		Long: `Run one tick for the task: discover viable steps, execute them on the
worker pool, and finalize, repeating until the task settles, schedules a
wake-up, or is left waiting on in-flight or backoff work.

Ticking a terminal task is a no-op, so duplicate invocations are
harmless. The tick's outcome is printed as the task's execution context.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrapf(errors.ErrInvalidArgument, "task id %q: %v", args[0], err)
			}

			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runProcess(cmd.Context(), cmd.OutOrStdout(), rt, taskID)
		},
	}

	rootCmd.AddCommand(cmd)
}

// runProcess executes the process command.
func runProcess(ctx context.Context, w io.Writer, rt *runtime, taskID uuid.UUID) error {
	if err := rt.coord.ProcessTask(ctx, taskID); err != nil {
		return err
	}

	ec, err := rt.store.TaskExecutionContext(ctx, taskID, time.Now().UTC())
	if err != nil {
		return err
	}

	writeExecutionSummary(w, ec)
	return nil
}
