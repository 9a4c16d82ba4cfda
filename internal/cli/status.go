package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// statusFlags holds the status command's flag values.
type statusFlags struct {
	all       bool
	namespace string
	taskName  string
	version   string
	limit     int
}

// AddStatusCommand registers the status command on the root command.
func AddStatusCommand(rootCmd *cobra.Command, a *app) {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show a task's execution context or system-wide health",
		Long: `Show where a task stands: its execution context (step counts, execution
status, recommended action, health, completion percentage) and the
per-step readiness table.

With --all, show system-wide health counts and the slowest tasks and
steps instead, optionally narrowed by --namespace, --task, and
--version.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case flags.all && len(args) > 0:
				return errors.Wrap(errors.ErrInvalidArgument, "--all does not take a task id")
			case !flags.all && len(args) == 0:
				return errors.Wrap(errors.ErrInvalidArgument, "pass a task id, or --all for the system view")
			}

			store, err := openStore(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if flags.all {
				return runStatusAll(cmd.Context(), cmd.OutOrStdout(), store, flags)
			}

			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrapf(errors.ErrInvalidArgument, "task id %q: %v", args[0], err)
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), store, taskID)
		},
	}

	cmd.Flags().BoolVar(&flags.all, "all", false, "show system-wide health and the slowest tasks and steps")
	cmd.Flags().StringVar(&flags.namespace, "namespace", "", "narrow --all reports to one namespace")
	cmd.Flags().StringVar(&flags.taskName, "task", "", "narrow --all reports to one named task")
	cmd.Flags().StringVar(&flags.version, "version", "", "narrow --all reports to one template version")
	cmd.Flags().IntVar(&flags.limit, "limit", storage.DefaultAnalyticsLimit, "rows per --all report")

	rootCmd.AddCommand(cmd)
}

// runStatus executes the single-task mode: execution context roll-up plus
// the per-step table.
func runStatus(ctx context.Context, w io.Writer, store storage.Store, taskID uuid.UUID) error {
	task, err := store.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ec, err := store.TaskExecutionContext(ctx, taskID, now)
	if err != nil {
		return err
	}

	writeExecutionSummary(w, ec)
	if task.Initiator != "" || task.SourceSystem != "" {
		fmt.Fprintf(w, "  submitted by %s from %s at %s\n",
			orDash(task.Initiator), orDash(task.SourceSystem), task.RequestedAt.Format(time.RFC3339))
	}

	steps, err := store.StepsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	readiness, err := store.StepReadiness(ctx, taskID, nil, now)
	if err != nil {
		return err
	}

	byStep := make(map[uuid.UUID]*domain.StepReadiness, len(readiness))
	for i := range readiness {
		byStep[readiness[i].WorkflowStepID] = &readiness[i]
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATE\tREADY\tDEPS\tATTEMPTS\tNEXT RETRY")

	for _, step := range steps {
		if r, ok := byStep[step.WorkflowStepID]; ok {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d/%d\t%s\n",
				r.StepName,
				displayCase(r.CurrentState.String()),
				yesNo(r.ReadyForExecution),
				r.CompletedParents, r.TotalParents,
				r.Attempts, r.RetryLimit,
				nextRetryDisplay(r, now),
			)
			continue
		}

		// Processed steps are excluded from readiness rows; their state
		// comes from the transition log.
		state, err := store.CurrentStepState(ctx, step.WorkflowStepID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t-\t-\t%d/%d\t-\n",
			step.Name,
			displayCase(state.String()),
			step.EffectiveAttempts(), step.EffectiveRetryLimit(),
		)
	}

	return tw.Flush()
}

// runStatusAll executes the system-wide mode: health counts plus the
// slowest tasks and steps honoring the filters.
func runStatusAll(ctx context.Context, w io.Writer, store storage.Store, flags *statusFlags) error {
	now := time.Now().UTC()

	health, err := store.SystemHealth(ctx, now)
	if err != nil {
		return err
	}
	writeSystemHealth(w, health)

	filters := storage.AnalyticsFilters{
		Namespace: flags.namespace,
		TaskName:  flags.taskName,
		Version:   flags.version,
	}

	tasks, err := store.SlowestTasks(ctx, now, flags.limit, filters)
	if err != nil {
		return err
	}
	if err := writeSlowestTasks(w, tasks); err != nil {
		return err
	}

	steps, err := store.SlowestSteps(ctx, now, flags.limit, filters)
	if err != nil {
		return err
	}
	return writeSlowestSteps(w, steps)
}

// writeExecutionSummary prints one task's execution context roll-up.
// Shared by status, process, and submit --wait.
func writeExecutionSummary(w io.Writer, ec *domain.ExecutionContext) {
	fmt.Fprintf(w, "task %s: %s (%s%% complete, health %s)\n",
		ec.TaskID,
		displayCase(ec.TaskState.String()),
		strconv.FormatFloat(ec.CompletionPercentage, 'f', -1, 64),
		displayCase(ec.HealthStatus.String()),
	)
	fmt.Fprintf(w, "  steps: %d total, %d complete, %d in progress, %d pending, %d failed (%d permanently), %d ready\n",
		ec.TotalSteps, ec.CompletedSteps, ec.InProgressSteps, ec.PendingSteps,
		ec.FailedSteps, ec.PermanentlyBlockedSteps, ec.ReadySteps,
	)
	fmt.Fprintf(w, "  execution status: %s; recommended action: %s\n",
		displayCase(ec.ExecutionStatus.String()),
		displayCase(ec.RecommendedAction.String()),
	)
	if ec.EarliestRetryAt != nil {
		fmt.Fprintf(w, "  earliest retry at %s\n", ec.EarliestRetryAt.Format(time.RFC3339))
	}
}

// writeSystemHealth prints the system-wide counts.
func writeSystemHealth(w io.Writer, h *domain.SystemHealthCounts) {
	fmt.Fprintln(w, "system health")
	fmt.Fprintf(w, "  tasks: %d total (%d pending, %d in progress, %d complete, %d error, %d cancelled)\n",
		h.TotalTasks, h.PendingTasks, h.InProgressTasks, h.CompleteTasks, h.ErrorTasks, h.CancelledTasks)
	fmt.Fprintf(w, "  steps: %d total (%d pending, %d in progress, %d complete, %d error)\n",
		h.TotalSteps, h.PendingSteps, h.InProgressSteps, h.CompleteSteps, h.ErrorSteps)
	fmt.Fprintf(w, "  retry posture: %d retryable, %d exhausted, %d in backoff\n",
		h.RetryableErrorSteps, h.ExhaustedRetrySteps, h.InBackoffSteps)
}

// writeSlowestTasks prints the slowest-tasks report.
func writeSlowestTasks(w io.Writer, tasks []domain.SlowestTask) error {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "slowest tasks")
	if len(tasks) == 0 {
		fmt.Fprintln(w, "  none recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  DURATION\tTASK\tSTEPS\tSTARTED\tTASK ID")
	for _, t := range tasks {
		fmt.Fprintf(tw, "  %s\t%s/%s@%s\t%d/%d\t%s\t%s\n",
			displayDuration(t.DurationSeconds),
			t.Namespace, t.TaskName, t.Version,
			t.CompletedSteps, t.TotalSteps,
			t.StartedAt.Format(time.RFC3339),
			t.TaskID,
		)
	}
	return tw.Flush()
}

// writeSlowestSteps prints the slowest-steps report.
func writeSlowestSteps(w io.Writer, steps []domain.SlowestStep) error {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "slowest steps")
	if len(steps) == 0 {
		fmt.Fprintln(w, "  none recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  DURATION\tSTEP\tTASK\tATTEMPTS\tTASK ID")
	for _, s := range steps {
		fmt.Fprintf(tw, "  %s\t%s\t%s/%s@%s\t%d\t%s\n",
			displayDuration(s.DurationSeconds),
			s.StepName,
			s.Namespace, s.TaskName, s.Version,
			s.Attempts,
			s.TaskID,
		)
	}
	return tw.Flush()
}

// displayCase renders a snake_case enum value for humans:
// "blocked_by_failures" becomes "Blocked By Failures".
func displayCase(v string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(v, "_", " "))
}

// displayDuration renders fractional seconds compactly.
func displayDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

// nextRetryDisplay renders when a held step becomes eligible again.
func nextRetryDisplay(r *domain.StepReadiness, now time.Time) string {
	if r.NextRetryAt == nil {
		return "-"
	}
	until := r.NextRetryAt.Sub(now).Round(time.Second)
	if until <= 0 {
		return "now"
	}
	return "in " + until.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
