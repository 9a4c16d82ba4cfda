package storage

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
)

// ContextCounts is the raw aggregate row the execution-context queries
// produce for one task. Both store implementations return these counts from
// one set-oriented query; the enum derivation lives here so the two dialects
// cannot drift apart.
type ContextCounts struct {
	// TaskID identifies the task.
	TaskID uuid.UUID

	// TaskState is the task's most-recent transition state.
	TaskState constants.TaskState

	// Total counts all steps of the task.
	Total int

	// Pending counts steps whose current state is pending.
	Pending int

	// InProgress counts steps whose current state is in_progress.
	InProgress int

	// Completed counts steps in complete or resolved_manually.
	Completed int

	// Failed counts steps whose current state is error.
	Failed int

	// Ready counts unprocessed steps with ready_for_execution true.
	Ready int

	// PermanentlyBlocked counts error steps whose attempt budget is
	// exhausted or whose retryable flag is off.
	PermanentlyBlocked int

	// EarliestRetryAt is the minimum future next_retry_at across the
	// task's steps, nil when no step is inside a backoff window.
	EarliestRetryAt *time.Time
}

// BuildExecutionContext derives the execution status, recommended action,
// health, and completion percentage from one task's counts.
//
// Execution status is evaluated first match wins: has_ready_steps,
// processing, blocked_by_failures, all_complete, waiting_for_dependencies.
// blocked_by_failures requires a permanently blocked step; failures that are
// merely waiting out a backoff window never produce it.
func BuildExecutionContext(c ContextCounts) *domain.ExecutionContext {
	status := executionStatus(c)

	return &domain.ExecutionContext{
		TaskID:                  c.TaskID,
		TaskState:               c.TaskState,
		TotalSteps:              c.Total,
		PendingSteps:            c.Pending,
		InProgressSteps:         c.InProgress,
		CompletedSteps:          c.Completed,
		FailedSteps:             c.Failed,
		ReadySteps:              c.Ready,
		PermanentlyBlockedSteps: c.PermanentlyBlocked,
		ExecutionStatus:         status,
		RecommendedAction:       recommendedAction(status),
		CompletionPercentage:    completionPercentage(c.Completed, c.Total),
		HealthStatus:            healthStatus(c),
		EarliestRetryAt:         c.EarliestRetryAt,
	}
}

// executionStatus picks the single-enum verdict for the counts.
func executionStatus(c ContextCounts) constants.ExecutionStatus {
	switch {
	case c.Ready > 0:
		return constants.ExecutionStatusHasReadySteps
	case c.InProgress > 0:
		return constants.ExecutionStatusProcessing
	case c.PermanentlyBlocked > 0:
		// Ready is zero here, so the block is unescapable without an
		// operator: the task can never finish all of its steps.
		return constants.ExecutionStatusBlockedByFailures
	case c.Total > 0 && c.Completed == c.Total:
		return constants.ExecutionStatusAllComplete
	default:
		return constants.ExecutionStatusWaitingForDependencies
	}
}

// recommendedAction maps an execution status to its paired action.
func recommendedAction(s constants.ExecutionStatus) constants.RecommendedAction {
	switch s {
	case constants.ExecutionStatusHasReadySteps:
		return constants.ActionExecuteReadySteps
	case constants.ExecutionStatusProcessing:
		return constants.ActionWaitForCompletion
	case constants.ExecutionStatusBlockedByFailures:
		return constants.ActionHandleFailures
	case constants.ExecutionStatusAllComplete:
		return constants.ActionFinalizeTask
	case constants.ExecutionStatusWaitingForDependencies:
		return constants.ActionWaitForDependencies
	}
	return constants.ActionWaitForDependencies
}

// healthStatus summarizes the task's failure posture. A failure waiting out
// a backoff window reports recovering, never blocked; blocked requires at
// least one permanently blocked step with nothing ready.
func healthStatus(c ContextCounts) constants.HealthStatus {
	switch {
	case c.Failed == 0:
		return constants.HealthHealthy
	case c.Ready > 0:
		return constants.HealthRecovering
	case c.PermanentlyBlocked > 0:
		return constants.HealthBlocked
	case c.Failed > 0 && c.PermanentlyBlocked == 0:
		return constants.HealthRecovering
	default:
		return constants.HealthUnknown
	}
}

// completionPercentage is round(100 * completed / total, 2), zero for an
// empty task.
func completionPercentage(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*10000) / 100
}
