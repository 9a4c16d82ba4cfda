package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// ExecutionContext is the per-task roll-up over the step readiness rows:
// counts, the single-enum execution status, the paired recommended action,
// and a health summary. It is what the finalizer consults after a batch and
// what operators see in status output.
type ExecutionContext struct {
	// TaskID identifies the task this context describes.
	TaskID uuid.UUID `json:"task_id"`

	// TaskState is the task's current transition state.
	TaskState constants.TaskState `json:"task_state"`

	// TotalSteps counts all steps of the task.
	TotalSteps int `json:"total_steps"`

	// PendingSteps counts steps whose current state is pending.
	PendingSteps int `json:"pending_steps"`

	// InProgressSteps counts steps whose current state is in_progress.
	InProgressSteps int `json:"in_progress_steps"`

	// CompletedSteps counts steps in complete or resolved_manually.
	CompletedSteps int `json:"completed_steps"`

	// FailedSteps counts steps whose current state is error.
	FailedSteps int `json:"failed_steps"`

	// ReadySteps counts steps with ready_for_execution true.
	ReadySteps int `json:"ready_steps"`

	// PermanentlyBlockedSteps counts error steps whose attempt budget is
	// exhausted. This is what distinguishes blocked from waiting-on-backoff.
	PermanentlyBlockedSteps int `json:"permanently_blocked_steps"`

	// ExecutionStatus is the single-enum verdict, first match wins:
	// has_ready_steps, processing, blocked_by_failures, all_complete,
	// waiting_for_dependencies.
	ExecutionStatus constants.ExecutionStatus `json:"execution_status"`

	// RecommendedAction pairs one-to-one with ExecutionStatus.
	RecommendedAction constants.RecommendedAction `json:"recommended_action"`

	// CompletionPercentage is round(100 * completed / total, 2), zero for
	// an empty task.
	CompletionPercentage float64 `json:"completion_percentage"`

	// HealthStatus summarizes failure posture: healthy, recovering,
	// blocked, or unknown.
	HealthStatus constants.HealthStatus `json:"health_status"`

	// EarliestRetryAt is the minimum future next_retry_at across the
	// task's steps, if any. The finalizer derives reenqueue delays from it.
	EarliestRetryAt *time.Time `json:"earliest_retry_at,omitempty"`
}
