package domain

import (
	"time"

	"github.com/google/uuid"
)

// SlowestStep is one row of the slowest-steps report: how long a step's
// latest execution took, with enough identity to find it.
type SlowestStep struct {
	// WorkflowStepID identifies the step.
	WorkflowStepID uuid.UUID `json:"workflow_step_id"`

	// TaskID identifies the owning task.
	TaskID uuid.UUID `json:"task_id"`

	// StepName is the named step's name.
	StepName string `json:"step_name"`

	// TaskName is the owning named task's name.
	TaskName string `json:"task_name"`

	// Namespace is the owning task namespace's name.
	Namespace string `json:"namespace"`

	// Version is the owning named task's version.
	Version string `json:"version"`

	// DurationSeconds is the wall time from the step's first in_progress
	// transition to its completion, or to now for unfinished steps.
	DurationSeconds float64 `json:"duration_seconds"`

	// Attempts is the step's effective attempt count.
	Attempts int32 `json:"attempts"`

	// StartedAt is the step's first in_progress transition time.
	StartedAt time.Time `json:"started_at"`
}

// SlowestTask is one row of the slowest-tasks report.
type SlowestTask struct {
	// TaskID identifies the task.
	TaskID uuid.UUID `json:"task_id"`

	// TaskName is the named task's name.
	TaskName string `json:"task_name"`

	// Namespace is the task namespace's name.
	Namespace string `json:"namespace"`

	// Version is the named task's version.
	Version string `json:"version"`

	// DurationSeconds is the wall time from the task's first in_progress
	// transition to its completion, or to now for unfinished tasks.
	DurationSeconds float64 `json:"duration_seconds"`

	// TotalSteps counts the task's steps.
	TotalSteps int `json:"total_steps"`

	// CompletedSteps counts steps in a terminal success state.
	CompletedSteps int `json:"completed_steps"`

	// StartedAt is the task's first in_progress transition time.
	StartedAt time.Time `json:"started_at"`
}

// SystemHealthCounts is the system-wide health roll-up: task and step state
// counts plus the retry posture split the dashboards key off.
type SystemHealthCounts struct {
	// TotalTasks counts all tasks.
	TotalTasks int64 `json:"total_tasks"`

	// PendingTasks counts tasks currently in pending.
	PendingTasks int64 `json:"pending_tasks"`

	// InProgressTasks counts tasks currently in in_progress.
	InProgressTasks int64 `json:"in_progress_tasks"`

	// CompleteTasks counts tasks currently in complete.
	CompleteTasks int64 `json:"complete_tasks"`

	// ErrorTasks counts tasks currently in error.
	ErrorTasks int64 `json:"error_tasks"`

	// CancelledTasks counts tasks currently in cancelled.
	CancelledTasks int64 `json:"cancelled_tasks"`

	// TotalSteps counts all workflow steps.
	TotalSteps int64 `json:"total_steps"`

	// PendingSteps counts steps currently in pending.
	PendingSteps int64 `json:"pending_steps"`

	// InProgressSteps counts steps currently in in_progress.
	InProgressSteps int64 `json:"in_progress_steps"`

	// CompleteSteps counts steps in complete or resolved_manually.
	CompleteSteps int64 `json:"complete_steps"`

	// ErrorSteps counts steps currently in error.
	ErrorSteps int64 `json:"error_steps"`

	// RetryableErrorSteps counts error steps that still have attempt
	// budget and retryability.
	RetryableErrorSteps int64 `json:"retryable_error_steps"`

	// ExhaustedRetrySteps counts error steps whose attempt budget is spent
	// or whose retryable flag is off.
	ExhaustedRetrySteps int64 `json:"exhausted_retry_steps"`

	// InBackoffSteps counts retryable error steps currently held by a
	// backoff window.
	InBackoffSteps int64 `json:"in_backoff_steps"`
}
