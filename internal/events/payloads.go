package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
)

// TaskStartRequested asks the engine to run one tick for the task.
type TaskStartRequested struct {
	// Iteration is the tick-local discovery/execute/finalize cycle count,
	// zero on entry.
	Iteration int
}

// TaskStarted reports the task is in progress. The finalizer re-publishes it
// with an incremented iteration to loop within the same tick.
type TaskStarted struct {
	// Iteration is the tick-local cycle count.
	Iteration int
}

// ViableStepsDiscovered carries the readiness rows of the steps that may
// dispatch now. Steps may be empty; NoViableSteps follows when it is.
type ViableStepsDiscovered struct {
	// Iteration is the tick-local cycle count.
	Iteration int

	// Steps holds the ready steps' readiness rows.
	Steps []domain.StepReadiness
}

// NoViableSteps reports discovery found nothing ready to dispatch.
type NoViableSteps struct {
	// Iteration is the tick-local cycle count.
	Iteration int
}

// StepExecutionRequested reports one step is about to run.
type StepExecutionRequested struct {
	// StepID identifies the step.
	StepID uuid.UUID

	// StepName is the named step's name.
	StepName string

	// Attempt is the attempt number this execution will record.
	Attempt int32
}

// StepCompleted reports a handler returned successfully.
type StepCompleted struct {
	// StepID identifies the step.
	StepID uuid.UUID

	// StepName is the named step's name.
	StepName string

	// Attempt is the attempt number recorded by this execution.
	Attempt int32

	// Duration is the handler's wall time.
	Duration time.Duration
}

// StepFailed reports a handler failed.
type StepFailed struct {
	// StepID identifies the step.
	StepID uuid.UUID

	// StepName is the named step's name.
	StepName string

	// Attempt is the attempt number recorded by this execution.
	Attempt int32

	// Duration is the handler's wall time.
	Duration time.Duration

	// Message describes the failure.
	Message string

	// Retryable is false when the handler declared the failure permanent.
	Retryable bool

	// BackoffSeconds is the handler's explicit retry delay, if any.
	BackoffSeconds *int64
}

// FinalizationRequested asks the finalizer to read the execution context
// and decide the task's next move.
type FinalizationRequested struct {
	// Iteration is the tick-local cycle count.
	Iteration int
}

// TaskCompleted reports the task reached complete.
type TaskCompleted struct {
	// CompletedSteps counts the task's steps at completion.
	CompletedSteps int
}

// TaskFailed reports the task reached error.
type TaskFailed struct {
	// PermanentlyBlockedSteps counts the steps that exhausted their
	// retries and doomed the task.
	PermanentlyBlockedSteps int
}

// ReenqueueRequested asks the scheduler for a future wake-up.
type ReenqueueRequested struct {
	// Delay is the requested wait before the next tick, already clamped.
	Delay time.Duration

	// Reason documents why the wake-up was scheduled.
	Reason string
}
