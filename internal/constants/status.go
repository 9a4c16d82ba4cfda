package constants

// TaskState represents the state of a task in the task state machine.
// State values use snake_case for JSON and database serialization.
type TaskState string

// Task state constants define the valid states a task can be in.
// These follow the task state machine:
//
//	Pending → InProgress
//	InProgress → Complete, Error, Cancelled
//	Error → InProgress (operator-initiated retry)
const (
	// TaskStatePending indicates a task is persisted but not yet picked up.
	TaskStatePending TaskState = "pending"

	// TaskStateInProgress indicates the task is being processed by a worker.
	TaskStateInProgress TaskState = "in_progress"

	// TaskStateComplete indicates every step finished and the task is done.
	TaskStateComplete TaskState = "complete"

	// TaskStateError indicates the task is permanently blocked by step
	// failures. An operator retry (→ InProgress) is the only way out.
	TaskStateError TaskState = "error"

	// TaskStateCancelled indicates the task was cancelled by an operator.
	TaskStateCancelled TaskState = "cancelled"
)

// String returns the string representation of the TaskState.
// This implements fmt.Stringer for convenient logging and debugging.
func (s TaskState) String() string {
	return string(s)
}

// StepState represents the state of a workflow step in the step state machine.
// State values use snake_case for JSON and database serialization.
type StepState string

// Step state constants define the valid states a workflow step can be in.
// These follow the step state machine:
//
//	Pending → InProgress
//	InProgress → Complete, Error
//	Error → InProgress (retry)
//	any non-terminal → Cancelled, ResolvedManually (operator)
const (
	// StepStatePending indicates the step has never been dispatched.
	StepStatePending StepState = "pending"

	// StepStateInProgress indicates a worker claimed the step and its
	// handler is executing.
	StepStateInProgress StepState = "in_progress"

	// StepStateComplete indicates the handler returned successfully.
	StepStateComplete StepState = "complete"

	// StepStateError indicates the handler failed. The step may be retried
	// (→ InProgress) until its retry limit is exhausted.
	StepStateError StepState = "error"

	// StepStateResolvedManually indicates an operator marked the step
	// resolved. Dependents treat it the same as Complete.
	StepStateResolvedManually StepState = "resolved_manually"

	// StepStateCancelled indicates the step was cancelled along with its task.
	StepStateCancelled StepState = "cancelled"
)

// String returns the string representation of the StepState.
func (s StepState) String() string {
	return string(s)
}

// ExecutionStatus is the single-enum roll-up of a task's step readiness,
// computed by the execution context aggregator.
type ExecutionStatus string

// Execution status constants, in evaluation order (first match wins).
const (
	// ExecutionStatusHasReadySteps indicates at least one step is ready to
	// dispatch right now.
	ExecutionStatusHasReadySteps ExecutionStatus = "has_ready_steps"

	// ExecutionStatusProcessing indicates no step is ready but at least one
	// is in progress.
	ExecutionStatusProcessing ExecutionStatus = "processing"

	// ExecutionStatusBlockedByFailures indicates at least one step has
	// exhausted its retries and nothing is ready. Transient backoff never
	// produces this status.
	ExecutionStatusBlockedByFailures ExecutionStatus = "blocked_by_failures"

	// ExecutionStatusAllComplete indicates every step of a non-empty task
	// reached a terminal success state.
	ExecutionStatusAllComplete ExecutionStatus = "all_complete"

	// ExecutionStatusWaitingForDependencies indicates the task is idle:
	// steps are waiting on parents or on retry backoff windows.
	ExecutionStatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// String returns the string representation of the ExecutionStatus.
func (s ExecutionStatus) String() string {
	return string(s)
}

// RecommendedAction is the aggregator's one-to-one advice for an
// ExecutionStatus, consumed by the task finalizer.
type RecommendedAction string

// Recommended action constants, each paired with one execution status.
const (
	// ActionExecuteReadySteps pairs with ExecutionStatusHasReadySteps.
	ActionExecuteReadySteps RecommendedAction = "execute_ready_steps"

	// ActionWaitForCompletion pairs with ExecutionStatusProcessing.
	ActionWaitForCompletion RecommendedAction = "wait_for_completion"

	// ActionHandleFailures pairs with ExecutionStatusBlockedByFailures.
	ActionHandleFailures RecommendedAction = "handle_failures"

	// ActionFinalizeTask pairs with ExecutionStatusAllComplete.
	ActionFinalizeTask RecommendedAction = "finalize_task"

	// ActionWaitForDependencies pairs with ExecutionStatusWaitingForDependencies.
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

// String returns the string representation of the RecommendedAction.
func (a RecommendedAction) String() string {
	return string(a)
}

// HealthStatus summarizes how a task is faring, independent of what the
// finalizer should do next.
type HealthStatus string

// Health status constants.
const (
	// HealthHealthy indicates no step has failed.
	HealthHealthy HealthStatus = "healthy"

	// HealthRecovering indicates failures exist but none are permanent,
	// or ready steps remain despite failures.
	HealthRecovering HealthStatus = "recovering"

	// HealthBlocked indicates permanently failed steps with nothing ready.
	HealthBlocked HealthStatus = "blocked"

	// HealthUnknown indicates none of the above could be established.
	HealthUnknown HealthStatus = "unknown"
)

// String returns the string representation of the HealthStatus.
func (h HealthStatus) String() string {
	return string(h)
}
