package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// StepReadiness is one row of the readiness computation: everything the
// engine needs to decide whether a step may be dispatched right now, plus
// the pass-through fields callers and debuggers want next to the verdict.
//
// The row is produced entirely by the store in one set-oriented query; the
// engine never recomputes these fields from raw rows.
type StepReadiness struct {
	// WorkflowStepID identifies the step this row describes.
	WorkflowStepID uuid.UUID `json:"workflow_step_id"`

	// TaskID identifies the owning task.
	TaskID uuid.UUID `json:"task_id"`

	// StepName is the named step's name, for logs and operators.
	StepName string `json:"step_name"`

	// CurrentState is the step's most-recent transition state, defaulting
	// to pending when no transition row exists yet.
	CurrentState constants.StepState `json:"current_state"`

	// DependenciesSatisfied is true when the step has no incoming edges or
	// every parent's current state is complete or resolved_manually.
	DependenciesSatisfied bool `json:"dependencies_satisfied"`

	// RetryEligible reports whether the retry ladder permits another
	// attempt now (attempt budget, retryability, and backoff windows).
	RetryEligible bool `json:"retry_eligible"`

	// ReadyForExecution is the dispatch verdict: viable state, not
	// processed, not claimed, dependencies satisfied, attempts remaining,
	// retryable, and no backoff window holding it.
	ReadyForExecution bool `json:"ready_for_execution"`

	// LastFailureAt is when the step last transitioned to error, if ever.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// NextRetryAt is the earliest time ReadyForExecution could flip true
	// for a step currently held by a backoff window. Nil when the step is
	// ready now, has never failed, or can never retry.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// TotalParents counts incoming edges.
	TotalParents int `json:"total_parents"`

	// CompletedParents counts parents in a terminal success state.
	CompletedParents int `json:"completed_parents"`

	// Attempts is the effective attempt count (NULL treated as 0).
	Attempts int32 `json:"attempts"`

	// RetryLimit is the effective attempt budget (NULL treated as the
	// configured default).
	RetryLimit int32 `json:"retry_limit"`

	// Retryable is the effective retryability (NULL treated as true).
	Retryable bool `json:"retryable"`

	// InProcess is the worker claim flag at query time.
	InProcess bool `json:"in_process"`

	// Processed is the terminal-finish flag at query time.
	Processed bool `json:"processed"`

	// BackoffRequestSeconds is the handler's explicit retry delay, if any.
	BackoffRequestSeconds *int64 `json:"backoff_request_seconds,omitempty"`

	// LastAttemptedAt is when the last handler invocation finished.
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
}
