package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// DependentSystem names the external system a step interacts with, so
// observability and audit can trace which collaborator a step concerns.
type DependentSystem struct {
	// DependentSystemID is the unique identifier for the system.
	DependentSystemID uuid.UUID `json:"dependent_system_id"`

	// Name is the unique system name.
	Name string `json:"name"`

	// Description is optional documentation.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NamedStep is a reusable step definition, unique per
// (dependent_system, name).
type NamedStep struct {
	// NamedStepID is the unique identifier for the named step.
	NamedStepID uuid.UUID `json:"named_step_id"`

	// DependentSystemID references the system this step concerns.
	DependentSystemID uuid.UUID `json:"dependent_system_id"`

	// Name is the step name, unique within its dependent system.
	Name string `json:"name"`

	// Description is optional documentation.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NamedTaskStep links a named step into a named task's template and carries
// the per-task-step defaults applied when workflow steps are materialized.
type NamedTaskStep struct {
	// NamedTaskStepID is the unique identifier for the link row.
	NamedTaskStepID uuid.UUID `json:"named_task_step_id"`

	// NamedTaskID references the owning named task.
	NamedTaskID uuid.UUID `json:"named_task_id"`

	// NamedStepID references the reusable step definition.
	NamedStepID uuid.UUID `json:"named_step_id"`

	// Skippable marks steps the submitter may bypass.
	Skippable bool `json:"skippable"`

	// DefaultRetryable seeds workflow_steps.retryable at creation.
	DefaultRetryable bool `json:"default_retryable"`

	// DefaultRetryLimit seeds workflow_steps.retry_limit at creation.
	DefaultRetryLimit int32 `json:"default_retry_limit"`

	// CreatedAt is when the link row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the link row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowStep is one node of a task's DAG. Its current state lives in the
// most-recent workflow step transition; the row itself carries the retry
// bookkeeping the readiness queries evaluate.
//
// Nullable retry columns keep their database NULL-ness as nil pointers; use
// the Effective accessors for the defaulted values.
type WorkflowStep struct {
	// WorkflowStepID is the unique identifier for the step.
	WorkflowStepID uuid.UUID `json:"workflow_step_id"`

	// TaskID references the owning task. Steps never move between tasks.
	TaskID uuid.UUID `json:"task_id"`

	// NamedStepID references the reusable step definition.
	NamedStepID uuid.UUID `json:"named_step_id"`

	// Name is the named step's name, populated by store reads that join
	// named_steps. It is not a column on the workflow_steps table.
	Name string `json:"name,omitempty"`

	// Retryable, when set, overrides the default retryability. NULL means
	// retryable.
	Retryable *bool `json:"retryable,omitempty"`

	// RetryLimit, when set, overrides the default attempt budget. NULL
	// means the configured default (3).
	RetryLimit *int32 `json:"retry_limit,omitempty"`

	// InProcess is the worker claim flag, flipped by compare-and-set.
	InProcess bool `json:"in_process"`

	// Processed marks the step terminally finished (complete or resolved
	// manually). Processed steps are never selected for execution again.
	Processed bool `json:"processed"`

	// ProcessedAt is when Processed flipped true.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// Attempts counts handler invocations. NULL means zero.
	Attempts *int32 `json:"attempts,omitempty"`

	// LastAttemptedAt is when the last handler invocation finished.
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`

	// BackoffRequestSeconds is an explicit retry delay requested by the
	// handler's failure. It takes precedence over the exponential backoff.
	BackoffRequestSeconds *int64 `json:"backoff_request_seconds,omitempty"`

	// Inputs is the step's immutable input document, set at creation.
	Inputs json.RawMessage `json:"inputs,omitempty"`

	// Results is the handler's returned value, written on completion.
	Results json.RawMessage `json:"results,omitempty"`

	// Skippable marks steps the submitter may bypass.
	Skippable bool `json:"skippable"`

	// CreatedAt is when the step row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the step row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveAttempts returns Attempts with NULL treated as 0.
func (s *WorkflowStep) EffectiveAttempts() int32 {
	if s.Attempts == nil {
		return 0
	}
	return *s.Attempts
}

// EffectiveRetryLimit returns RetryLimit with NULL treated as the default.
func (s *WorkflowStep) EffectiveRetryLimit() int32 {
	if s.RetryLimit == nil {
		return constants.DefaultRetryLimit
	}
	return *s.RetryLimit
}

// EffectiveRetryable returns Retryable with NULL treated as true.
func (s *WorkflowStep) EffectiveRetryable() bool {
	if s.Retryable == nil {
		return constants.DefaultRetryable
	}
	return *s.Retryable
}

// WorkflowStepEdge is a directed dependency edge between two steps of the
// same task: the To step may not run until the From step reaches a terminal
// success state. Edges are only written at task creation, which is what
// keeps the graph acyclic.
type WorkflowStepEdge struct {
	// WorkflowStepEdgeID is the unique identifier for the edge.
	WorkflowStepEdgeID uuid.UUID `json:"workflow_step_edge_id"`

	// FromStepID is the prerequisite step.
	FromStepID uuid.UUID `json:"from_step_id"`

	// ToStepID is the dependent step.
	ToStepID uuid.UUID `json:"to_step_id"`

	// Name labels the edge for diagnostics ("provides", "succeeds", ...).
	Name string `json:"name"`

	// CreatedAt is when the edge row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the edge row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}
