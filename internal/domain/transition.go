package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// TaskTransition is one append-only history row for a task. Exactly one row
// per task has MostRecent set; SortKey increases by one per append with no
// gaps. Rows are never updated after insertion except to clear MostRecent
// on the previously-current row.
type TaskTransition struct {
	// TaskTransitionID is the unique identifier for the row.
	TaskTransitionID uuid.UUID `json:"task_transition_id"`

	// TaskID references the task this row belongs to.
	TaskID uuid.UUID `json:"task_id"`

	// ToState is the state the task moved to.
	ToState constants.TaskState `json:"to_state"`

	// FromState is the state the task moved from. Empty on the initial
	// transition (stored as NULL).
	FromState constants.TaskState `json:"from_state,omitempty"`

	// Metadata carries structured context about the transition (error
	// messages, initiators, attempt numbers).
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// SortKey orders transitions per task, starting at 1.
	SortKey int64 `json:"sort_key"`

	// MostRecent marks the row that defines the task's current state.
	MostRecent bool `json:"most_recent"`

	// CreatedAt is when the transition was appended.
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowStepTransition is one append-only history row for a workflow
// step, with the same flag and sort-key semantics as TaskTransition.
type WorkflowStepTransition struct {
	// WorkflowStepTransitionID is the unique identifier for the row.
	WorkflowStepTransitionID uuid.UUID `json:"workflow_step_transition_id"`

	// WorkflowStepID references the step this row belongs to.
	WorkflowStepID uuid.UUID `json:"workflow_step_id"`

	// ToState is the state the step moved to.
	ToState constants.StepState `json:"to_state"`

	// FromState is the state the step moved from. Empty on the initial
	// transition (stored as NULL).
	FromState constants.StepState `json:"from_state,omitempty"`

	// Metadata carries structured context about the transition.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// SortKey orders transitions per step, starting at 1.
	SortKey int64 `json:"sort_key"`

	// MostRecent marks the row that defines the step's current state.
	MostRecent bool `json:"most_recent"`

	// CreatedAt is when the transition was appended.
	CreatedAt time.Time `json:"created_at"`
}
