package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// TaskTransitions defines all allowed state transitions in the task
// lifecycle. Format: from_state -> []to_states.
//
// The state machine follows this flow:
//
//	Pending → InProgress
//	InProgress → Complete, Error, Cancelled
//	Error → InProgress (operator-initiated retry)
//	Pending, Error → Cancelled (operator)
//
//nolint:gochecknoglobals // Exported for testing and read-only lookup table
var TaskTransitions = map[constants.TaskState][]constants.TaskState{
	constants.TaskStatePending: {
		constants.TaskStateInProgress,
		constants.TaskStateCancelled,
	},
	constants.TaskStateInProgress: {
		constants.TaskStateComplete,
		constants.TaskStateError,
		constants.TaskStateCancelled,
	},
	constants.TaskStateError: {
		constants.TaskStateInProgress,
		constants.TaskStateCancelled,
	},
}

// terminalTaskStates are states with no outgoing edges. Intentionally
// duplicated from TaskTransitions for O(1) lookup.
//
//nolint:gochecknoglobals // Read-only lookup table
var terminalTaskStates = map[constants.TaskState]bool{
	constants.TaskStateComplete:  true,
	constants.TaskStateCancelled: true,
}

// IsValidTaskTransition checks if a task may move from one state to another.
// Self-transitions are never valid.
func IsValidTaskTransition(from, to constants.TaskState) bool {
	if from == to {
		return false
	}
	for _, target := range TaskTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminalTaskState returns true for states with no outgoing edges:
// Complete and Cancelled. Error is not terminal; operators may retry it.
func IsTerminalTaskState(state constants.TaskState) bool {
	return terminalTaskStates[state]
}

// TaskMachine governs one task's transitions. It carries the task id and
// the transition store, nothing else.
type TaskMachine struct {
	taskID uuid.UUID
	log    storage.TransitionStore
}

// TaskMachineFor returns a machine bound to the given task.
func TaskMachineFor(taskID uuid.UUID, log storage.TransitionStore) *TaskMachine {
	return &TaskMachine{taskID: taskID, log: log}
}

// CurrentState reads the task's most-recent transition state.
func (m *TaskMachine) CurrentState(ctx context.Context) (constants.TaskState, error) {
	return m.log.CurrentTaskState(ctx, m.taskID)
}

// TransitionTo validates the edge from → to and appends the transition. An
// illegal edge returns ErrInvalidTransition without touching the store; a
// from-state that no longer matches the stored state surfaces the store's
// ErrConcurrencyConflict.
func (m *TaskMachine) TransitionTo(ctx context.Context, from, to constants.TaskState, metadata json.RawMessage, at time.Time) (*domain.TaskTransition, error) {
	if !IsValidTaskTransition(from, to) {
		return nil, errors.Wrapf(errors.ErrInvalidTransition,
			"task %s cannot move from %s to %s", m.taskID, from, to)
	}
	return m.log.AppendTaskTransition(ctx, m.taskID, from, to, metadata, at)
}
