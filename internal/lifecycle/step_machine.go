// Package lifecycle implements the task and step state machines.
//
// Machines hold an entity id and a handle to the transition store; they
// never hold references back into entity rows. Legality is checked against
// the transition tables below, then the write is delegated to the store's
// atomic append, which re-verifies the from-state inside the transaction.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/storage, std lib
//   - MUST NOT import: internal/engine, internal/cli
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

// StepTransitions defines all allowed state transitions in the step
// lifecycle. Format: from_state -> []to_states.
//
// The state machine follows this flow:
//
//	Pending → InProgress (dispatch)
//	InProgress → Complete (handler returned), Error (handler raised)
//	Error → InProgress (retry)
//	any non-terminal → Cancelled, ResolvedManually (operator)
//
//nolint:gochecknoglobals // Exported for testing and read-only lookup table
var StepTransitions = map[constants.StepState][]constants.StepState{
	constants.StepStatePending: {
		constants.StepStateInProgress,
		constants.StepStateCancelled,
		constants.StepStateResolvedManually,
	},
	constants.StepStateInProgress: {
		constants.StepStateComplete,
		constants.StepStateError,
		constants.StepStateCancelled,
		constants.StepStateResolvedManually,
	},
	constants.StepStateError: {
		constants.StepStateInProgress,
		constants.StepStateCancelled,
		constants.StepStateResolvedManually,
	},
}

// terminalStepStates are states with no outgoing edges. Intentionally
// duplicated from StepTransitions for O(1) lookup.
//
//nolint:gochecknoglobals // Read-only lookup table
var terminalStepStates = map[constants.StepState]bool{
	constants.StepStateComplete:         true,
	constants.StepStateResolvedManually: true,
	constants.StepStateCancelled:        true,
}

// IsValidStepTransition checks if a step may move from one state to another.
// Self-transitions are never valid.
func IsValidStepTransition(from, to constants.StepState) bool {
	if from == to {
		return false
	}
	for _, target := range StepTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminalStepState returns true for states with no outgoing edges:
// Complete, ResolvedManually, Cancelled.
func IsTerminalStepState(state constants.StepState) bool {
	return terminalStepStates[state]
}

// IsSuccessStepState returns true for the states dependents treat as
// satisfied: Complete and ResolvedManually.
func IsSuccessStepState(state constants.StepState) bool {
	return state == constants.StepStateComplete ||
		state == constants.StepStateResolvedManually
}

// StepMachine governs one workflow step's transitions. It carries the step
// id and the transition store, nothing else.
type StepMachine struct {
	stepID uuid.UUID
	log    storage.TransitionStore
}

// StepMachineFor returns a machine bound to the given step.
func StepMachineFor(stepID uuid.UUID, log storage.TransitionStore) *StepMachine {
	return &StepMachine{stepID: stepID, log: log}
}

// CurrentState reads the step's most-recent transition state. Steps created
// by the task graph insert always have at least their initial pending row.
func (m *StepMachine) CurrentState(ctx context.Context) (constants.StepState, error) {
	return m.log.CurrentStepState(ctx, m.stepID)
}

// TransitionTo validates the edge from → to and appends the transition. An
// illegal edge returns ErrInvalidTransition without touching the store; a
// from-state that no longer matches the stored state surfaces the store's
// ErrConcurrencyConflict.
func (m *StepMachine) TransitionTo(ctx context.Context, from, to constants.StepState, metadata json.RawMessage, at time.Time) (*domain.WorkflowStepTransition, error) {
	if !IsValidStepTransition(from, to) {
		return nil, errors.Wrapf(errors.ErrInvalidTransition,
			"step %s cannot move from %s to %s", m.stepID, from, to)
	}
	return m.log.AppendStepTransition(ctx, m.stepID, from, to, metadata, at)
}
