package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
)

func TestStore_AppendTaskTransition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")

	t.Run("history is gapless with one most-recent row", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		_, err := store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateInProgress, nil, testBase.Add(time.Second))
		require.NoError(t, err)
		_, err = store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStateInProgress, constants.TaskStateComplete, nil, testBase.Add(2*time.Second))
		require.NoError(t, err)

		history, err := store.TaskTransitions(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, history, 3)

		recent := 0
		for i, tr := range history {
			assert.Equal(t, int64(i+1), tr.SortKey, "sort keys start at 1 with no gaps")
			if tr.MostRecent {
				recent++
			}
		}
		assert.Equal(t, 1, recent, "exactly one most-recent row")
		assert.True(t, history[2].MostRecent)

		assert.Equal(t, constants.TaskState(""), history[0].FromState, "initial transition has no from state")
		assert.Equal(t, constants.TaskStatePending, history[0].ToState)
		assert.Equal(t, constants.TaskStateInProgress, history[2].FromState)
		assert.Equal(t, constants.TaskStateComplete, history[2].ToState)
	})

	t.Run("stale from state loses", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		_, err := store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateInProgress, nil, testBase)
		require.NoError(t, err)

		// A second appender that still believes the task is pending.
		_, err = store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateCancelled, nil, testBase)
		require.ErrorIs(t, err, taskererrors.ErrConcurrencyConflict)

		state, err := store.CurrentTaskState(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStateInProgress, state, "losing append changes nothing")
	})

	t.Run("metadata rides along", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		meta := json.RawMessage(`{"initiator":"operator"}`)
		tr, err := store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateCancelled, meta, testBase)
		require.NoError(t, err)
		assert.Equal(t, int64(2), tr.SortKey)

		history, err := store.TaskTransitions(ctx, task.TaskID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"initiator":"operator"}`, string(history[1].Metadata))
	})
}

func TestStore_AppendStepTransition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")
	_, steps := f.createGraph(t, testBase, nil, "validate")
	stepID := steps["validate"].WorkflowStepID

	_, err := store.AppendStepTransition(ctx, stepID, constants.StepStatePending, constants.StepStateInProgress, nil, testBase.Add(time.Second))
	require.NoError(t, err)

	// Stale appender.
	_, err = store.AppendStepTransition(ctx, stepID, constants.StepStatePending, constants.StepStateInProgress, nil, testBase.Add(time.Second))
	require.ErrorIs(t, err, taskererrors.ErrConcurrencyConflict)

	history, err := store.StepTransitions(ctx, stepID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].SortKey)
	assert.Equal(t, int64(2), history[1].SortKey)
	assert.False(t, history[0].MostRecent)
	assert.True(t, history[1].MostRecent)
	assert.Equal(t, constants.StepStateInProgress, history[1].ToState)
}

func TestStore_CurrentState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("no transitions yet", func(t *testing.T) {
		_, err := store.CurrentTaskState(ctx, uuid.New())
		require.ErrorIs(t, err, taskererrors.ErrNoTransitions)

		_, err = store.CurrentStepState(ctx, uuid.New())
		require.ErrorIs(t, err, taskererrors.ErrNoTransitions)
	})

	t.Run("tracks the latest append", func(t *testing.T) {
		f := seedTemplate(t, store, "validate")
		task, steps := f.createGraph(t, testBase, nil, "validate")

		state, err := store.CurrentTaskState(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatePending, state)

		stepState, err := store.CurrentStepState(ctx, steps["validate"].WorkflowStepID)
		require.NoError(t, err)
		assert.Equal(t, constants.StepStatePending, stepState)
	})
}
