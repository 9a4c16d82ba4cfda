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
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
)

func TestStore_CreateTaskGraph(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate", "charge", "notify")

	t.Run("persists task, steps, edges, and initial transitions", func(t *testing.T) {
		task := &domain.Task{
			TaskID:       uuid.New(),
			NamedTaskID:  f.namedTask.NamedTaskID,
			RequestedAt:  testBase,
			Initiator:    "billing-api",
			SourceSystem: "orders",
			Reason:       "invoice 4421 settlement",
			Tags:         []string{"invoice", "priority"},
			BypassSteps:  []string{"notify"},
			Context:      json.RawMessage(`{"invoice_id":4421}`),
			IdentityHash: "hash-create-roundtrip",
		}
		steps := []*domain.WorkflowStep{
			{WorkflowStepID: uuid.New(), TaskID: task.TaskID, NamedStepID: f.namedSteps["validate"]},
			{WorkflowStepID: uuid.New(), TaskID: task.TaskID, NamedStepID: f.namedSteps["charge"]},
		}
		edges := []domain.WorkflowStepEdge{{
			WorkflowStepEdgeID: uuid.New(),
			FromStepID:         steps[0].WorkflowStepID,
			ToStepID:           steps[1].WorkflowStepID,
			Name:               "provides",
		}}

		require.NoError(t, store.CreateTaskGraph(ctx, task, steps, edges, testBase))

		got, err := store.TaskByID(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.NamedTaskID, got.NamedTaskID)
		assert.False(t, got.Complete)
		assert.Equal(t, "billing-api", got.Initiator)
		assert.Equal(t, "orders", got.SourceSystem)
		assert.Equal(t, "invoice 4421 settlement", got.Reason)
		assert.Equal(t, []string{"invoice", "priority"}, got.Tags)
		assert.Equal(t, []string{"notify"}, got.BypassSteps)
		assert.JSONEq(t, `{"invoice_id":4421}`, string(got.Context))
		assert.Equal(t, testBase, got.RequestedAt)

		gotSteps, err := store.StepsByTask(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, gotSteps, 2)
		assert.Equal(t, "validate", gotSteps[0].Name)
		assert.Nil(t, gotSteps[0].Retryable, "NULL retry columns stay NULL")
		assert.Nil(t, gotSteps[0].RetryLimit)
		assert.Nil(t, gotSteps[0].Attempts)

		gotEdges, err := store.EdgesByTask(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, gotEdges, 1)
		assert.Equal(t, steps[0].WorkflowStepID, gotEdges[0].FromStepID)
		assert.Equal(t, steps[1].WorkflowStepID, gotEdges[0].ToStepID)

		state, err := store.CurrentTaskState(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatePending, state)
		for _, step := range steps {
			stepState, err := store.CurrentStepState(ctx, step.WorkflowStepID)
			require.NoError(t, err)
			assert.Equal(t, constants.StepStatePending, stepState)
		}
	})

	t.Run("duplicate identity hash persists nothing", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		dup := &domain.Task{
			TaskID:       uuid.New(),
			NamedTaskID:  f.namedTask.NamedTaskID,
			RequestedAt:  testBase,
			IdentityHash: task.IdentityHash,
		}
		dupStep := &domain.WorkflowStep{
			WorkflowStepID: uuid.New(),
			TaskID:         dup.TaskID,
			NamedStepID:    f.namedSteps["validate"],
		}

		err := store.CreateTaskGraph(ctx, dup, []*domain.WorkflowStep{dupStep}, nil, testBase)
		require.ErrorIs(t, err, taskererrors.ErrDuplicateTask)

		_, err = store.TaskByID(ctx, dup.TaskID)
		require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
		_, err = store.StepByID(ctx, dupStep.WorkflowStepID)
		require.ErrorIs(t, err, taskererrors.ErrStepNotFound)
	})

	t.Run("zero-step graph is allowed", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil)

		gotSteps, err := store.StepsByTask(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Empty(t, gotSteps)
	})
}

func TestStore_TaskByIdentityHash(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")

	t.Run("active lookup hits non-terminal states", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		active, err := store.ActiveTaskByIdentityHash(ctx, task.IdentityHash)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, active.TaskID)

		// Error tasks still dedup: an operator retry can revive them.
		_, err = store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateInProgress, nil, testBase)
		require.NoError(t, err)
		_, err = store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStateInProgress, constants.TaskStateError, nil, testBase)
		require.NoError(t, err)

		active, err = store.ActiveTaskByIdentityHash(ctx, task.IdentityHash)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, active.TaskID)
	})

	t.Run("terminal tasks stop deduplicating", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil, "validate")

		_, err := store.AppendTaskTransition(ctx, task.TaskID, constants.TaskStatePending, constants.TaskStateCancelled, nil, testBase)
		require.NoError(t, err)

		_, err = store.ActiveTaskByIdentityHash(ctx, task.IdentityHash)
		require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)

		// The any-state lookup still finds it.
		got, err := store.TaskByIdentityHash(ctx, task.IdentityHash)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, got.TaskID)
	})

	t.Run("miss returns not found", func(t *testing.T) {
		_, err := store.ActiveTaskByIdentityHash(ctx, "no-such-hash")
		require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
		_, err = store.TaskByIdentityHash(ctx, "no-such-hash")
		require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
	})
}

func TestStore_SetTaskComplete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")
	task, _ := f.createGraph(t, testBase, nil, "validate")

	require.NoError(t, store.SetTaskComplete(ctx, task.TaskID, testBase.Add(time.Minute)))

	got, err := store.TaskByID(ctx, task.TaskID)
	require.NoError(t, err)
	assert.True(t, got.Complete)

	err = store.SetTaskComplete(ctx, uuid.New(), testBase)
	require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
}

func TestStore_ListRecentTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")

	first, _ := f.createGraph(t, testBase, nil, "validate")
	second, _ := f.createGraph(t, testBase.Add(time.Minute), nil, "validate")
	third, _ := f.createGraph(t, testBase.Add(2*time.Minute), nil, "validate")

	tasks, err := store.ListRecentTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, third.TaskID, tasks[0].TaskID)
	assert.Equal(t, second.TaskID, tasks[1].TaskID)

	all, err := store.ListRecentTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.TaskID, all[2].TaskID)
}
