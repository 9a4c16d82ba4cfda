package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// diamond materializes validate -> (charge, reserve) -> notify.
func diamond(t *testing.T, f *fixture, at time.Time) (taskID uuid.UUID, ids map[string]uuid.UUID) {
	t.Helper()
	task, steps := f.createGraph(t, at,
		map[string][]string{
			"charge":  {"validate"},
			"reserve": {"validate"},
			"notify":  {"charge", "reserve"},
		},
		"validate", "charge", "reserve", "notify")

	ids = make(map[string]uuid.UUID, len(steps))
	for name, step := range steps {
		ids[name] = step.WorkflowStepID
	}
	return task.TaskID, ids
}

func TestStore_StepReadiness_Dependencies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate", "charge", "reserve", "notify")

	t.Run("only roots start ready", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		rows, err := store.StepReadiness(ctx, taskID, nil, testBase)
		require.NoError(t, err)
		require.Len(t, rows, 4)

		validate := readinessFor(t, rows, ids["validate"])
		assert.True(t, validate.ReadyForExecution)
		assert.True(t, validate.DependenciesSatisfied)
		assert.True(t, validate.RetryEligible)
		assert.Equal(t, constants.StepStatePending, validate.CurrentState)
		assert.Equal(t, 0, validate.TotalParents)
		assert.Equal(t, int32(3), validate.RetryLimit, "default applied to NULL column")
		assert.True(t, validate.Retryable)

		notify := readinessFor(t, rows, ids["notify"])
		assert.False(t, notify.ReadyForExecution)
		assert.False(t, notify.DependenciesSatisfied)
		assert.True(t, notify.RetryEligible, "eligibility ignores dependencies")
		assert.Equal(t, 2, notify.TotalParents)
		assert.Equal(t, 0, notify.CompletedParents)
	})

	t.Run("completion unlocks children one tier at a time", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		completeOnce(t, store, ids["validate"], constants.StepStatePending, testBase)

		rows, err := store.StepReadiness(ctx, taskID, nil, testBase)
		require.NoError(t, err)
		require.Len(t, rows, 3, "processed steps never appear")

		assert.True(t, readinessFor(t, rows, ids["charge"]).ReadyForExecution)
		assert.True(t, readinessFor(t, rows, ids["reserve"]).ReadyForExecution)

		notify := readinessFor(t, rows, ids["notify"])
		assert.False(t, notify.ReadyForExecution)
		assert.Equal(t, 0, notify.CompletedParents)

		completeOnce(t, store, ids["charge"], constants.StepStatePending, testBase.Add(time.Second))

		rows, err = store.StepReadiness(ctx, taskID, nil, testBase.Add(time.Second))
		require.NoError(t, err)
		notify = readinessFor(t, rows, ids["notify"])
		assert.False(t, notify.ReadyForExecution)
		assert.Equal(t, 1, notify.CompletedParents)

		completeOnce(t, store, ids["reserve"], constants.StepStatePending, testBase.Add(2*time.Second))

		rows, err = store.StepReadiness(ctx, taskID, nil, testBase.Add(2*time.Second))
		require.NoError(t, err)
		notify = readinessFor(t, rows, ids["notify"])
		assert.True(t, notify.ReadyForExecution)
		assert.Equal(t, 2, notify.CompletedParents)
	})

	t.Run("manually resolved parent satisfies dependents", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		failOnce(t, store, ids["validate"], constants.StepStatePending, testBase, nil, nil)
		require.NoError(t, store.ResolveStepManually(ctx, ids["validate"], testBase))

		rows, err := store.StepReadiness(ctx, taskID, nil, testBase)
		require.NoError(t, err)
		assert.True(t, readinessFor(t, rows, ids["charge"]).DependenciesSatisfied)
		assert.True(t, readinessFor(t, rows, ids["charge"]).ReadyForExecution)
	})

	t.Run("claimed steps are not ready", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		require.NoError(t, store.ClaimStep(ctx, ids["validate"], testBase))

		rows, err := store.StepReadiness(ctx, taskID, nil, testBase)
		require.NoError(t, err)
		validate := readinessFor(t, rows, ids["validate"])
		assert.True(t, validate.InProcess)
		assert.False(t, validate.ReadyForExecution)
	})

	t.Run("narrowing to step ids", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		rows, err := store.StepReadiness(ctx, taskID, []uuid.UUID{ids["validate"], ids["notify"]}, testBase)
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})
}

func TestStore_StepReadiness_Backoff(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")

	t.Run("exponential window holds and releases", func(t *testing.T) {
		task, steps := f.createGraph(t, testBase, nil, "validate")
		stepID := steps["validate"].WorkflowStepID

		// First failure: window is min(2^1, 30) = 2s from the failure.
		failOnce(t, store, stepID, constants.StepStatePending, testBase, nil, nil)

		rows, err := store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(time.Second))
		require.NoError(t, err)
		r := readinessFor(t, rows, stepID)
		assert.Equal(t, constants.StepStateError, r.CurrentState)
		assert.False(t, r.RetryEligible)
		assert.False(t, r.ReadyForExecution)
		require.NotNil(t, r.NextRetryAt)
		assert.Equal(t, testBase.Add(2*time.Second), *r.NextRetryAt)
		require.NotNil(t, r.LastFailureAt)
		assert.Equal(t, testBase, *r.LastFailureAt)

		// At exactly failure + window the hold is over.
		rows, err = store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(2*time.Second))
		require.NoError(t, err)
		r = readinessFor(t, rows, stepID)
		assert.True(t, r.RetryEligible)
		assert.True(t, r.ReadyForExecution)
		assert.Nil(t, r.NextRetryAt)
	})

	t.Run("window grows with attempts", func(t *testing.T) {
		task, steps := f.createGraph(t, testBase, nil, "validate")
		stepID := steps["validate"].WorkflowStepID

		failOnce(t, store, stepID, constants.StepStatePending, testBase, nil, nil)
		failOnce(t, store, stepID, constants.StepStateError, testBase.Add(4*time.Second), nil, nil)

		// Two attempts: window is min(2^2, 30) = 4s from the second failure.
		rows, err := store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(6*time.Second))
		require.NoError(t, err)
		r := readinessFor(t, rows, stepID)
		assert.False(t, r.ReadyForExecution)
		require.NotNil(t, r.NextRetryAt)
		assert.Equal(t, testBase.Add(8*time.Second), *r.NextRetryAt)
	})

	t.Run("explicit backoff outranks the exponential window", func(t *testing.T) {
		task, steps := f.createGraph(t, testBase, nil, "validate")
		stepID := steps["validate"].WorkflowStepID
		backoff := int64(10)

		failOnce(t, store, stepID, constants.StepStatePending, testBase, &backoff, nil)

		// The exponential window (2s) has elapsed but the requested one has
		// not: the step is retry eligible yet not ready.
		rows, err := store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(5*time.Second))
		require.NoError(t, err)
		r := readinessFor(t, rows, stepID)
		assert.True(t, r.RetryEligible)
		assert.False(t, r.ReadyForExecution)
		require.NotNil(t, r.NextRetryAt)
		assert.Equal(t, testBase.Add(10*time.Second), *r.NextRetryAt)
		require.NotNil(t, r.BackoffRequestSeconds)
		assert.Equal(t, int64(10), *r.BackoffRequestSeconds)

		rows, err = store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(10*time.Second))
		require.NoError(t, err)
		r = readinessFor(t, rows, stepID)
		assert.True(t, r.ReadyForExecution)
		assert.Nil(t, r.NextRetryAt)
	})

	t.Run("exhausted attempts end retries", func(t *testing.T) {
		task, steps := f.createGraph(t, testBase, nil, "validate")
		stepID := steps["validate"].WorkflowStepID

		failOnce(t, store, stepID, constants.StepStatePending, testBase, nil, nil)
		failOnce(t, store, stepID, constants.StepStateError, testBase.Add(10*time.Second), nil, nil)
		failOnce(t, store, stepID, constants.StepStateError, testBase.Add(20*time.Second), nil, nil)

		rows, err := store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(time.Hour))
		require.NoError(t, err)
		r := readinessFor(t, rows, stepID)
		assert.Equal(t, int32(3), r.Attempts)
		assert.False(t, r.RetryEligible)
		assert.False(t, r.ReadyForExecution)
		assert.Nil(t, r.NextRetryAt, "no retry time when the budget is spent")

		// An operator reset restores the budget.
		require.NoError(t, store.ResetStepAttempts(ctx, stepID, testBase.Add(time.Hour)))

		rows, err = store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(time.Hour))
		require.NoError(t, err)
		r = readinessFor(t, rows, stepID)
		assert.True(t, r.ReadyForExecution)
	})

	t.Run("permanent failure needs an operator", func(t *testing.T) {
		task, steps := f.createGraph(t, testBase, nil, "validate")
		stepID := steps["validate"].WorkflowStepID
		permanent := false

		failOnce(t, store, stepID, constants.StepStatePending, testBase, nil, &permanent)

		rows, err := store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(time.Hour))
		require.NoError(t, err)
		r := readinessFor(t, rows, stepID)
		assert.False(t, r.Retryable)
		assert.False(t, r.RetryEligible)
		assert.False(t, r.ReadyForExecution)
		assert.Nil(t, r.NextRetryAt)

		require.NoError(t, store.SetStepRetryable(ctx, stepID, true, testBase.Add(time.Hour)))

		rows, err = store.StepReadiness(ctx, task.TaskID, nil, testBase.Add(time.Hour))
		require.NoError(t, err)
		r = readinessFor(t, rows, stepID)
		assert.True(t, r.RetryEligible)
		assert.True(t, r.ReadyForExecution)
	})
}

func TestStore_StepReadinessForTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate", "charge")

	taskOne, _ := f.createGraph(t, testBase, map[string][]string{"charge": {"validate"}}, "validate", "charge")
	taskTwo, _ := f.createGraph(t, testBase, nil, "validate")

	rows, err := store.StepReadinessForTasks(ctx, []uuid.UUID{taskOne.TaskID, taskTwo.TaskID}, testBase)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = store.StepReadinessForTasks(ctx, nil, testBase)
	require.NoError(t, err)
	assert.Nil(t, rows, "no task ids, no rows")
}

func TestStore_TaskExecutionContext(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate", "charge", "reserve", "notify")

	t.Run("status walks the decision ladder", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		// Fresh graph: the root is ready.
		ec, err := store.TaskExecutionContext(ctx, taskID, testBase)
		require.NoError(t, err)
		assert.Equal(t, 4, ec.TotalSteps)
		assert.Equal(t, 4, ec.PendingSteps)
		assert.Equal(t, 1, ec.ReadySteps)
		assert.Equal(t, constants.ExecutionStatusHasReadySteps, ec.ExecutionStatus)
		assert.Equal(t, constants.ActionExecuteReadySteps, ec.RecommendedAction)
		assert.Equal(t, constants.HealthHealthy, ec.HealthStatus)
		assert.InDelta(t, 0.0, ec.CompletionPercentage, 0.001)

		// Root dispatched: nothing ready, one in flight.
		startStep(t, store, ids["validate"], constants.StepStatePending, testBase)

		ec, err = store.TaskExecutionContext(ctx, taskID, testBase)
		require.NoError(t, err)
		assert.Equal(t, 1, ec.InProgressSteps)
		assert.Equal(t, 0, ec.ReadySteps)
		assert.Equal(t, constants.ExecutionStatusProcessing, ec.ExecutionStatus)
		assert.Equal(t, constants.ActionWaitForCompletion, ec.RecommendedAction)

		// Root failed inside its backoff window: recovering, nothing to do yet.
		require.NoError(t, store.FailStep(ctx, ids["validate"], "timeout", nil, nil, testBase))

		ec, err = store.TaskExecutionContext(ctx, taskID, testBase.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, ec.FailedSteps)
		assert.Equal(t, 0, ec.ReadySteps)
		assert.Equal(t, 0, ec.PermanentlyBlockedSteps)
		assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, ec.ExecutionStatus)
		assert.Equal(t, constants.HealthRecovering, ec.HealthStatus)
		require.NotNil(t, ec.EarliestRetryAt)
		assert.Equal(t, testBase.Add(2*time.Second), *ec.EarliestRetryAt)

		// Window elapsed: the failure is actionable again.
		ec, err = store.TaskExecutionContext(ctx, taskID, testBase.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, ec.ReadySteps)
		assert.Equal(t, constants.ExecutionStatusHasReadySteps, ec.ExecutionStatus)
		assert.Equal(t, constants.HealthRecovering, ec.HealthStatus)

		// Budget exhausted: permanently blocked.
		failOnce(t, store, ids["validate"], constants.StepStateError, testBase.Add(4*time.Second), nil, nil)
		failOnce(t, store, ids["validate"], constants.StepStateError, testBase.Add(10*time.Second), nil, nil)

		ec, err = store.TaskExecutionContext(ctx, taskID, testBase.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, ec.PermanentlyBlockedSteps)
		assert.Equal(t, 0, ec.ReadySteps)
		assert.Equal(t, constants.ExecutionStatusBlockedByFailures, ec.ExecutionStatus)
		assert.Equal(t, constants.ActionHandleFailures, ec.RecommendedAction)
		assert.Equal(t, constants.HealthBlocked, ec.HealthStatus)
		assert.Nil(t, ec.EarliestRetryAt)
	})

	t.Run("happy path to all complete", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		completeOnce(t, store, ids["validate"], constants.StepStatePending, testBase)
		completeOnce(t, store, ids["charge"], constants.StepStatePending, testBase.Add(time.Second))

		ec, err := store.TaskExecutionContext(ctx, taskID, testBase.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, ec.CompletedSteps)
		assert.InDelta(t, 50.0, ec.CompletionPercentage, 0.001)
		assert.Equal(t, constants.ExecutionStatusHasReadySteps, ec.ExecutionStatus, "reserve is ready")

		completeOnce(t, store, ids["reserve"], constants.StepStatePending, testBase.Add(2*time.Second))
		completeOnce(t, store, ids["notify"], constants.StepStatePending, testBase.Add(3*time.Second))

		ec, err = store.TaskExecutionContext(ctx, taskID, testBase.Add(3*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 4, ec.CompletedSteps)
		assert.Equal(t, constants.ExecutionStatusAllComplete, ec.ExecutionStatus)
		assert.Equal(t, constants.ActionFinalizeTask, ec.RecommendedAction)
		assert.Equal(t, constants.HealthHealthy, ec.HealthStatus)
		assert.InDelta(t, 100.0, ec.CompletionPercentage, 0.001)
	})

	t.Run("a cancelled step never counts as completed", func(t *testing.T) {
		taskID, ids := diamond(t, f, testBase)

		require.NoError(t, store.CancelStep(ctx, ids["notify"], testBase))
		completeOnce(t, store, ids["validate"], constants.StepStatePending, testBase)
		completeOnce(t, store, ids["charge"], constants.StepStatePending, testBase)
		completeOnce(t, store, ids["reserve"], constants.StepStatePending, testBase)

		ec, err := store.TaskExecutionContext(ctx, taskID, testBase)
		require.NoError(t, err)
		assert.Equal(t, 4, ec.TotalSteps)
		assert.Equal(t, 3, ec.CompletedSteps)
		assert.NotEqual(t, constants.ExecutionStatusAllComplete, ec.ExecutionStatus)
	})

	t.Run("zero-step task is waiting, not complete", func(t *testing.T) {
		task, _ := f.createGraph(t, testBase, nil)

		ec, err := store.TaskExecutionContext(ctx, task.TaskID, testBase)
		require.NoError(t, err)
		assert.Equal(t, 0, ec.TotalSteps)
		assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, ec.ExecutionStatus)
		assert.InDelta(t, 0.0, ec.CompletionPercentage, 0.001)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := store.TaskExecutionContext(ctx, uuid.New(), testBase)
		require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
	})
}

func TestStore_TaskExecutionContexts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	f := seedTemplate(t, store, "validate")

	taskOne, _ := f.createGraph(t, testBase, nil, "validate")
	taskTwo, stepsTwo := f.createGraph(t, testBase, nil, "validate")
	completeOnce(t, store, stepsTwo["validate"].WorkflowStepID, constants.StepStatePending, testBase)

	contexts, err := store.TaskExecutionContexts(ctx, []uuid.UUID{taskOne.TaskID, taskTwo.TaskID}, testBase)
	require.NoError(t, err)
	require.Len(t, contexts, 2)

	byID := make(map[uuid.UUID]constants.ExecutionStatus, len(contexts))
	for _, ec := range contexts {
		byID[ec.TaskID] = ec.ExecutionStatus
	}
	assert.Equal(t, constants.ExecutionStatusHasReadySteps, byID[taskOne.TaskID])
	assert.Equal(t, constants.ExecutionStatusAllComplete, byID[taskTwo.TaskID])

	contexts, err = store.TaskExecutionContexts(ctx, nil, testBase)
	require.NoError(t, err)
	assert.Nil(t, contexts)

	// Unknown ids are simply absent.
	contexts, err = store.TaskExecutionContexts(ctx, []uuid.UUID{uuid.New()}, testBase)
	require.NoError(t, err)
	assert.Empty(t, contexts)
}
