package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
)

func TestProcessTaskLinearHappyPath(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "fetch", "debit", "notify")
	f.register(def, bindAll(def, hr.okStep()))

	task := f.submit(&domain.TaskRequest{
		Namespace: "payments",
		Name:      "settle_invoice",
		Version:   "1.0.0",
		Context:   json.RawMessage(`{"invoice_id":4421}`),
	})

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	assert.True(t, f.taskRow(task.TaskID).Complete, "complete mirror column set")

	steps := f.stepsByName(task.TaskID)
	for _, name := range []string{"fetch", "debit", "notify"} {
		step := steps[name]
		require.NotNil(t, step, "step %s", name)
		assert.True(t, step.Processed)
		assert.Equal(t, int32(1), step.EffectiveAttempts())
		assert.JSONEq(t, `{"step":"`+name+`"}`, string(step.Results))
		assert.Equal(t, 1, hr.callCount(name))

		transitions, err := f.store.StepTransitions(ctx, step.WorkflowStepID)
		require.NoError(t, err)
		require.Len(t, transitions, 3)
		assert.Equal(t, constants.StepStatePending, transitions[0].ToState)
		assert.Equal(t, constants.StepStateInProgress, transitions[1].ToState)
		assert.Equal(t, constants.StepStateComplete, transitions[2].ToState)
		assert.True(t, transitions[2].MostRecent)
	}

	// Dependents observe their parents' results under the parent step name.
	assert.JSONEq(t, `{"step":"fetch"}`, string(hr.parentResults("debit")["fetch"]))
	assert.JSONEq(t, `{"step":"debit"}`, string(hr.parentResults("notify")["debit"]))

	ec := f.executionContext(task.TaskID)
	assert.Equal(t, constants.ExecutionStatusAllComplete, ec.ExecutionStatus)
	assert.Equal(t, constants.ActionFinalizeTask, ec.RecommendedAction)
	assert.Equal(t, constants.HealthHealthy, ec.HealthStatus)
	assert.InDelta(t, 100.0, ec.CompletionPercentage, 0.001)
	assert.Equal(t, 3, ec.CompletedSteps)

	// One chain step per cycle; the finalization after the last step sees
	// every step complete and settles the task.
	expected := []events.Topic{
		events.TopicTaskStartRequested,
		events.TopicTaskStarted,
		events.TopicViableStepsDiscovered,
		events.TopicStepExecutionRequested,
		events.TopicStepCompleted,
		events.TopicTaskFinalizationRequested,
		events.TopicTaskStarted,
		events.TopicViableStepsDiscovered,
		events.TopicStepExecutionRequested,
		events.TopicStepCompleted,
		events.TopicTaskFinalizationRequested,
		events.TopicTaskStarted,
		events.TopicViableStepsDiscovered,
		events.TopicStepExecutionRequested,
		events.TopicStepCompleted,
		events.TopicTaskFinalizationRequested,
		events.TopicTaskCompleted,
	}
	assert.Equal(t, expected, rec.topics())

	completed := rec.eventsFor(events.TopicTaskCompleted)
	require.Len(t, completed, 1)
	payload, ok := completed[0].Payload.(events.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, 3, payload.CompletedSteps)

	// The only scheduled wake-up is the submission's first tick.
	assert.Len(t, f.scheduler.scheduled(), 1)
}

func TestProcessTaskZeroStepTaskNeverCompletes(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	def := &domain.TemplateDefinition{Namespace: "payments", Name: "noop", Version: "1.0.0"}
	f.register(def, registry.NewStepHandlerMap())
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "noop", Version: "1.0.0"})

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))
	assert.False(t, f.taskRow(task.TaskID).Complete)

	ec := f.executionContext(task.TaskID)
	assert.Equal(t, 0, ec.TotalSteps)
	assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, ec.ExecutionStatus)
	assert.Zero(t, ec.CompletionPercentage)

	assert.Zero(t, rec.count(events.TopicTaskCompleted))

	// Re-ticking converges on the same idle verdict.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))
}

func TestProcessTaskUnknownTask(t *testing.T) {
	f := setupEngine(t, DefaultConfig(), nil)

	err := f.coord.ProcessTask(context.Background(), uuid.New())
	require.ErrorIs(t, err, taskererrors.ErrTaskNotFound)
}

func TestCancelTaskCancelsPendingSteps(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, DefaultConfig(), nil)

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "fetch", "notify")
	f.register(def, bindAll(def, hr.okStep()))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	require.NoError(t, f.coord.CancelTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateCancelled, f.taskState(task.TaskID))
	for _, step := range f.stepsByName(task.TaskID) {
		assert.Equal(t, constants.StepStateCancelled, f.stepState(step.WorkflowStepID))
	}

	require.ErrorIs(t, f.coord.CancelTask(ctx, task.TaskID), taskererrors.ErrTaskTerminal)

	// A tick against the cancelled task is a no-op.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	assert.Zero(t, hr.callCount("fetch"))
	assert.Zero(t, hr.callCount("notify"))
}

func TestCancelTaskDiscardsInFlightResult(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	var cancelErr error
	def := chainTemplate("payments", "settle_invoice", "fetch")
	handler := registry.NewStepHandlerMap().
		On("fetch", func(hctx context.Context, call *registry.StepCall) (json.RawMessage, error) {
			// An operator cancels while the handler is still running; the
			// result produced below must be discarded.
			cancelErr = f.coord.CancelTask(hctx, call.TaskID)
			return json.RawMessage(`{"late":true}`), nil
		})
	f.register(def, handler)
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	require.NoError(t, cancelErr)

	assert.Equal(t, constants.TaskStateCancelled, f.taskState(task.TaskID))
	step := f.stepsByName(task.TaskID)["fetch"]
	require.NotNil(t, step)
	assert.Equal(t, constants.StepStateCancelled, f.stepState(step.WorkflowStepID))
	assert.Nil(t, step.Results, "late result was discarded")
	assert.False(t, step.Processed)

	assert.Zero(t, rec.count(events.TopicStepCompleted))
	assert.Zero(t, rec.count(events.TopicTaskCompleted))
}

func TestResolveStepManuallyUnblocksDependents(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "fetch", "notify")
	handler := registry.NewStepHandlerMap().
		On("fetch", hr.alwaysFail(taskererrors.NewPermanentFailure("upstream account gone"))).
		On("notify", hr.okStep())
	f.register(def, handler)
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateError, f.taskState(task.TaskID))
	assert.Equal(t, 1, rec.count(events.TopicTaskFailed))

	fetch := f.stepsByName(task.TaskID)["fetch"]
	require.NotNil(t, fetch)
	assert.Equal(t, constants.StepStateError, f.stepState(fetch.WorkflowStepID))
	require.NotNil(t, fetch.Retryable, "permanent failure persists the flag")
	assert.False(t, *fetch.Retryable)
	assert.Equal(t, int32(1), fetch.EffectiveAttempts())

	ec := f.executionContext(task.TaskID)
	assert.Equal(t, constants.ExecutionStatusBlockedByFailures, ec.ExecutionStatus)
	assert.Equal(t, 1, ec.PermanentlyBlockedSteps)
	assert.Equal(t, constants.HealthBlocked, ec.HealthStatus)

	require.NoError(t, f.coord.ResolveStepManually(ctx, task.TaskID, fetch.WorkflowStepID))
	assert.Equal(t, constants.StepStateResolvedManually, f.stepState(fetch.WorkflowStepID))

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	assert.Equal(t, 1, hr.callCount("notify"))

	parents := hr.parentResults("notify")
	require.Contains(t, parents, "fetch")
	assert.Nil(t, parents["fetch"], "manually resolved parent carries no results")
}

func TestResolveStepManuallyWrongTask(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, DefaultConfig(), nil)

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "fetch")
	f.register(def, bindAll(def, hr.okStep()))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	step := f.stepsByName(task.TaskID)["fetch"]
	require.NotNil(t, step)

	err := f.coord.ResolveStepManually(ctx, uuid.New(), step.WorkflowStepID)
	require.ErrorIs(t, err, taskererrors.ErrStepNotFound)
	assert.Equal(t, constants.StepStatePending, f.stepState(step.WorkflowStepID))
}

func TestPublishEventEnforcesDeclarations(t *testing.T) {
	ctx := context.Background()
	custom := events.Topic("billing.invoice_settled")
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribe(bus, custom) })

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "fetch")
	handler := bindAll(def, hr.okStep()).DeclareEvent(custom, "invoice settled downstream")
	f.register(def, handler)
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	require.NoError(t, f.coord.PublishEvent(ctx, custom, task.TaskID, map[string]any{"invoice_id": 4421}))
	delivered := rec.eventsFor(custom)
	require.Len(t, delivered, 1)
	assert.Equal(t, task.TaskID, delivered[0].TaskID)

	err := f.coord.PublishEvent(ctx, events.Topic("billing.never_declared"), task.TaskID, nil)
	require.ErrorIs(t, err, taskererrors.ErrInvalidArgument)

	err = f.coord.PublishEvent(ctx, events.TopicTaskCompleted, task.TaskID, nil)
	require.ErrorIs(t, err, taskererrors.ErrInvalidArgument)
}

func TestConcurrentTicksClaimStepOnce(t *testing.T) {
	f := setupEngine(t, DefaultConfig(), nil)

	var invocations atomic.Int32
	def := chainTemplate("payments", "settle_invoice", "charge")
	handler := registry.NewStepHandlerMap().
		On("charge", func(_ context.Context, _ *registry.StepCall) (json.RawMessage, error) {
			invocations.Add(1)
			time.Sleep(20 * time.Millisecond)
			return json.RawMessage(`{"charged":true}`), nil
		})
	f.register(def, handler)
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.coord.ProcessTask(context.Background(), task.TaskID)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	assert.Equal(t, int32(1), invocations.Load(), "exactly one worker ran the handler")

	step := f.stepsByName(task.TaskID)["charge"]
	require.NotNil(t, step)
	assert.Equal(t, int32(1), step.EffectiveAttempts())
	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	assert.True(t, f.taskRow(task.TaskID).Complete)
}
