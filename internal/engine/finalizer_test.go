package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
)

// scheduledDelays flattens the fake scheduler's calls to their delays.
func scheduledDelays(f *fixture) []time.Duration {
	calls := f.scheduler.scheduled()
	out := make([]time.Duration, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.delay)
	}
	return out
}

func TestRetryBackoffThenPermanentBlock(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "charge")
	f.register(def, bindAll(def, hr.alwaysFail(taskererrors.New("charge gateway timeout"))))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	// Attempt 1 fails; the exponential window holds the step for 2s.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))
	charge := f.stepsByName(task.TaskID)["charge"]
	require.NotNil(t, charge)
	assert.Equal(t, int32(1), charge.EffectiveAttempts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, scheduledDelays(f))

	mid := f.executionContext(task.TaskID)
	assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, mid.ExecutionStatus)
	assert.Equal(t, constants.HealthRecovering, mid.HealthStatus)
	require.NotNil(t, mid.EarliestRetryAt)
	assert.Equal(t, engineBase.Add(2*time.Second).Unix(), mid.EarliestRetryAt.Unix())

	// The window releases at exactly failure+2s; attempt 2 fails and doubles
	// the hold to 4s.
	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	assert.Equal(t, int32(2), f.stepsByName(task.TaskID)["charge"].EffectiveAttempts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, scheduledDelays(f))

	// Attempt 3 exhausts the budget; the task settles in error.
	f.clock.Advance(4 * time.Second)
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateError, f.taskState(task.TaskID))
	charge = f.stepsByName(task.TaskID)["charge"]
	assert.Equal(t, int32(3), charge.EffectiveAttempts())
	assert.Equal(t, constants.StepStateError, f.stepState(charge.WorkflowStepID))
	assert.Equal(t, 3, hr.callCount("charge"))

	ec := f.executionContext(task.TaskID)
	assert.Equal(t, constants.ExecutionStatusBlockedByFailures, ec.ExecutionStatus)
	assert.Equal(t, 1, ec.PermanentlyBlockedSteps)
	assert.Equal(t, constants.HealthBlocked, ec.HealthStatus)

	assert.Equal(t, 3, rec.count(events.TopicStepFailed))
	failed := rec.eventsFor(events.TopicTaskFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(events.TaskFailed)
	require.True(t, ok)
	assert.Equal(t, 1, payload.PermanentlyBlockedSteps)

	// No further wake-up: a blocked task waits for an operator.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, scheduledDelays(f))
}

func TestExplicitBackoffOverridesExponential(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "charge")
	failure := taskererrors.NewStepFailure("rate limited").WithBackoff(10)
	f.register(def, bindAll(def, hr.failFirstN(1, failure)))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	charge := f.stepsByName(task.TaskID)["charge"]
	require.NotNil(t, charge)
	require.NotNil(t, charge.BackoffRequestSeconds)
	assert.Equal(t, int64(10), *charge.BackoffRequestSeconds)

	stepFailed := rec.eventsFor(events.TopicStepFailed)
	require.Len(t, stepFailed, 1)
	payload, ok := stepFailed[0].Payload.(events.StepFailed)
	require.True(t, ok)
	assert.True(t, payload.Retryable)
	require.NotNil(t, payload.BackoffSeconds)
	assert.Equal(t, int64(10), *payload.BackoffSeconds)

	// The requested 10s window wins over the 2s exponential one.
	delays := scheduledDelays(f)
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Second, delays[1])

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	charge = f.stepsByName(task.TaskID)["charge"]
	assert.Equal(t, int32(2), charge.EffectiveAttempts())
	assert.JSONEq(t, `{"recovered":true}`, string(charge.Results))
	assert.Equal(t, 2, hr.callCount("charge"))
}

func TestDiamondPartialFailureRecovery(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	f := setupEngine(t, DefaultConfig(), func(bus *events.Bus) { rec.subscribeAll(bus) })

	hr := newHandlerRecorder()
	def := diamondTemplate("billing", "settle_batch")
	handler := registry.NewStepHandlerMap().
		On("fetch", hr.okStep()).
		On("debit", hr.failFirstN(1, taskererrors.New("ledger busy"))).
		On("credit", hr.okStep()).
		On("notify", hr.okStep())
	f.register(def, handler)
	task := f.submit(&domain.TaskRequest{Namespace: "billing", Name: "settle_batch", Version: "1.0.0"})

	// First tick: fetch completes, then the parallel pair runs; credit
	// succeeds while debit fails once and enters its backoff window.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))
	steps := f.stepsByName(task.TaskID)
	assert.Equal(t, constants.StepStateComplete, f.stepState(steps["fetch"].WorkflowStepID))
	assert.Equal(t, constants.StepStateComplete, f.stepState(steps["credit"].WorkflowStepID))
	assert.Equal(t, constants.StepStateError, f.stepState(steps["debit"].WorkflowStepID))
	assert.Equal(t, constants.StepStatePending, f.stepState(steps["notify"].WorkflowStepID))

	mid := f.executionContext(task.TaskID)
	assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, mid.ExecutionStatus)
	assert.Equal(t, 1, mid.FailedSteps)
	assert.Equal(t, 0, mid.ReadySteps)
	assert.Equal(t, 0, mid.PermanentlyBlockedSteps)
	assert.Equal(t, constants.HealthRecovering, mid.HealthStatus)

	// Second tick after the window: debit recovers, notify runs, the task
	// completes.
	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	debit := f.stepsByName(task.TaskID)["debit"]
	assert.Equal(t, int32(2), debit.EffectiveAttempts())
	assert.JSONEq(t, `{"recovered":true}`, string(debit.Results))

	parents := hr.parentResults("notify")
	require.Contains(t, parents, "debit")
	require.Contains(t, parents, "credit")
	assert.JSONEq(t, `{"recovered":true}`, string(parents["debit"]))
	assert.JSONEq(t, `{"step":"credit"}`, string(parents["credit"]))

	assert.Equal(t, 1, rec.count(events.TopicStepFailed))
	assert.Equal(t, 4, rec.count(events.TopicStepCompleted))
	assert.Equal(t, 1, rec.count(events.TopicTaskCompleted))
	assert.Zero(t, rec.count(events.TopicTaskFailed))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, scheduledDelays(f))
}

func TestInlineIterationBudgetYields(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, Config{MaxInlineIterations: 2}, nil)

	hr := newHandlerRecorder()
	def := chainTemplate("etl", "nightly_load", "extract", "transform", "load")
	f.register(def, bindAll(def, hr.okStep()))
	task := f.submit(&domain.TaskRequest{Namespace: "etl", Name: "nightly_load", Version: "1.0.0"})

	// Two cycles fit in the budget; the third step waits for the wake-up.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))

	steps := f.stepsByName(task.TaskID)
	assert.Equal(t, constants.StepStateComplete, f.stepState(steps["extract"].WorkflowStepID))
	assert.Equal(t, constants.StepStateComplete, f.stepState(steps["transform"].WorkflowStepID))
	assert.Equal(t, constants.StepStatePending, f.stepState(steps["load"].WorkflowStepID))
	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))
	assert.Equal(t, []time.Duration{time.Second, time.Second}, scheduledDelays(f))

	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	assert.Equal(t, constants.TaskStateComplete, f.taskState(task.TaskID))
	assert.Equal(t, 1, hr.callCount("load"))
}

func TestDiscoveryIterationGuard(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, DefaultConfig(), nil)

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "charge")
	f.register(def, bindAll(def, hr.okStep()))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	err := f.bus.Publish(ctx, events.Event{
		Topic:      events.TopicTaskStarted,
		TaskID:     task.TaskID,
		OccurredAt: f.clock.Now(),
		Payload:    events.TaskStarted{Iteration: 99},
	})
	require.ErrorIs(t, err, taskererrors.ErrTickBudgetExceeded)
	assert.Zero(t, hr.callCount("charge"))
}

func TestFinalizerIdempotence(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, DefaultConfig(), nil)

	hr := newHandlerRecorder()
	def := chainTemplate("payments", "settle_invoice", "charge")
	f.register(def, bindAll(def, hr.alwaysFail(taskererrors.New("charge gateway timeout"))))
	task := f.submit(&domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Version: "1.0.0"})

	// Leave the task waiting on the 2s retry window.
	require.NoError(t, f.coord.ProcessTask(ctx, task.TaskID))
	before, err := f.store.TaskTransitions(ctx, task.TaskID)
	require.NoError(t, err)

	// Replayed finalizations against unchanged state repeat the same
	// verdict: another wake-up request, no new transitions.
	for range 2 {
		err := f.bus.Publish(ctx, events.Event{
			Topic:      events.TopicTaskFinalizationRequested,
			TaskID:     task.TaskID,
			OccurredAt: f.clock.Now(),
			Payload:    events.FinalizationRequested{Iteration: 0},
		})
		require.NoError(t, err)
	}

	after, err := f.store.TaskTransitions(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, constants.TaskStateInProgress, f.taskState(task.TaskID))

	delays := scheduledDelays(f)
	require.Len(t, delays, 4)
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 2*time.Second, delays[2])
	assert.Equal(t, 2*time.Second, delays[3])
	assert.Equal(t, 1, hr.callCount("charge"))
}
