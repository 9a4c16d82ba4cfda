package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
	"github.com/jcoletaylor/tasker-sub003/internal/requeue"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/sqlite"
)

// engineBase anchors the mock clock; all persisted timestamps and backoff
// windows derive from it. Whole seconds because the store persists unix
// epoch seconds.
var engineBase = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // shared test origin

// fixture bundles a coordinator with the collaborators a test drives and
// inspects: the backing store, the mock clock, the bus, and a scheduler
// that records wake-ups instead of delivering them.
type fixture struct {
	t         *testing.T
	store     *sqlite.Store
	clock     *clock.Mock
	registry  *registry.Registry
	bus       *events.Bus
	scheduler *fakeScheduler
	coord     *Coordinator
}

// setupEngine builds a coordinator over a fresh sqlite store. wire runs
// against the bus before the coordinator subscribes, so test recorders
// observe events ahead of the engine's own cascade.
func setupEngine(t *testing.T, cfg Config, wire func(*events.Bus), opts ...Option) *fixture {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "tasker.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	mock := clock.NewMock(engineBase)
	reg := registry.New(store, registry.WithClock(mock))
	bus := events.NewBus(zerolog.Nop())
	if wire != nil {
		wire(bus)
	}

	sched := &fakeScheduler{}
	engineOpts := append([]Option{WithClock(mock), WithScheduler(sched)}, opts...)
	coord, err := New(store, reg, bus, cfg, zerolog.Nop(), engineOpts...)
	require.NoError(t, err)

	return &fixture{
		t:         t,
		store:     store,
		clock:     mock,
		registry:  reg,
		bus:       bus,
		scheduler: sched,
		coord:     coord,
	}
}

// register binds the handler to the template, failing the test on error.
func (f *fixture) register(def *domain.TemplateDefinition, h registry.Handler) *registry.Registration {
	f.t.Helper()
	reg, err := f.registry.Register(context.Background(), def, h)
	require.NoError(f.t, err)
	return reg
}

// submit submits the request, failing the test on error.
func (f *fixture) submit(req *domain.TaskRequest) *domain.Task {
	f.t.Helper()
	task, err := f.coord.SubmitTask(context.Background(), req)
	require.NoError(f.t, err)
	require.NotNil(f.t, task)
	return task
}

// taskState reads the task's current transition state.
func (f *fixture) taskState(taskID uuid.UUID) constants.TaskState {
	f.t.Helper()
	state, err := f.store.CurrentTaskState(context.Background(), taskID)
	require.NoError(f.t, err)
	return state
}

// stepState reads the step's current transition state.
func (f *fixture) stepState(stepID uuid.UUID) constants.StepState {
	f.t.Helper()
	state, err := f.store.CurrentStepState(context.Background(), stepID)
	require.NoError(f.t, err)
	return state
}

// stepsByName loads the task's steps keyed by step name.
func (f *fixture) stepsByName(taskID uuid.UUID) map[string]*domain.WorkflowStep {
	f.t.Helper()
	steps, err := f.store.StepsByTask(context.Background(), taskID)
	require.NoError(f.t, err)
	byName := make(map[string]*domain.WorkflowStep, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}
	return byName
}

// executionContext reads the task's execution context at the mock's now.
func (f *fixture) executionContext(taskID uuid.UUID) *domain.ExecutionContext {
	f.t.Helper()
	ec, err := f.store.TaskExecutionContext(context.Background(), taskID, f.clock.Now())
	require.NoError(f.t, err)
	return ec
}

// taskRow reloads the task row.
func (f *fixture) taskRow(taskID uuid.UUID) *domain.Task {
	f.t.Helper()
	task, err := f.store.TaskByID(context.Background(), taskID)
	require.NoError(f.t, err)
	return task
}

// fakeScheduler records wake-up requests without ever delivering them.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledWakeup
}

// scheduledWakeup is one recorded Schedule call.
type scheduledWakeup struct {
	taskID uuid.UUID
	delay  time.Duration
}

// Schedule implements requeue.Scheduler.
func (f *fakeScheduler) Schedule(_ context.Context, taskID uuid.UUID, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduledWakeup{taskID: taskID, delay: delay})
	return nil
}

// scheduled returns a copy of the recorded calls.
func (f *fakeScheduler) scheduled() []scheduledWakeup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduledWakeup(nil), f.calls...)
}

// Ensure fakeScheduler satisfies the scheduler contract.
var _ requeue.Scheduler = (*fakeScheduler)(nil)

// topicRecorder captures published events in delivery order. Subscribe it
// before building the coordinator so its position in each topic's delivery
// list precedes the engine's cascading handlers.
type topicRecorder struct {
	mu       sync.Mutex
	recorded []events.Event
}

// subscribe attaches the recorder to the given topics.
func (r *topicRecorder) subscribe(bus *events.Bus, topics ...events.Topic) {
	for _, topic := range topics {
		bus.Subscribe(topic, func(_ context.Context, evt events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.recorded = append(r.recorded, evt)
			return nil
		})
	}
}

// subscribeAll attaches the recorder to every standard topic.
func (r *topicRecorder) subscribeAll(bus *events.Bus) {
	r.subscribe(bus,
		events.TopicTaskStartRequested,
		events.TopicTaskStarted,
		events.TopicViableStepsDiscovered,
		events.TopicNoViableSteps,
		events.TopicStepExecutionRequested,
		events.TopicStepCompleted,
		events.TopicStepFailed,
		events.TopicTaskFinalizationRequested,
		events.TopicTaskCompleted,
		events.TopicTaskFailed,
		events.TopicTaskReenqueueRequested,
	)
}

// topics returns the recorded topic sequence.
func (r *topicRecorder) topics() []events.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Topic, 0, len(r.recorded))
	for _, evt := range r.recorded {
		out = append(out, evt.Topic)
	}
	return out
}

// eventsFor returns the recorded events on one topic.
func (r *topicRecorder) eventsFor(topic events.Topic) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.recorded {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

// count returns how many events were recorded on the topic.
func (r *topicRecorder) count(topic events.Topic) int {
	return len(r.eventsFor(topic))
}

// chainTemplate declares steps depending linearly in the given order.
func chainTemplate(namespace, name string, stepNames ...string) *domain.TemplateDefinition {
	steps := make([]domain.StepTemplate, 0, len(stepNames))
	for i, stepName := range stepNames {
		st := domain.StepTemplate{Name: stepName, DependentSystem: "billing"}
		if i > 0 {
			st.DependsOn = []string{stepNames[i-1]}
		}
		steps = append(steps, st)
	}
	return &domain.TemplateDefinition{
		Namespace: namespace,
		Name:      name,
		Version:   "1.0.0",
		Steps:     steps,
	}
}

// diamondTemplate declares fetch -> {debit, credit} -> notify.
func diamondTemplate(namespace, name string) *domain.TemplateDefinition {
	return &domain.TemplateDefinition{
		Namespace: namespace,
		Name:      name,
		Version:   "1.0.0",
		Steps: []domain.StepTemplate{
			{Name: "fetch", DependentSystem: "billing"},
			{Name: "debit", DependentSystem: "ledger", DependsOn: []string{"fetch"}},
			{Name: "credit", DependentSystem: "ledger", DependsOn: []string{"fetch"}},
			{Name: "notify", DependentSystem: "mailer", DependsOn: []string{"debit", "credit"}},
		},
	}
}

// bindAll binds fn to every step of the template.
func bindAll(def *domain.TemplateDefinition, fn registry.StepHandlerFunc) *registry.StepHandlerMap {
	m := registry.NewStepHandlerMap()
	for _, st := range def.Steps {
		m.On(st.Name, fn)
	}
	return m
}

// handlerRecorder tracks step invocations and the parent results each
// invocation observed. Safe for the executor's worker goroutines.
type handlerRecorder struct {
	mu      sync.Mutex
	calls   map[string]int
	parents map[string]map[string]json.RawMessage
}

func newHandlerRecorder() *handlerRecorder {
	return &handlerRecorder{
		calls:   make(map[string]int),
		parents: make(map[string]map[string]json.RawMessage),
	}
}

func (h *handlerRecorder) record(call *registry.StepCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[call.StepName]++
	h.parents[call.StepName] = call.ParentResults
}

// callCount returns how many times the step's handler ran.
func (h *handlerRecorder) callCount(stepName string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[stepName]
}

// parentResults returns the parent results the step's last invocation saw.
func (h *handlerRecorder) parentResults(stepName string) map[string]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parents[stepName]
}

// okStep records the call and succeeds with a document naming the step.
func (h *handlerRecorder) okStep() registry.StepHandlerFunc {
	return func(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
		h.record(call)
		return json.RawMessage(fmt.Sprintf(`{"step":%q}`, call.StepName)), nil
	}
}

// failFirstN records the call and fails attempts 1..n with failErr, then
// succeeds.
func (h *handlerRecorder) failFirstN(n int32, failErr error) registry.StepHandlerFunc {
	return func(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
		h.record(call)
		if call.Attempt <= n {
			return nil, failErr
		}
		return json.RawMessage(`{"recovered":true}`), nil
	}
}

// alwaysFail records the call and fails every attempt with failErr.
func (h *handlerRecorder) alwaysFail(failErr error) registry.StepHandlerFunc {
	return func(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
		h.record(call)
		return nil, failErr
	}
}
