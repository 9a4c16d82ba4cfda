// Package registry binds named tasks to the handlers that execute their
// steps. A handler is registered under its (namespace, name, version) triple
// together with a template describing the step graph; registration validates
// the template, persists the reusable rows (namespace, dependent systems,
// named steps, link rows), and records the handler's custom event topics.
//
// Registration is atomic: any failure leaves neither the handler nor its
// custom events in the registry.
//
// Import rules:
//   - CAN import: internal/clock, internal/domain, internal/errors,
//     internal/events, internal/storage (interfaces only)
//   - MUST NOT import: internal/engine, internal/cli
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// DefaultDependentSystem is used when a step template does not name the
// external system it concerns.
const DefaultDependentSystem = "default"

// StepCall carries everything a step handler receives for one execution.
type StepCall struct {
	// TaskID identifies the owning task.
	TaskID uuid.UUID

	// WorkflowStepID identifies the executing step.
	WorkflowStepID uuid.UUID

	// StepName is the step's registered name.
	StepName string

	// Attempt is the 1-based number of this invocation.
	Attempt int32

	// TaskContext is the task's immutable context document.
	TaskContext json.RawMessage

	// Inputs is the step row's immutable input document.
	Inputs json.RawMessage

	// ParentResults holds each satisfied parent's result, keyed by step name.
	ParentResults map[string]json.RawMessage
}

// StepHandlerFunc executes one step. The returned document is persisted as
// the step's result. A returned error marks the step failed; wrap a
// *errors.StepFailure to control retryability and backoff.
type StepHandlerFunc func(ctx context.Context, call *StepCall) (json.RawMessage, error)

// Handler is the behavior a named task binds at registration.
type Handler interface {
	// CustomEventConfiguration declares the custom topics this handler
	// publishes. May be empty. An error fails registration atomically.
	CustomEventConfiguration() ([]events.Descriptor, error)

	// StepHandler returns the callable for the named step. ok is false when
	// the handler does not implement the step.
	StepHandler(stepName string) (StepHandlerFunc, bool)
}

// ContextValidatorFunc checks a submission's context document.
type ContextValidatorFunc func(ctx context.Context, taskContext json.RawMessage) error

// ContextValidator is implemented by handlers that validate submission
// context documents. A validation error aborts the submission before
// anything is persisted; handlers without the interface accept everything.
type ContextValidator interface {
	ValidateContext(ctx context.Context, taskContext json.RawMessage) error
}

// StepHandlerMap is a Handler backed by a name-keyed map of step functions,
// populated at startup. The zero value is not usable; call NewStepHandlerMap.
type StepHandlerMap struct {
	steps      map[string]StepHandlerFunc
	descriptor []events.Descriptor
	validate   ContextValidatorFunc
}

// NewStepHandlerMap returns an empty handler map.
func NewStepHandlerMap() *StepHandlerMap {
	return &StepHandlerMap{steps: make(map[string]StepHandlerFunc)}
}

// On binds fn to the step name and returns the map for chaining.
func (m *StepHandlerMap) On(stepName string, fn StepHandlerFunc) *StepHandlerMap {
	m.steps[stepName] = fn
	return m
}

// DeclareEvent adds a custom topic declaration and returns the map for
// chaining.
func (m *StepHandlerMap) DeclareEvent(topic events.Topic, description string) *StepHandlerMap {
	m.descriptor = append(m.descriptor, events.Descriptor{Topic: topic, Description: description})
	return m
}

// ValidateWith sets the submission context validator and returns the map for
// chaining.
func (m *StepHandlerMap) ValidateWith(fn ContextValidatorFunc) *StepHandlerMap {
	m.validate = fn
	return m
}

// CustomEventConfiguration implements Handler.
func (m *StepHandlerMap) CustomEventConfiguration() ([]events.Descriptor, error) {
	return append([]events.Descriptor(nil), m.descriptor...), nil
}

// StepHandler implements Handler.
func (m *StepHandlerMap) StepHandler(stepName string) (StepHandlerFunc, bool) {
	fn, ok := m.steps[stepName]
	return fn, ok
}

// ValidateContext implements ContextValidator. A map without a validator
// accepts every context.
func (m *StepHandlerMap) ValidateContext(ctx context.Context, taskContext json.RawMessage) error {
	if m.validate == nil {
		return nil
	}
	return m.validate(ctx, taskContext)
}

// Ensure StepHandlerMap implements Handler and ContextValidator.
var (
	_ Handler          = (*StepHandlerMap)(nil)
	_ ContextValidator = (*StepHandlerMap)(nil)
)

// Registration is one registered named task: its template, the persisted
// rows behind it, and the handler. Treat as immutable after Register returns.
type Registration struct {
	// Definition is the validated template.
	Definition *domain.TemplateDefinition

	// NamedTask is the persisted named task row.
	NamedTask *domain.NamedTask

	// StepIDs maps step names to their persisted named_step ids.
	StepIDs map[string]uuid.UUID

	handler Handler
	custom  []events.Descriptor
}

// StepHandler returns the callable bound to the step name.
func (r *Registration) StepHandler(stepName string) (StepHandlerFunc, bool) {
	return r.handler.StepHandler(stepName)
}

// ValidateContext runs the handler's submission validation when the handler
// implements ContextValidator.
func (r *Registration) ValidateContext(ctx context.Context, taskContext json.RawMessage) error {
	v, ok := r.handler.(ContextValidator)
	if !ok {
		return nil
	}
	return v.ValidateContext(ctx, taskContext)
}

// CustomEvents returns the handler's declared custom topics.
func (r *Registration) CustomEvents() []events.Descriptor {
	return append([]events.Descriptor(nil), r.custom...)
}

// tripleKey is the registry lookup key.
type tripleKey struct {
	namespace string
	name      string
	version   string
}

// Registry is the name-keyed handler map populated at startup. Reads are
// safe from executor worker goroutines.
type Registry struct {
	store  storage.TemplateStore
	clock  clock.Clock
	logger zerolog.Logger

	mu           sync.RWMutex
	byTriple     map[tripleKey]*Registration
	byNamedTask  map[uuid.UUID]*Registration
	customEvents map[events.Topic]events.Descriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock sets the time source used for persisted row timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// New creates an empty registry persisting template rows through store.
func New(store storage.TemplateStore, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		clock:        clock.RealClock{},
		logger:       zerolog.Nop(),
		byTriple:     make(map[tripleKey]*Registration),
		byNamedTask:  make(map[uuid.UUID]*Registration),
		customEvents: make(map[events.Topic]events.Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the template, persists its reusable rows, and binds the
// handler under the template's (namespace, name, version) triple.
//
// Failure at any stage leaves the registry unchanged. Template rows persisted
// before a later failure are shared find-or-create rows and carry no handler
// binding, so a retry converges on the same rows.
func (r *Registry) Register(ctx context.Context, def *domain.TemplateDefinition, h Handler) (*Registration, error) {
	if def == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "template definition must not be nil")
	}
	if h == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "handler must not be nil")
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	key := tripleKey{namespace: def.Namespace, name: def.Name, version: def.EffectiveVersion()}
	if r.lookup(key) != nil {
		return nil, errors.Wrapf(errors.ErrRegistrationFailed,
			"%s/%s@%s is already registered", key.namespace, key.name, key.version)
	}

	// Every template step must have a bound callable before anything is
	// persisted.
	for _, st := range def.Steps {
		if _, ok := h.StepHandler(st.Name); !ok {
			return nil, errors.Wrapf(errors.ErrRegistrationFailed,
				"no step handler bound for %q", st.Name)
		}
	}

	custom, err := h.CustomEventConfiguration()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrRegistrationFailed,
			"custom event configuration: %v", err)
	}
	if err := r.checkCustomEvents(custom); err != nil {
		return nil, err
	}

	reg, err := r.persist(ctx, def, key.version)
	if err != nil {
		return nil, err
	}
	reg.handler = h
	reg.custom = custom

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTriple[key]; exists {
		return nil, errors.Wrapf(errors.ErrRegistrationFailed,
			"%s/%s@%s is already registered", key.namespace, key.name, key.version)
	}
	r.byTriple[key] = reg
	r.byNamedTask[reg.NamedTask.NamedTaskID] = reg
	for _, d := range custom {
		r.customEvents[d.Topic] = d
	}

	r.logger.Info().
		Str("namespace", key.namespace).
		Str("task_name", key.name).
		Str("version", key.version).
		Int("steps", len(def.Steps)).
		Int("custom_events", len(custom)).
		Msg("handler registered")

	return reg, nil
}

// persist writes the template's reusable rows and returns a Registration
// carrying the persisted ids.
func (r *Registry) persist(ctx context.Context, def *domain.TemplateDefinition, version string) (*Registration, error) {
	now := r.clock.Now()

	ns, err := r.store.EnsureNamespace(ctx, def.Namespace, "", now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure namespace %q", def.Namespace)
	}

	namedTask, err := r.store.EnsureNamedTask(ctx, ns.TaskNamespaceID, def.Name, version, def.Description, nil, now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure named task %q", def.Name)
	}

	stepIDs := make(map[string]uuid.UUID, len(def.Steps))
	for _, st := range def.Steps {
		systemName := st.DependentSystem
		if systemName == "" {
			systemName = DefaultDependentSystem
		}
		system, err := r.store.EnsureDependentSystem(ctx, systemName, "", now)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to ensure dependent system %q", systemName)
		}

		named, err := r.store.EnsureNamedStep(ctx, system.DependentSystemID, st.Name, st.Description, now)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to ensure named step %q", st.Name)
		}

		_, err = r.store.EnsureNamedTaskStep(ctx, namedTask.NamedTaskID, named.NamedStepID,
			st.Skippable, st.EffectiveRetryable(), st.EffectiveRetryLimit(), now)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to link named step %q", st.Name)
		}

		stepIDs[st.Name] = named.NamedStepID
	}

	return &Registration{
		Definition: def,
		NamedTask:  namedTask,
		StepIDs:    stepIDs,
	}, nil
}

// checkCustomEvents validates descriptors and rejects topics already claimed
// by another registration or repeated within the list.
func (r *Registry) checkCustomEvents(descriptors []events.Descriptor) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[events.Topic]bool, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return errors.Wrapf(errors.ErrRegistrationFailed, "custom event %q: %v", d.Topic, err)
		}
		if seen[d.Topic] {
			return errors.Wrapf(errors.ErrRegistrationFailed,
				"custom event %q declared twice", d.Topic)
		}
		if _, taken := r.customEvents[d.Topic]; taken {
			return errors.Wrapf(errors.ErrRegistrationFailed,
				"custom event %q already declared by another handler", d.Topic)
		}
		seen[d.Topic] = true
	}
	return nil
}

// lookup returns the registration for the key, or nil.
func (r *Registry) lookup(key tripleKey) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTriple[key]
}

// Lookup resolves a (namespace, name, version) triple. An empty version
// resolves the default template version.
func (r *Registry) Lookup(namespace, name, version string) (*Registration, error) {
	if version == "" {
		version = domain.DefaultTemplateVersion
	}
	reg := r.lookup(tripleKey{namespace: namespace, name: name, version: version})
	if reg == nil {
		return nil, errors.Wrapf(errors.ErrHandlerNotFound, "%s/%s@%s", namespace, name, version)
	}
	return reg, nil
}

// LookupByNamedTask resolves a persisted named task id to its registration.
func (r *Registry) LookupByNamedTask(namedTaskID uuid.UUID) (*Registration, error) {
	r.mu.RLock()
	reg := r.byNamedTask[namedTaskID]
	r.mu.RUnlock()
	if reg == nil {
		return nil, errors.Wrapf(errors.ErrHandlerNotFound, "named task %s", namedTaskID)
	}
	return reg, nil
}

// EventDeclared reports whether the custom topic was declared by any
// registered handler. Standard topics are always publishable.
func (r *Registry) EventDeclared(topic events.Topic) bool {
	if events.IsStandardTopic(topic) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.customEvents[topic]
	return ok
}

// List returns all registrations ordered by namespace, name, version.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	regs := make([]*Registration, 0, len(r.byTriple))
	for _, reg := range r.byTriple {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		a, b := regs[i], regs[j]
		if a.Definition.Namespace != b.Definition.Namespace {
			return a.Definition.Namespace < b.Definition.Namespace
		}
		if a.Definition.Name != b.Definition.Name {
			return a.Definition.Name < b.Definition.Name
		}
		return a.Definition.EffectiveVersion() < b.Definition.EffectiveVersion()
	})
	return regs
}
