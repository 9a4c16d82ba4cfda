// Package errors provides centralized error handling for the workflow engine.
//
// This package defines sentinel errors used for programmatic error categorization
// throughout the application. All error types can be checked using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Sentinel errors for error categorization.
// These allow callers to check error types with errors.Is().
// All errors use lowercase descriptions per Go conventions.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStepNotFound indicates the requested workflow step does not exist.
	ErrStepNotFound = errors.New("workflow step not found")

	// ErrNamedTaskNotFound indicates no named task is registered or persisted
	// for the requested (namespace, name, version) triple.
	ErrNamedTaskNotFound = errors.New("named task not found")

	// ErrNamedStepNotFound indicates the requested named step row does not exist.
	ErrNamedStepNotFound = errors.New("named step not found")

	// ErrAnnotationTypeNotFound indicates the requested annotation type row
	// does not exist.
	ErrAnnotationTypeNotFound = errors.New("annotation type not found")

	// ErrObjectMapNotFound indicates no dependent-system object mapping
	// exists for the requested system and remote id.
	ErrObjectMapNotFound = errors.New("object map not found")

	// ErrDuplicateTask indicates a task with the same identity hash already
	// exists. Submission paths treat this as a dedup hit, not a failure.
	ErrDuplicateTask = errors.New("task with identity hash already exists")

	// ErrInvalidTransition indicates an attempt to move an entity along a
	// state machine edge that does not exist. This is a bug in the caller,
	// never recovered locally.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrencyConflict indicates a lost race: either the in_process
	// claim or the most-recent transition index. Callers reread state and
	// either retry or abandon the claim.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidationFailed indicates caller-supplied inputs violate the named
	// task's context schema. Nothing is persisted.
	ErrValidationFailed = errors.New("context validation failed")

	// ErrRegistrationFailed indicates a handler could not be registered.
	// Registration is atomic: a failed registration leaves no trace of the
	// handler or its custom events in the registry.
	ErrRegistrationFailed = errors.New("handler registration failed")

	// ErrHandlerNotFound indicates no handler is registered for the
	// requested named task or step name.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrTemplateInvalid indicates a step template failed validation
	// (duplicate step names, unknown dependencies, or a dependency cycle).
	ErrTemplateInvalid = errors.New("invalid step template")

	// ErrTemplateParseError indicates a template document has invalid syntax.
	ErrTemplateParseError = errors.New("template parse error")

	// ErrStepClaimed indicates another worker holds the in_process claim on
	// a step. The observing worker moves on silently.
	ErrStepClaimed = errors.New("step already claimed")

	// ErrTaskTerminal indicates an operation that requires a live task was
	// attempted on a task in a terminal state.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrStepTerminal indicates an operation that requires a live step was
	// attempted on a step in a terminal state.
	ErrStepTerminal = errors.New("step is in a terminal state")

	// ErrTickBudgetExceeded indicates a single tick hit its inline iteration
	// cap before the task settled. The task is left for a later tick.
	ErrTickBudgetExceeded = errors.New("tick iteration budget exceeded")

	// ErrNoTransitions indicates an entity has no transition rows yet.
	ErrNoTransitions = errors.New("no transitions recorded")

	// ErrConfigInvalid indicates a process configuration value fails
	// validation.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnknownDriver indicates an unsupported database driver name in the
	// configuration.
	ErrUnknownDriver = errors.New("unknown database driver")

	// ErrSchedulerClosed indicates a wake-up was requested after the
	// scheduler shut down.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrInvalidArgument indicates that an invalid argument was provided.
	ErrInvalidArgument = errors.New("invalid argument")
)
