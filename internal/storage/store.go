// Package storage defines the persistence interfaces for the workflow
// engine. Two implementations exist: postgres (pgx) for production and
// sqlite (modernc, pure Go) for development and tests. Both enforce the
// same semantics; the engine never issues SQL itself.
//
// Time injection: mutating methods take the write time and read methods
// that evaluate backoff windows take "now" explicitly, so tests drive all
// SQL-visible time from a mock clock.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
)

// TaskStore persists tasks and their materialized step graphs.
type TaskStore interface {
	// CreateTaskGraph inserts the task, its workflow steps, its dependency
	// edges, and the initial pending transitions for the task and every
	// step, all in one transaction. A task with the same identity hash
	// fails with ErrDuplicateTask and persists nothing.
	CreateTaskGraph(ctx context.Context, task *domain.Task, steps []*domain.WorkflowStep, edges []domain.WorkflowStepEdge, at time.Time) error

	// TaskByID returns the task row, or ErrTaskNotFound.
	TaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// ActiveTaskByIdentityHash returns the task with the given identity
	// hash when its current state is non-terminal (dedup hit), or
	// ErrTaskNotFound when no row matches.
	ActiveTaskByIdentityHash(ctx context.Context, hash string) (*domain.Task, error)

	// TaskByIdentityHash returns the task with the given identity hash in
	// any state, or ErrTaskNotFound.
	TaskByIdentityHash(ctx context.Context, hash string) (*domain.Task, error)

	// SetTaskComplete flips the cached complete mirror column. Only the
	// finalizer calls it, in the same breath as the complete transition.
	SetTaskComplete(ctx context.Context, taskID uuid.UUID, at time.Time) error

	// ListRecentTasks returns up to limit tasks, newest first.
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
}

// StepStore reads and mutates workflow step rows. Completion and failure
// writes bundle the row update with the step transition in one transaction.
type StepStore interface {
	// StepsByTask returns the task's steps joined with their named step
	// names, ordered by creation.
	StepsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.WorkflowStep, error)

	// StepByID returns one step joined with its named step name, or
	// ErrStepNotFound.
	StepByID(ctx context.Context, stepID uuid.UUID) (*domain.WorkflowStep, error)

	// EdgesByTask returns the task's dependency edges.
	EdgesByTask(ctx context.Context, taskID uuid.UUID) ([]domain.WorkflowStepEdge, error)

	// ClaimStep flips in_process from false to true. A lost race returns
	// ErrStepClaimed; the caller moves on silently.
	ClaimStep(ctx context.Context, stepID uuid.UUID, at time.Time) error

	// ReleaseStep clears in_process without recording an attempt. Used when
	// a worker claimed a step but could not dispatch it (for example the
	// step was cancelled between the readiness query and the claim).
	ReleaseStep(ctx context.Context, stepID uuid.UUID, at time.Time) error

	// ParentResults returns the results of the step's parents keyed by
	// parent step name. Parents without results map to nil.
	ParentResults(ctx context.Context, stepID uuid.UUID) (map[string]json.RawMessage, error)

	// CompleteStep records a successful handler return in one transaction:
	// it verifies the step is currently in_progress, writes results,
	// increments attempts, sets processed and processed_at, clears
	// in_process, sets last_attempted_at, and appends the transition to
	// complete. A state mismatch returns ErrConcurrencyConflict.
	CompleteStep(ctx context.Context, stepID uuid.UUID, results json.RawMessage, at time.Time) error

	// FailStep records a handler failure in one transaction: it verifies
	// the step is currently in_progress, increments attempts, sets
	// last_attempted_at, clears in_process, stores the explicit backoff
	// request when present, persists retryable when the failure declares
	// itself permanent, and appends the transition to error with the
	// failure message in the metadata.
	FailStep(ctx context.Context, stepID uuid.UUID, message string, backoffSeconds *int64, retryable *bool, at time.Time) error

	// ResolveStepManually moves a non-terminal step to resolved_manually
	// and marks it processed, so dependents treat it as satisfied.
	ResolveStepManually(ctx context.Context, stepID uuid.UUID, at time.Time) error

	// CancelStep moves a non-terminal step to cancelled. Processed stays
	// false; cancelled steps are simply never ready.
	CancelStep(ctx context.Context, stepID uuid.UUID, at time.Time) error

	// SetStepRetryable flips the retryable column so an operator can
	// revive a permanently failed step without restarting anything.
	SetStepRetryable(ctx context.Context, stepID uuid.UUID, retryable bool, at time.Time) error

	// ResetStepAttempts zeroes the attempt counter, restoring the full
	// retry budget.
	ResetStepAttempts(ctx context.Context, stepID uuid.UUID, at time.Time) error
}

// TransitionStore is the append-only transition log. Appends are atomic:
// the new row lands with most_recent true and sort_key max+1 while the
// prior row's flag clears, in one transaction. Concurrent appenders are
// serialized by the partial unique index; losers get ErrConcurrencyConflict.
type TransitionStore interface {
	// AppendTaskTransition appends a task transition after verifying the
	// task's current state equals from. The initial transition passes
	// from == "".
	AppendTaskTransition(ctx context.Context, taskID uuid.UUID, from, to constants.TaskState, metadata json.RawMessage, at time.Time) (*domain.TaskTransition, error)

	// AppendStepTransition appends a step transition after verifying the
	// step's current state equals from. The initial transition passes
	// from == "".
	AppendStepTransition(ctx context.Context, stepID uuid.UUID, from, to constants.StepState, metadata json.RawMessage, at time.Time) (*domain.WorkflowStepTransition, error)

	// CurrentTaskState returns the task's most-recent transition state,
	// or ErrNoTransitions when the task has no rows yet.
	CurrentTaskState(ctx context.Context, taskID uuid.UUID) (constants.TaskState, error)

	// CurrentStepState returns the step's most-recent transition state,
	// or ErrNoTransitions when the step has no rows yet.
	CurrentStepState(ctx context.Context, stepID uuid.UUID) (constants.StepState, error)

	// TaskTransitions returns the task's full history ordered by sort_key.
	TaskTransitions(ctx context.Context, taskID uuid.UUID) ([]domain.TaskTransition, error)

	// StepTransitions returns the step's full history ordered by sort_key.
	StepTransitions(ctx context.Context, stepID uuid.UUID) ([]domain.WorkflowStepTransition, error)
}

// ReadinessStore computes step readiness and task execution contexts in
// set-oriented queries. These are read-only; they never mutate state.
type ReadinessStore interface {
	// StepReadiness returns readiness rows for the task's unprocessed
	// steps, optionally narrowed to stepIDs. Processed steps never appear.
	// Row order is unspecified.
	StepReadiness(ctx context.Context, taskID uuid.UUID, stepIDs []uuid.UUID, now time.Time) ([]domain.StepReadiness, error)

	// StepReadinessForTasks is the batch variant over several tasks.
	StepReadinessForTasks(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]domain.StepReadiness, error)

	// TaskExecutionContext rolls the task's steps (including processed
	// ones) up into counts, the execution status enum, the recommended
	// action, health, and the earliest future retry time.
	TaskExecutionContext(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.ExecutionContext, error)

	// TaskExecutionContexts is the batch variant over several tasks.
	TaskExecutionContexts(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]domain.ExecutionContext, error)
}

// TemplateStore persists the registration-time rows: namespaces, dependent
// systems, named steps, named tasks, and their link rows. Ensure methods
// are find-or-create and idempotent.
type TemplateStore interface {
	// EnsureNamespace finds or creates a task namespace by name.
	EnsureNamespace(ctx context.Context, name, description string, at time.Time) (*domain.TaskNamespace, error)

	// EnsureDependentSystem finds or creates a dependent system by name.
	EnsureDependentSystem(ctx context.Context, name, description string, at time.Time) (*domain.DependentSystem, error)

	// EnsureNamedStep finds or creates a named step by (system, name).
	EnsureNamedStep(ctx context.Context, dependentSystemID uuid.UUID, name, description string, at time.Time) (*domain.NamedStep, error)

	// EnsureNamedTask finds or creates a named task by
	// (namespace, name, version).
	EnsureNamedTask(ctx context.Context, namespaceID uuid.UUID, name, version, description string, configuration json.RawMessage, at time.Time) (*domain.NamedTask, error)

	// EnsureNamedTaskStep finds or creates the link row carrying the
	// per-task-step defaults.
	EnsureNamedTaskStep(ctx context.Context, namedTaskID, namedStepID uuid.UUID, skippable, retryable bool, retryLimit int32, at time.Time) (*domain.NamedTaskStep, error)

	// NamedTaskByTriple resolves (namespace, name, version) to the named
	// task row, or ErrNamedTaskNotFound.
	NamedTaskByTriple(ctx context.Context, namespace, name, version string) (*domain.NamedTask, error)

	// NamedTaskByID returns the named task row, or ErrNamedTaskNotFound.
	NamedTaskByID(ctx context.Context, namedTaskID uuid.UUID) (*domain.NamedTask, error)

	// NamedTaskSteps returns the named task's step link rows.
	NamedTaskSteps(ctx context.Context, namedTaskID uuid.UUID) ([]domain.NamedTaskStep, error)
}

// AnnotationStore persists typed task annotations and cross-system object
// id mappings.
type AnnotationStore interface {
	// EnsureAnnotationType finds or creates an annotation type by name.
	EnsureAnnotationType(ctx context.Context, name, description string, at time.Time) (*domain.AnnotationType, error)

	// AnnotateTask attaches a typed document to a task, creating the type
	// row on demand.
	AnnotateTask(ctx context.Context, taskID uuid.UUID, typeName string, annotation json.RawMessage, at time.Time) (*domain.TaskAnnotation, error)

	// TaskAnnotations returns the task's annotations joined with their
	// type names, oldest first.
	TaskAnnotations(ctx context.Context, taskID uuid.UUID) ([]domain.TaskAnnotation, error)

	// EnsureObjectMap finds or creates the mapping between one object's
	// identifiers in two dependent systems.
	EnsureObjectMap(ctx context.Context, systemOneID, systemTwoID uuid.UUID, remoteIDOne, remoteIDTwo string, at time.Time) (*domain.DependentSystemObjectMap, error)

	// ObjectMapByRemoteID finds a mapping by one side's system and remote
	// id, searching both directions. Misses return ErrObjectMapNotFound.
	ObjectMapByRemoteID(ctx context.Context, systemID uuid.UUID, remoteID string) (*domain.DependentSystemObjectMap, error)
}

// AnalyticsStore serves the reporting surface: slowest steps, slowest
// tasks, and system health counts. Outputs mirror the persisted schema's
// analytics routines; the logic is inlined in application-side SQL.
type AnalyticsStore interface {
	// SlowestSteps returns up to limit steps ordered by descending
	// duration, honoring the filters.
	SlowestSteps(ctx context.Context, now time.Time, limit int, f AnalyticsFilters) ([]domain.SlowestStep, error)

	// SlowestTasks returns up to limit tasks ordered by descending
	// duration, honoring the filters.
	SlowestTasks(ctx context.Context, now time.Time, limit int, f AnalyticsFilters) ([]domain.SlowestTask, error)

	// SystemHealth returns the system-wide state and retry counts.
	SystemHealth(ctx context.Context, now time.Time) (*domain.SystemHealthCounts, error)
}

// Store is the full persistence surface the engine is constructed with.
type Store interface {
	TaskStore
	StepStore
	TransitionStore
	ReadinessStore
	TemplateStore
	AnnotationStore
	AnalyticsStore

	// Close releases the underlying database resources.
	Close() error
}
