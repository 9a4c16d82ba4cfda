package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// Metrics collects measurements about task and step processing.
// Implementations can forward these to monitoring systems; the engine calls
// them synchronously on the tick path, so they must be cheap and must not
// block.
type Metrics interface {
	// TaskStarted is called when a tick moves a task into in_progress.
	TaskStarted(taskID uuid.UUID)

	// TaskFinalized is called when the finalizer settles a task's fate.
	// Status is complete or error.
	TaskFinalized(taskID uuid.UUID, status constants.TaskState)

	// StepExecuted is called after each handler invocation.
	StepExecuted(taskID uuid.UUID, stepName string, duration time.Duration, success bool)

	// ReenqueueScheduled is called when a future wake-up is handed to the
	// scheduler.
	ReenqueueScheduled(taskID uuid.UUID, delay time.Duration)
}

// NoopMetrics is a no-op implementation of Metrics for default behavior.
// Use this when metrics collection is not needed.
type NoopMetrics struct{}

// Ensure NoopMetrics implements Metrics interface.
var _ Metrics = (*NoopMetrics)(nil)

// TaskStarted implements Metrics.
func (NoopMetrics) TaskStarted(uuid.UUID) {}

// TaskFinalized implements Metrics.
func (NoopMetrics) TaskFinalized(uuid.UUID, constants.TaskState) {}

// StepExecuted implements Metrics.
func (NoopMetrics) StepExecuted(uuid.UUID, string, time.Duration, bool) {}

// ReenqueueScheduled implements Metrics.
func (NoopMetrics) ReenqueueScheduled(uuid.UUID, time.Duration) {}
