package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

const taskColumns = `t.task_id, t.named_task_id, t.complete, t.requested_at,
	t.initiator, t.source_system, t.reason, t.tags, t.bypass_steps,
	t.context, t.identity_hash, t.created_at, t.updated_at`

// CreateTaskGraph inserts the task, its steps, its edges, and the initial
// pending transitions in one transaction. An identity-hash collision rolls
// everything back and returns ErrDuplicateTask.
func (s *Store) CreateTaskGraph(ctx context.Context, task *domain.Task, steps []*domain.WorkflowStep, edges []domain.WorkflowStepEdge, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	tags, err := marshalStrings(task.Tags)
	if err != nil {
		return err
	}
	bypass, err := marshalStrings(task.BypassSteps)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks
		 (task_id, named_task_id, complete, requested_at, initiator, source_system,
		  reason, tags, bypass_steps, context, identity_hash, created_at, updated_at)
		 VALUES (?, ?, FALSE, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID.String(), task.NamedTaskID.String(), epoch(task.RequestedAt),
		task.Initiator, task.SourceSystem, task.Reason, tags, bypass,
		nullJSON(task.Context), task.IdentityHash, epoch(at), epoch(at))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrDuplicateTask, "identity hash %s", task.IdentityHash)
		}
		return errors.Wrap(err, "insert task")
	}

	for _, step := range steps {
		var retryable, retryLimit any
		if step.Retryable != nil {
			retryable = *step.Retryable
		}
		if step.RetryLimit != nil {
			retryLimit = *step.RetryLimit
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps
			 (workflow_step_id, task_id, named_step_id, retryable, retry_limit,
			  in_process, processed, inputs, skippable, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, FALSE, FALSE, ?, ?, ?, ?)`,
			step.WorkflowStepID.String(), task.TaskID.String(), step.NamedStepID.String(),
			retryable, retryLimit, nullJSON(step.Inputs), step.Skippable, epoch(at), epoch(at))
		if err != nil {
			return errors.Wrapf(err, "insert workflow step %s", step.WorkflowStepID)
		}
	}

	for _, edge := range edges {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_step_edges
			 (workflow_step_edge_id, from_step_id, to_step_id, name, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			edge.WorkflowStepEdgeID.String(), edge.FromStepID.String(), edge.ToStepID.String(),
			edge.Name, epoch(at), epoch(at))
		if err != nil {
			return errors.Wrapf(err, "insert edge %s", edge.Name)
		}
	}

	if _, err = appendTaskTransitionTx(ctx, tx, task.TaskID, "", constants.TaskStatePending, nil, at); err != nil {
		return err
	}
	for _, step := range steps {
		if _, err = appendStepTransitionTx(ctx, tx, step.WorkflowStepID, "", constants.StepStatePending, nil, at); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().
		Str("task_id", task.TaskID.String()).
		Int("steps", len(steps)).
		Int("edges", len(edges)).
		Msg("task graph created")
	return nil
}

// TaskByID returns the task row, or ErrTaskNotFound.
func (s *Store) TaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE t.task_id = ?`, taskID.String())
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "task %s", taskID)
	}
	return task, err
}

// ActiveTaskByIdentityHash returns the non-terminal task with the given
// identity hash. Tasks in error still count as active; an operator retry
// can revive them, so a resubmission deduplicates against them.
func (s *Store) ActiveTaskByIdentityHash(ctx context.Context, hash string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 LEFT JOIN task_transitions tr ON tr.task_id = t.task_id AND tr.most_recent
		 WHERE t.identity_hash = ?
		   AND COALESCE(tr.to_state, 'pending') NOT IN ('complete', 'cancelled')`, hash)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "no active task with identity hash %s", hash)
	}
	return task, err
}

// TaskByIdentityHash returns the task with the given identity hash in any
// state, or ErrTaskNotFound.
func (s *Store) TaskByIdentityHash(ctx context.Context, hash string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE t.identity_hash = ?`, hash)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "no task with identity hash %s", hash)
	}
	return task, err
}

// SetTaskComplete flips the cached complete mirror column.
func (s *Store) SetTaskComplete(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET complete = TRUE, updated_at = ? WHERE task_id = ?`,
		epoch(at), taskID.String())
	if err != nil {
		return errors.Wrap(err, "set task complete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrTaskNotFound, "task %s", taskID)
	}
	return nil
}

// ListRecentTasks returns up to limit tasks, newest first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 ORDER BY t.created_at DESC, t.task_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, errors.Wrap(rows.Err(), "iterate tasks")
}

// scanTask reads one task row. sql.ErrNoRows passes through unwrapped so
// callers can map it to the right not-found sentinel.
func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var id, namedID string
	var requestedAt, createdAt, updatedAt int64
	var initiator, source, reason, tags, bypass, contextDoc sql.NullString
	err := row.Scan(&id, &namedID, &t.Complete, &requestedAt,
		&initiator, &source, &reason, &tags, &bypass,
		&contextDoc, &t.IdentityHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan task")
	}

	if t.TaskID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse task id")
	}
	if t.NamedTaskID, err = uuid.Parse(namedID); err != nil {
		return nil, errors.Wrap(err, "parse named task id")
	}
	t.RequestedAt = fromEpoch(requestedAt)
	t.Initiator = initiator.String
	t.SourceSystem = source.String
	t.Reason = reason.String
	if t.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	if t.BypassSteps, err = unmarshalStrings(bypass); err != nil {
		return nil, err
	}
	t.Context = jsonColumn(contextDoc)
	t.CreatedAt = fromEpoch(createdAt)
	t.UpdatedAt = fromEpoch(updatedAt)
	return &t, nil
}
