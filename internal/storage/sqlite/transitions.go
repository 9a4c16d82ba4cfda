package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// AppendTaskTransition appends one task transition atomically: verify the
// current state, clear the prior most_recent flag, insert the new row with
// sort_key max+1. A from-state mismatch or a unique-index collision both
// surface ErrConcurrencyConflict so the caller rereads and re-decides.
func (s *Store) AppendTaskTransition(ctx context.Context, taskID uuid.UUID, from, to constants.TaskState, metadata json.RawMessage, at time.Time) (*domain.TaskTransition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	tr, err := appendTaskTransitionTx(ctx, tx, taskID, from, to, metadata, at)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().
		Str("task_id", taskID.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Int64("sort_key", tr.SortKey).
		Msg("task transition appended")
	return tr, nil
}

// AppendStepTransition appends one workflow step transition with the same
// atomicity and conflict semantics as AppendTaskTransition.
func (s *Store) AppendStepTransition(ctx context.Context, stepID uuid.UUID, from, to constants.StepState, metadata json.RawMessage, at time.Time) (*domain.WorkflowStepTransition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	tr, err := appendStepTransitionTx(ctx, tx, stepID, from, to, metadata, at)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().
		Str("step_id", stepID.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Int64("sort_key", tr.SortKey).
		Msg("step transition appended")
	return tr, nil
}

// appendTaskTransitionTx is the tx-scoped append used by both the public
// method and the task write paths that bundle row updates with transitions.
func appendTaskTransitionTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, from, to constants.TaskState, metadata json.RawMessage, at time.Time) (*domain.TaskTransition, error) {
	var (
		current string
		maxSort int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT to_state, sort_key FROM task_transitions
		 WHERE task_id = ? AND most_recent`, taskID.String(),
	).Scan(&current, &maxSort)
	switch {
	case err == sql.ErrNoRows:
		// No history yet; only the initial transition (from "") may land.
	case err != nil:
		return nil, errors.Wrap(err, "read current task transition")
	}

	if constants.TaskState(current) != from {
		return nil, errors.Wrapf(errors.ErrConcurrencyConflict,
			"task %s is %q, not %q", taskID, current, from)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_transitions SET most_recent = FALSE
		 WHERE task_id = ? AND most_recent`, taskID.String()); err != nil {
		return nil, errors.Wrap(err, "clear most recent task transition")
	}

	tr := &domain.TaskTransition{
		TaskTransitionID: uuid.New(),
		TaskID:           taskID,
		ToState:          to,
		FromState:        from,
		Metadata:         metadata,
		SortKey:          maxSort + 1,
		MostRecent:       true,
		CreatedAt:        at.UTC(),
	}

	var fromCol any
	if from != "" {
		fromCol = from.String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_transitions
		 (task_transition_id, task_id, to_state, from_state, metadata, sort_key, most_recent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, TRUE, ?)`,
		tr.TaskTransitionID.String(), taskID.String(), to.String(), fromCol,
		nullJSON(metadata), tr.SortKey, epoch(at))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConcurrencyConflict,
				"task %s transition to %q lost the append race", taskID, to)
		}
		return nil, errors.Wrap(err, "insert task transition")
	}
	return tr, nil
}

// appendStepTransitionTx mirrors appendTaskTransitionTx for workflow steps.
func appendStepTransitionTx(ctx context.Context, tx *sql.Tx, stepID uuid.UUID, from, to constants.StepState, metadata json.RawMessage, at time.Time) (*domain.WorkflowStepTransition, error) {
	var (
		current string
		maxSort int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT to_state, sort_key FROM workflow_step_transitions
		 WHERE workflow_step_id = ? AND most_recent`, stepID.String(),
	).Scan(&current, &maxSort)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, errors.Wrap(err, "read current step transition")
	}

	if constants.StepState(current) != from {
		return nil, errors.Wrapf(errors.ErrConcurrencyConflict,
			"step %s is %q, not %q", stepID, current, from)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_step_transitions SET most_recent = FALSE
		 WHERE workflow_step_id = ? AND most_recent`, stepID.String()); err != nil {
		return nil, errors.Wrap(err, "clear most recent step transition")
	}

	tr := &domain.WorkflowStepTransition{
		WorkflowStepTransitionID: uuid.New(),
		WorkflowStepID:           stepID,
		ToState:                  to,
		FromState:                from,
		Metadata:                 metadata,
		SortKey:                  maxSort + 1,
		MostRecent:               true,
		CreatedAt:                at.UTC(),
	}

	var fromCol any
	if from != "" {
		fromCol = from.String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_step_transitions
		 (workflow_step_transition_id, workflow_step_id, to_state, from_state, metadata, sort_key, most_recent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, TRUE, ?)`,
		tr.WorkflowStepTransitionID.String(), stepID.String(), to.String(), fromCol,
		nullJSON(metadata), tr.SortKey, epoch(at))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConcurrencyConflict,
				"step %s transition to %q lost the append race", stepID, to)
		}
		return nil, errors.Wrap(err, "insert step transition")
	}
	return tr, nil
}

// CurrentTaskState returns the task's most-recent transition state.
func (s *Store) CurrentTaskState(ctx context.Context, taskID uuid.UUID) (constants.TaskState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT to_state FROM task_transitions WHERE task_id = ? AND most_recent`,
		taskID.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrNoTransitions, "task %s", taskID)
	}
	if err != nil {
		return "", errors.Wrap(err, "read current task state")
	}
	return constants.TaskState(state), nil
}

// CurrentStepState returns the step's most-recent transition state.
func (s *Store) CurrentStepState(ctx context.Context, stepID uuid.UUID) (constants.StepState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT to_state FROM workflow_step_transitions WHERE workflow_step_id = ? AND most_recent`,
		stepID.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrNoTransitions, "step %s", stepID)
	}
	if err != nil {
		return "", errors.Wrap(err, "read current step state")
	}
	return constants.StepState(state), nil
}

// TaskTransitions returns the task's full history ordered by sort_key.
func (s *Store) TaskTransitions(ctx context.Context, taskID uuid.UUID) ([]domain.TaskTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_transition_id, task_id, to_state, from_state, metadata, sort_key, most_recent, created_at
		 FROM task_transitions WHERE task_id = ? ORDER BY sort_key`, taskID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query task transitions")
	}
	defer rows.Close()

	var out []domain.TaskTransition
	for rows.Next() {
		var (
			tr        domain.TaskTransition
			id, tid   string
			toState   string
			fromState sql.NullString
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&id, &tid, &toState, &fromState, &metadata, &tr.SortKey, &tr.MostRecent, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan task transition")
		}
		if tr.TaskTransitionID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "parse transition id")
		}
		if tr.TaskID, err = uuid.Parse(tid); err != nil {
			return nil, errors.Wrap(err, "parse task id")
		}
		tr.ToState = constants.TaskState(toState)
		if fromState.Valid {
			tr.FromState = constants.TaskState(fromState.String)
		}
		tr.Metadata = jsonColumn(metadata)
		tr.CreatedAt = fromEpoch(createdAt)
		out = append(out, tr)
	}
	return out, errors.Wrap(rows.Err(), "iterate task transitions")
}

// StepTransitions returns the step's full history ordered by sort_key.
func (s *Store) StepTransitions(ctx context.Context, stepID uuid.UUID) ([]domain.WorkflowStepTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_step_transition_id, workflow_step_id, to_state, from_state, metadata, sort_key, most_recent, created_at
		 FROM workflow_step_transitions WHERE workflow_step_id = ? ORDER BY sort_key`, stepID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query step transitions")
	}
	defer rows.Close()

	var out []domain.WorkflowStepTransition
	for rows.Next() {
		var (
			tr        domain.WorkflowStepTransition
			id, sid   string
			toState   string
			fromState sql.NullString
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&id, &sid, &toState, &fromState, &metadata, &tr.SortKey, &tr.MostRecent, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan step transition")
		}
		if tr.WorkflowStepTransitionID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "parse transition id")
		}
		if tr.WorkflowStepID, err = uuid.Parse(sid); err != nil {
			return nil, errors.Wrap(err, "parse step id")
		}
		tr.ToState = constants.StepState(toState)
		if fromState.Valid {
			tr.FromState = constants.StepState(fromState.String)
		}
		tr.Metadata = jsonColumn(metadata)
		tr.CreatedAt = fromEpoch(createdAt)
		out = append(out, tr)
	}
	return out, errors.Wrap(rows.Err(), "iterate step transitions")
}
