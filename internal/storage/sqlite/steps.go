package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

const stepColumns = `s.workflow_step_id, s.task_id, s.named_step_id, ns.name,
	s.retryable, s.retry_limit, s.in_process, s.processed, s.processed_at,
	s.attempts, s.last_attempted_at, s.backoff_request_seconds,
	s.inputs, s.results, s.skippable, s.created_at, s.updated_at`

// StepsByTask returns the task's steps joined with their named step names.
func (s *Store) StepsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps s
		 JOIN named_steps ns ON ns.named_step_id = s.named_step_id
		 WHERE s.task_id = ?
		 ORDER BY s.created_at, s.workflow_step_id`, taskID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query steps")
	}
	defer rows.Close()

	var out []*domain.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, errors.Wrap(rows.Err(), "iterate steps")
}

// StepByID returns one step joined with its named step name.
func (s *Store) StepByID(ctx context.Context, stepID uuid.UUID) (*domain.WorkflowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps s
		 JOIN named_steps ns ON ns.named_step_id = s.named_step_id
		 WHERE s.workflow_step_id = ?`, stepID.String())
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrStepNotFound, "step %s", stepID)
	}
	return step, err
}

// EdgesByTask returns the task's dependency edges.
func (s *Store) EdgesByTask(ctx context.Context, taskID uuid.UUID) ([]domain.WorkflowStepEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.workflow_step_edge_id, e.from_step_id, e.to_step_id, e.name, e.created_at, e.updated_at
		 FROM workflow_step_edges e
		 JOIN workflow_steps fs ON fs.workflow_step_id = e.from_step_id
		 WHERE fs.task_id = ?`, taskID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query edges")
	}
	defer rows.Close()

	var out []domain.WorkflowStepEdge
	for rows.Next() {
		var e domain.WorkflowStepEdge
		var id, from, to string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &from, &to, &e.Name, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan edge")
		}
		if e.WorkflowStepEdgeID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "parse edge id")
		}
		if e.FromStepID, err = uuid.Parse(from); err != nil {
			return nil, errors.Wrap(err, "parse edge from id")
		}
		if e.ToStepID, err = uuid.Parse(to); err != nil {
			return nil, errors.Wrap(err, "parse edge to id")
		}
		e.CreatedAt = fromEpoch(createdAt)
		e.UpdatedAt = fromEpoch(updatedAt)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate edges")
}

// ClaimStep flips in_process from false to true. The conditional update is
// the cheap claim check; a zero-row result distinguishes a lost race from a
// missing step.
func (s *Store) ClaimStep(ctx context.Context, stepID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET in_process = TRUE, updated_at = ?
		 WHERE workflow_step_id = ? AND in_process = FALSE`,
		epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "claim step")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM workflow_steps WHERE workflow_step_id = ?)`,
			stepID.String()).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "check step exists")
		}
		if !exists {
			return errors.Wrapf(errors.ErrStepNotFound, "step %s", stepID)
		}
		return errors.Wrapf(errors.ErrStepClaimed, "step %s", stepID)
	}
	return nil
}

// ReleaseStep clears in_process without recording an attempt.
func (s *Store) ReleaseStep(ctx context.Context, stepID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET in_process = FALSE, updated_at = ?
		 WHERE workflow_step_id = ?`,
		epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "release step")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrStepNotFound, "step %s", stepID)
	}
	return nil
}

// ParentResults returns the results of the step's parents keyed by parent
// step name. Parents without results map to nil.
func (s *Store) ParentResults(ctx context.Context, stepID uuid.UUID) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ns.name, ps.results
		 FROM workflow_step_edges e
		 JOIN workflow_steps ps ON ps.workflow_step_id = e.from_step_id
		 JOIN named_steps ns ON ns.named_step_id = ps.named_step_id
		 WHERE e.to_step_id = ?`, stepID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query parent results")
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name string
		var results sql.NullString
		if err := rows.Scan(&name, &results); err != nil {
			return nil, errors.Wrap(err, "scan parent result")
		}
		out[name] = jsonColumn(results)
	}
	return out, errors.Wrap(rows.Err(), "iterate parent results")
}

// CompleteStep records a successful handler return: write results, bump
// attempts, mark processed, clear the claim, and append the transition to
// complete, all in one transaction. The step must currently be in_progress.
func (s *Store) CompleteStep(ctx context.Context, stepID uuid.UUID, results json.RawMessage, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_steps SET
		   results = ?,
		   attempts = COALESCE(attempts, 0) + 1,
		   processed = TRUE,
		   processed_at = ?,
		   in_process = FALSE,
		   last_attempted_at = ?,
		   updated_at = ?
		 WHERE workflow_step_id = ?`,
		nullJSON(results), epoch(at), epoch(at), epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "complete step row")
	}

	// The append verifies the step is still in_progress; a cancelled or
	// already-finished step fails the from-state check and rolls back the
	// row update with it.
	if _, err = appendStepTransitionTx(ctx, tx, stepID,
		constants.StepStateInProgress, constants.StepStateComplete, nil, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().Str("step_id", stepID.String()).Msg("step completed")
	return nil
}

// stepFailureMetadata is the transition metadata recorded on failures.
type stepFailureMetadata struct {
	Message               string `json:"message"`
	BackoffRequestSeconds *int64 `json:"backoff_request_seconds,omitempty"`
	Retryable             *bool  `json:"retryable,omitempty"`
}

// FailStep records a handler failure: bump attempts, stamp the attempt
// time, clear the claim, persist the failure's backoff request and
// retryability when it declares them, and append the transition to error
// with the message in the metadata. One transaction; the step must
// currently be in_progress.
func (s *Store) FailStep(ctx context.Context, stepID uuid.UUID, message string, backoffSeconds *int64, retryable *bool, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	sets := []string{
		"attempts = COALESCE(attempts, 0) + 1",
		"last_attempted_at = ?",
		"in_process = FALSE",
		"updated_at = ?",
	}
	args := []any{epoch(at), epoch(at)}
	if backoffSeconds != nil {
		sets = append(sets, "backoff_request_seconds = ?")
		args = append(args, *backoffSeconds)
	}
	if retryable != nil {
		sets = append(sets, "retryable = ?")
		args = append(args, *retryable)
	}
	args = append(args, stepID.String())

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_steps SET `+strings.Join(sets, ", ")+` WHERE workflow_step_id = ?`,
		args...)
	if err != nil {
		return errors.Wrap(err, "fail step row")
	}

	metadata, err := json.Marshal(stepFailureMetadata{
		Message:               message,
		BackoffRequestSeconds: backoffSeconds,
		Retryable:             retryable,
	})
	if err != nil {
		return errors.Wrap(err, "marshal failure metadata")
	}

	if _, err = appendStepTransitionTx(ctx, tx, stepID,
		constants.StepStateInProgress, constants.StepStateError, metadata, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().
		Str("step_id", stepID.String()).
		Str("message", message).
		Msg("step failed")
	return nil
}

// ResolveStepManually moves a non-terminal step to resolved_manually and
// marks it processed, so dependents treat it as satisfied.
func (s *Store) ResolveStepManually(ctx context.Context, stepID uuid.UUID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := currentStepStateTx(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if stepStateTerminal(current) {
		return errors.Wrapf(errors.ErrStepTerminal, "step %s is %s", stepID, current)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_steps SET
		   processed = TRUE, processed_at = ?, in_process = FALSE, updated_at = ?
		 WHERE workflow_step_id = ?`,
		epoch(at), epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "resolve step row")
	}

	if _, err = appendStepTransitionTx(ctx, tx, stepID,
		current, constants.StepStateResolvedManually, nil, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().Str("step_id", stepID.String()).Msg("step resolved manually")
	return nil
}

// CancelStep moves a non-terminal step to cancelled. Processed stays false;
// cancelled steps are simply never pending or error, so never ready.
func (s *Store) CancelStep(ctx context.Context, stepID uuid.UUID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := currentStepStateTx(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if stepStateTerminal(current) {
		return errors.Wrapf(errors.ErrStepTerminal, "step %s is %s", stepID, current)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_steps SET in_process = FALSE, updated_at = ?
		 WHERE workflow_step_id = ?`,
		epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "cancel step row")
	}

	if _, err = appendStepTransitionTx(ctx, tx, stepID,
		current, constants.StepStateCancelled, nil, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug().Str("step_id", stepID.String()).Msg("step cancelled")
	return nil
}

// SetStepRetryable flips the retryable column so an operator can revive a
// permanently failed step. The next readiness query reflects it; no restart
// is required.
func (s *Store) SetStepRetryable(ctx context.Context, stepID uuid.UUID, retryable bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET retryable = ?, updated_at = ? WHERE workflow_step_id = ?`,
		retryable, epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "set step retryable")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrStepNotFound, "step %s", stepID)
	}
	return nil
}

// ResetStepAttempts zeroes the attempt counter, restoring the full retry
// budget.
func (s *Store) ResetStepAttempts(ctx context.Context, stepID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET attempts = 0, updated_at = ? WHERE workflow_step_id = ?`,
		epoch(at), stepID.String())
	if err != nil {
		return errors.Wrap(err, "reset step attempts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrStepNotFound, "step %s", stepID)
	}
	return nil
}

// currentStepStateTx reads the step's current state inside a transaction.
// A step with no transition rows does not exist as far as the write paths
// are concerned; graph creation always writes the initial pending row.
func currentStepStateTx(ctx context.Context, tx *sql.Tx, stepID uuid.UUID) (constants.StepState, error) {
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT to_state FROM workflow_step_transitions
		 WHERE workflow_step_id = ? AND most_recent`, stepID.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrStepNotFound, "step %s has no transitions", stepID)
	}
	if err != nil {
		return "", errors.Wrap(err, "read current step state")
	}
	return constants.StepState(state), nil
}

// stepStateTerminal mirrors the step machine's terminal set for the store's
// precondition checks.
func stepStateTerminal(state constants.StepState) bool {
	switch state {
	case constants.StepStateComplete, constants.StepStateResolvedManually, constants.StepStateCancelled:
		return true
	default:
		return false
	}
}

// scanStep reads one step row with its named step name. sql.ErrNoRows
// passes through unwrapped so callers can map it.
func scanStep(row rowScanner) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	var id, taskID, namedStepID string
	var retryable sql.NullBool
	var retryLimit, attempts sql.NullInt32
	var processedAt, lastAttemptedAt, backoff sql.NullInt64
	var inputs, results sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&id, &taskID, &namedStepID, &step.Name,
		&retryable, &retryLimit, &step.InProcess, &step.Processed, &processedAt,
		&attempts, &lastAttemptedAt, &backoff,
		&inputs, &results, &step.Skippable, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan step")
	}

	if step.WorkflowStepID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse step id")
	}
	if step.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, errors.Wrap(err, "parse task id")
	}
	if step.NamedStepID, err = uuid.Parse(namedStepID); err != nil {
		return nil, errors.Wrap(err, "parse named step id")
	}
	if retryable.Valid {
		step.Retryable = &retryable.Bool
	}
	if retryLimit.Valid {
		step.RetryLimit = &retryLimit.Int32
	}
	step.ProcessedAt = timePtr(processedAt)
	if attempts.Valid {
		step.Attempts = &attempts.Int32
	}
	step.LastAttemptedAt = timePtr(lastAttemptedAt)
	if backoff.Valid {
		step.BackoffRequestSeconds = &backoff.Int64
	}
	step.Inputs = jsonColumn(inputs)
	step.Results = jsonColumn(results)
	step.CreatedAt = fromEpoch(createdAt)
	step.UpdatedAt = fromEpoch(updatedAt)
	return &step, nil
}
