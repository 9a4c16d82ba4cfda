package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// stepReadinessQuery computes every readiness verdict in one statement. The
// %s is the step filter applied inside the base CTE.
//
// The params CTE binds now and the retry defaults exactly once, cast
// explicitly so the planner can type the bare parameters; everything
// downstream references them by name. Layered CTEs stand in for same-level
// column references: base resolves effective values and the exponential
// window, gated derives the backoff hold, and the outer select applies the
// eligibility ladder.
//
// The exponential window is min(2^max(attempts,1), cap) seconds anchored at
// the last failure; an explicit backoff request is anchored at the last
// attempt and takes precedence. The shift is guarded so the exponent never
// exceeds the cap anyway.
const stepReadinessQuery = `
WITH params AS (
	SELECT $1::BIGINT AS now_epoch, $2::INTEGER AS default_retry_limit, $3::BOOLEAN AS default_retryable, $4::BIGINT AS backoff_cap
),
cur AS (
	SELECT workflow_step_id, to_state
	FROM workflow_step_transitions
	WHERE most_recent
),
fail AS (
	SELECT workflow_step_id, MAX(created_at) AS last_failure_at
	FROM workflow_step_transitions
	WHERE to_state = 'error'
	GROUP BY workflow_step_id
),
parents AS (
	SELECT e.to_step_id AS workflow_step_id,
	       COUNT(*) AS total_parents,
	       SUM(CASE WHEN pc.to_state IN ('complete', 'resolved_manually') THEN 1 ELSE 0 END) AS completed_parents
	FROM workflow_step_edges e
	LEFT JOIN cur pc ON pc.workflow_step_id = e.from_step_id
	GROUP BY e.to_step_id
),
base AS (
	SELECT s.workflow_step_id,
	       s.task_id,
	       ns.name AS step_name,
	       COALESCE(c.to_state, 'pending') AS current_state,
	       COALESCE(s.attempts, 0) AS attempts,
	       COALESCE(s.retry_limit, p.default_retry_limit) AS retry_limit,
	       COALESCE(s.retryable, p.default_retryable) AS retryable,
	       s.in_process,
	       s.processed,
	       s.backoff_request_seconds,
	       s.last_attempted_at,
	       f.last_failure_at,
	       COALESCE(pr.total_parents, 0) AS total_parents,
	       COALESCE(pr.completed_parents, 0) AS completed_parents,
	       CASE WHEN GREATEST(COALESCE(s.attempts, 0), 1) >= 31 THEN p.backoff_cap
	            ELSE LEAST(1 << GREATEST(COALESCE(s.attempts, 0), 1), p.backoff_cap)
	       END AS backoff_window,
	       p.now_epoch AS now_epoch
	FROM workflow_steps s
	JOIN named_steps ns ON ns.named_step_id = s.named_step_id
	CROSS JOIN params p
	LEFT JOIN cur c ON c.workflow_step_id = s.workflow_step_id
	LEFT JOIN fail f ON f.workflow_step_id = s.workflow_step_id
	LEFT JOIN parents pr ON pr.workflow_step_id = s.workflow_step_id
	WHERE %s
),
gated AS (
	SELECT b.*,
	       (b.completed_parents = b.total_parents) AS dependencies_satisfied,
	       CASE WHEN b.backoff_request_seconds IS NOT NULL AND b.last_attempted_at IS NOT NULL
	            THEN CASE WHEN b.last_attempted_at + b.backoff_request_seconds > b.now_epoch
	                      THEN b.last_attempted_at + b.backoff_request_seconds END
	            WHEN b.last_failure_at IS NOT NULL
	            THEN CASE WHEN b.last_failure_at + b.backoff_window > b.now_epoch
	                      THEN b.last_failure_at + b.backoff_window END
	       END AS backoff_until
	FROM base b
)
SELECT g.workflow_step_id,
       g.task_id,
       g.step_name,
       g.current_state,
       g.dependencies_satisfied,
       CASE WHEN g.attempts >= g.retry_limit THEN FALSE
            WHEN g.attempts > 0 AND NOT g.retryable THEN FALSE
            WHEN g.last_failure_at IS NULL THEN TRUE
            WHEN g.backoff_request_seconds IS NOT NULL AND g.last_attempted_at IS NOT NULL
                 AND g.last_attempted_at + g.backoff_request_seconds <= g.now_epoch THEN TRUE
            ELSE g.last_failure_at + g.backoff_window <= g.now_epoch
       END AS retry_eligible,
       (g.current_state IN ('pending', 'error')
        AND NOT g.processed
        AND NOT g.in_process
        AND g.dependencies_satisfied
        AND g.attempts < g.retry_limit
        AND g.retryable
        AND g.backoff_until IS NULL) AS ready_for_execution,
       g.last_failure_at,
       CASE WHEN g.backoff_until IS NOT NULL AND g.attempts < g.retry_limit AND g.retryable
            THEN g.backoff_until
       END AS next_retry_at,
       g.total_parents,
       g.completed_parents,
       g.attempts,
       g.retry_limit,
       g.retryable,
       g.in_process,
       g.processed,
       g.backoff_request_seconds,
       g.last_attempted_at
FROM gated g
WHERE NOT g.processed
ORDER BY g.task_id, g.step_name`

// StepReadiness returns readiness rows for the task's unprocessed steps,
// optionally narrowed to stepIDs.
func (s *Store) StepReadiness(ctx context.Context, taskID uuid.UUID, stepIDs []uuid.UUID, now time.Time) ([]domain.StepReadiness, error) {
	filter := "s.task_id = $5"
	args := []any{epoch(now), s.retryLimit, s.retryable, s.backoffCap, taskID.String()}
	if len(stepIDs) > 0 {
		filter += " AND s.workflow_step_id IN (" + placeholders(6, len(stepIDs)) + ")"
		for _, id := range stepIDs {
			args = append(args, id.String())
		}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(stepReadinessQuery, filter), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query step readiness")
	}
	defer rows.Close()

	return scanReadinessRows(rows)
}

// StepReadinessForTasks is the batch variant over several tasks.
func (s *Store) StepReadinessForTasks(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]domain.StepReadiness, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	filter := "s.task_id IN (" + placeholders(5, len(taskIDs)) + ")"
	args := []any{epoch(now), s.retryLimit, s.retryable, s.backoffCap}
	for _, id := range taskIDs {
		args = append(args, id.String())
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(stepReadinessQuery, filter), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query step readiness")
	}
	defer rows.Close()

	return scanReadinessRows(rows)
}

// executionContextQuery rolls one or more tasks' steps up into counts. It is
// anchored on tasks so a task with no steps still yields a row (with zero
// counts), and the %s is the task filter.
//
// The verdict layers repeat the readiness computation over all steps,
// processed included, because the counts cover the whole task.
const executionContextQuery = `
WITH params AS (
	SELECT $1::BIGINT AS now_epoch, $2::INTEGER AS default_retry_limit, $3::BOOLEAN AS default_retryable, $4::BIGINT AS backoff_cap
),
cur AS (
	SELECT workflow_step_id, to_state
	FROM workflow_step_transitions
	WHERE most_recent
),
fail AS (
	SELECT workflow_step_id, MAX(created_at) AS last_failure_at
	FROM workflow_step_transitions
	WHERE to_state = 'error'
	GROUP BY workflow_step_id
),
parents AS (
	SELECT e.to_step_id AS workflow_step_id,
	       COUNT(*) AS total_parents,
	       SUM(CASE WHEN pc.to_state IN ('complete', 'resolved_manually') THEN 1 ELSE 0 END) AS completed_parents
	FROM workflow_step_edges e
	LEFT JOIN cur pc ON pc.workflow_step_id = e.from_step_id
	GROUP BY e.to_step_id
),
base AS (
	SELECT s.workflow_step_id,
	       s.task_id,
	       COALESCE(c.to_state, 'pending') AS current_state,
	       COALESCE(s.attempts, 0) AS attempts,
	       COALESCE(s.retry_limit, p.default_retry_limit) AS retry_limit,
	       COALESCE(s.retryable, p.default_retryable) AS retryable,
	       s.in_process,
	       s.processed,
	       s.backoff_request_seconds,
	       s.last_attempted_at,
	       f.last_failure_at,
	       COALESCE(pr.total_parents, 0) AS total_parents,
	       COALESCE(pr.completed_parents, 0) AS completed_parents,
	       CASE WHEN GREATEST(COALESCE(s.attempts, 0), 1) >= 31 THEN p.backoff_cap
	            ELSE LEAST(1 << GREATEST(COALESCE(s.attempts, 0), 1), p.backoff_cap)
	       END AS backoff_window,
	       p.now_epoch AS now_epoch
	FROM workflow_steps s
	CROSS JOIN params p
	LEFT JOIN cur c ON c.workflow_step_id = s.workflow_step_id
	LEFT JOIN fail f ON f.workflow_step_id = s.workflow_step_id
	LEFT JOIN parents pr ON pr.workflow_step_id = s.workflow_step_id
),
gated AS (
	SELECT b.*,
	       (b.completed_parents = b.total_parents) AS dependencies_satisfied,
	       CASE WHEN b.backoff_request_seconds IS NOT NULL AND b.last_attempted_at IS NOT NULL
	            THEN CASE WHEN b.last_attempted_at + b.backoff_request_seconds > b.now_epoch
	                      THEN b.last_attempted_at + b.backoff_request_seconds END
	            WHEN b.last_failure_at IS NOT NULL
	            THEN CASE WHEN b.last_failure_at + b.backoff_window > b.now_epoch
	                      THEN b.last_failure_at + b.backoff_window END
	       END AS backoff_until
	FROM base b
),
verdicts AS (
	SELECT g.task_id,
	       g.workflow_step_id,
	       g.current_state,
	       (g.current_state IN ('pending', 'error')
	        AND NOT g.processed
	        AND NOT g.in_process
	        AND g.dependencies_satisfied
	        AND g.attempts < g.retry_limit
	        AND g.retryable
	        AND g.backoff_until IS NULL) AS ready_for_execution,
	       (g.current_state = 'error'
	        AND (g.attempts >= g.retry_limit OR NOT g.retryable)) AS permanently_blocked,
	       CASE WHEN g.backoff_until IS NOT NULL AND g.attempts < g.retry_limit AND g.retryable
	            THEN g.backoff_until
	       END AS next_retry_at
	FROM gated g
)
SELECT t.task_id,
       COALESCE(tc.to_state, 'pending') AS task_state,
       COUNT(v.workflow_step_id) AS total,
       COUNT(*) FILTER (WHERE v.current_state = 'pending') AS pending,
       COUNT(*) FILTER (WHERE v.current_state = 'in_progress') AS in_progress,
       COUNT(*) FILTER (WHERE v.current_state IN ('complete', 'resolved_manually')) AS completed,
       COUNT(*) FILTER (WHERE v.current_state = 'error') AS failed,
       COUNT(*) FILTER (WHERE v.ready_for_execution) AS ready,
       COUNT(*) FILTER (WHERE v.permanently_blocked) AS permanently_blocked,
       MIN(v.next_retry_at) AS earliest_retry_at
FROM tasks t
LEFT JOIN task_transitions tc ON tc.task_id = t.task_id AND tc.most_recent
LEFT JOIN verdicts v ON v.task_id = t.task_id
WHERE %s
GROUP BY t.task_id, tc.to_state
ORDER BY t.task_id`

// TaskExecutionContext rolls one task's steps up into its execution context.
func (s *Store) TaskExecutionContext(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.ExecutionContext, error) {
	args := []any{epoch(now), s.retryLimit, s.retryable, s.backoffCap, taskID.String()}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(executionContextQuery, "t.task_id = $5"), args...)

	counts, err := scanContextCounts(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return storage.BuildExecutionContext(counts), nil
}

// TaskExecutionContexts is the batch variant over several tasks. Tasks that
// do not exist are simply absent from the result.
func (s *Store) TaskExecutionContexts(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]domain.ExecutionContext, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	args := []any{epoch(now), s.retryLimit, s.retryable, s.backoffCap}
	for _, id := range taskIDs {
		args = append(args, id.String())
	}
	filter := "t.task_id IN (" + placeholders(5, len(taskIDs)) + ")"

	rows, err := s.pool.Query(ctx, fmt.Sprintf(executionContextQuery, filter), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query execution contexts")
	}
	defer rows.Close()

	var out []domain.ExecutionContext
	for rows.Next() {
		counts, err := scanContextCounts(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *storage.BuildExecutionContext(counts))
	}
	return out, errors.Wrap(rows.Err(), "iterate execution contexts")
}

// scanReadinessRows drains a readiness result set.
func scanReadinessRows(rows pgx.Rows) ([]domain.StepReadiness, error) {
	var out []domain.StepReadiness
	for rows.Next() {
		var r domain.StepReadiness
		var stepID, taskID, state string
		var lastFailure, nextRetry, lastAttempted, backoff *int64

		err := rows.Scan(&stepID, &taskID, &r.StepName, &state,
			&r.DependenciesSatisfied, &r.RetryEligible, &r.ReadyForExecution,
			&lastFailure, &nextRetry,
			&r.TotalParents, &r.CompletedParents,
			&r.Attempts, &r.RetryLimit, &r.Retryable,
			&r.InProcess, &r.Processed,
			&backoff, &lastAttempted)
		if err != nil {
			return nil, errors.Wrap(err, "scan readiness row")
		}

		if r.WorkflowStepID, err = uuid.Parse(stepID); err != nil {
			return nil, errors.Wrap(err, "parse step id")
		}
		if r.TaskID, err = uuid.Parse(taskID); err != nil {
			return nil, errors.Wrap(err, "parse task id")
		}
		r.CurrentState = constants.StepState(state)
		r.LastFailureAt = timePtr(lastFailure)
		r.NextRetryAt = timePtr(nextRetry)
		r.BackoffRequestSeconds = backoff
		r.LastAttemptedAt = timePtr(lastAttempted)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate readiness rows")
}

// scanContextCounts reads one aggregate row. pgx.ErrNoRows passes through
// unwrapped so callers can map it.
func scanContextCounts(row rowScanner) (storage.ContextCounts, error) {
	var c storage.ContextCounts
	var taskID, state string
	var earliest *int64

	err := row.Scan(&taskID, &state, &c.Total, &c.Pending, &c.InProgress,
		&c.Completed, &c.Failed, &c.Ready, &c.PermanentlyBlocked, &earliest)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, errors.Wrap(err, "scan context counts")
	}

	if c.TaskID, err = uuid.Parse(taskID); err != nil {
		return c, errors.Wrap(err, "parse task id")
	}
	c.TaskState = constants.TaskState(state)
	c.EarliestRetryAt = timePtr(earliest)
	return c, nil
}
