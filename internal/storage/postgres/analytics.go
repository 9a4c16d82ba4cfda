package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// slowestStepsQuery measures each started step from its first in_progress
// transition to its last terminal transition, or to now for steps still
// running or retrying. The %s is the optional filter clause and the %d
// numbers the limit placeholder after it.
const slowestStepsQuery = `
WITH started AS (
	SELECT workflow_step_id, MIN(created_at) AS started_at
	FROM workflow_step_transitions
	WHERE to_state = 'in_progress'
	GROUP BY workflow_step_id
),
finished AS (
	SELECT workflow_step_id, MAX(created_at) AS finished_at
	FROM workflow_step_transitions
	WHERE to_state IN ('complete', 'resolved_manually', 'cancelled')
	GROUP BY workflow_step_id
)
SELECT s.workflow_step_id,
       s.task_id,
       ns.name AS step_name,
       nt.name AS task_name,
       tn.name AS namespace,
       nt.version,
       CAST(COALESCE(f.finished_at, $1) - st.started_at AS DOUBLE PRECISION) AS duration_seconds,
       COALESCE(s.attempts, 0) AS attempts,
       st.started_at
FROM workflow_steps s
JOIN named_steps ns ON ns.named_step_id = s.named_step_id
JOIN tasks t ON t.task_id = s.task_id
JOIN named_tasks nt ON nt.named_task_id = t.named_task_id
JOIN task_namespaces tn ON tn.task_namespace_id = nt.task_namespace_id
JOIN started st ON st.workflow_step_id = s.workflow_step_id
LEFT JOIN finished f ON f.workflow_step_id = s.workflow_step_id
%s
ORDER BY duration_seconds DESC, s.workflow_step_id
LIMIT $%d`

// SlowestSteps returns up to limit started steps ordered by descending
// duration.
func (s *Store) SlowestSteps(ctx context.Context, now time.Time, limit int, f storage.AnalyticsFilters) ([]domain.SlowestStep, error) {
	if limit <= 0 {
		limit = storage.DefaultAnalyticsLimit
	}
	where, filterArgs := analyticsFilterClause(f, 2)

	args := append([]any{epoch(now)}, filterArgs...)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(slowestStepsQuery, where, 2+len(filterArgs)), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query slowest steps")
	}
	defer rows.Close()

	var out []domain.SlowestStep
	for rows.Next() {
		var r domain.SlowestStep
		var stepID, taskID string
		var startedAt int64
		err := rows.Scan(&stepID, &taskID, &r.StepName, &r.TaskName, &r.Namespace,
			&r.Version, &r.DurationSeconds, &r.Attempts, &startedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan slowest step")
		}
		if r.WorkflowStepID, err = uuid.Parse(stepID); err != nil {
			return nil, errors.Wrap(err, "parse step id")
		}
		if r.TaskID, err = uuid.Parse(taskID); err != nil {
			return nil, errors.Wrap(err, "parse task id")
		}
		r.StartedAt = fromEpoch(startedAt)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate slowest steps")
}

// slowestTasksQuery mirrors slowestStepsQuery at the task grain. A task
// finishes when it reaches complete or cancelled; error tasks are still
// running from the report's point of view.
const slowestTasksQuery = `
WITH cur AS (
	SELECT workflow_step_id, to_state
	FROM workflow_step_transitions
	WHERE most_recent
),
started AS (
	SELECT task_id, MIN(created_at) AS started_at
	FROM task_transitions
	WHERE to_state = 'in_progress'
	GROUP BY task_id
),
finished AS (
	SELECT task_id, MAX(created_at) AS finished_at
	FROM task_transitions
	WHERE to_state IN ('complete', 'cancelled')
	GROUP BY task_id
),
counts AS (
	SELECT s.task_id,
	       COUNT(*) AS total_steps,
	       SUM(CASE WHEN c.to_state IN ('complete', 'resolved_manually') THEN 1 ELSE 0 END) AS completed_steps
	FROM workflow_steps s
	LEFT JOIN cur c ON c.workflow_step_id = s.workflow_step_id
	GROUP BY s.task_id
)
SELECT t.task_id,
       nt.name AS task_name,
       tn.name AS namespace,
       nt.version,
       CAST(COALESCE(f.finished_at, $1) - st.started_at AS DOUBLE PRECISION) AS duration_seconds,
       COALESCE(c.total_steps, 0) AS total_steps,
       COALESCE(c.completed_steps, 0) AS completed_steps,
       st.started_at
FROM tasks t
JOIN named_tasks nt ON nt.named_task_id = t.named_task_id
JOIN task_namespaces tn ON tn.task_namespace_id = nt.task_namespace_id
JOIN started st ON st.task_id = t.task_id
LEFT JOIN finished f ON f.task_id = t.task_id
LEFT JOIN counts c ON c.task_id = t.task_id
%s
ORDER BY duration_seconds DESC, t.task_id
LIMIT $%d`

// SlowestTasks returns up to limit started tasks ordered by descending
// duration.
func (s *Store) SlowestTasks(ctx context.Context, now time.Time, limit int, f storage.AnalyticsFilters) ([]domain.SlowestTask, error) {
	if limit <= 0 {
		limit = storage.DefaultAnalyticsLimit
	}
	where, filterArgs := analyticsFilterClause(f, 2)

	args := append([]any{epoch(now)}, filterArgs...)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(slowestTasksQuery, where, 2+len(filterArgs)), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query slowest tasks")
	}
	defer rows.Close()

	var out []domain.SlowestTask
	for rows.Next() {
		var r domain.SlowestTask
		var taskID string
		var startedAt int64
		err := rows.Scan(&taskID, &r.TaskName, &r.Namespace, &r.Version,
			&r.DurationSeconds, &r.TotalSteps, &r.CompletedSteps, &startedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan slowest task")
		}
		if r.TaskID, err = uuid.Parse(taskID); err != nil {
			return nil, errors.Wrap(err, "parse task id")
		}
		r.StartedAt = fromEpoch(startedAt)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate slowest tasks")
}

// taskHealthQuery counts tasks by current state.
const taskHealthQuery = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE COALESCE(tc.to_state, 'pending') = 'pending'),
       COUNT(*) FILTER (WHERE tc.to_state = 'in_progress'),
       COUNT(*) FILTER (WHERE tc.to_state = 'complete'),
       COUNT(*) FILTER (WHERE tc.to_state = 'error'),
       COUNT(*) FILTER (WHERE tc.to_state = 'cancelled')
FROM tasks t
LEFT JOIN task_transitions tc ON tc.task_id = t.task_id AND tc.most_recent`

// stepHealthQuery counts steps by current state and splits error steps into
// still-retryable, exhausted, and currently-in-backoff, reusing the same
// effective values and windows as the readiness queries.
const stepHealthQuery = `
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
base AS (
	SELECT COALESCE(c.to_state, 'pending') AS current_state,
	       COALESCE(s.attempts, 0) AS attempts,
	       COALESCE(s.retry_limit, p.default_retry_limit) AS retry_limit,
	       COALESCE(s.retryable, p.default_retryable) AS retryable,
	       s.backoff_request_seconds,
	       s.last_attempted_at,
	       f.last_failure_at,
	       CASE WHEN GREATEST(COALESCE(s.attempts, 0), 1) >= 31 THEN p.backoff_cap
	            ELSE LEAST(1 << GREATEST(COALESCE(s.attempts, 0), 1), p.backoff_cap)
	       END AS backoff_window,
	       p.now_epoch AS now_epoch
	FROM workflow_steps s
	CROSS JOIN params p
	LEFT JOIN cur c ON c.workflow_step_id = s.workflow_step_id
	LEFT JOIN fail f ON f.workflow_step_id = s.workflow_step_id
),
gated AS (
	SELECT b.*,
	       CASE WHEN b.backoff_request_seconds IS NOT NULL AND b.last_attempted_at IS NOT NULL
	            THEN CASE WHEN b.last_attempted_at + b.backoff_request_seconds > b.now_epoch
	                      THEN b.last_attempted_at + b.backoff_request_seconds END
	            WHEN b.last_failure_at IS NOT NULL
	            THEN CASE WHEN b.last_failure_at + b.backoff_window > b.now_epoch
	                      THEN b.last_failure_at + b.backoff_window END
	       END AS backoff_until
	FROM base b
)
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE current_state = 'pending'),
       COUNT(*) FILTER (WHERE current_state = 'in_progress'),
       COUNT(*) FILTER (WHERE current_state IN ('complete', 'resolved_manually')),
       COUNT(*) FILTER (WHERE current_state = 'error'),
       COUNT(*) FILTER (WHERE current_state = 'error' AND attempts < retry_limit AND retryable),
       COUNT(*) FILTER (WHERE current_state = 'error' AND (attempts >= retry_limit OR NOT retryable)),
       COUNT(*) FILTER (WHERE current_state = 'error' AND attempts < retry_limit AND retryable AND backoff_until IS NOT NULL)
FROM gated`

// SystemHealth returns the system-wide state and retry counts.
func (s *Store) SystemHealth(ctx context.Context, now time.Time) (*domain.SystemHealthCounts, error) {
	var h domain.SystemHealthCounts

	err := s.pool.QueryRow(ctx, taskHealthQuery).Scan(
		&h.TotalTasks, &h.PendingTasks, &h.InProgressTasks,
		&h.CompleteTasks, &h.ErrorTasks, &h.CancelledTasks)
	if err != nil {
		return nil, errors.Wrap(err, "query task health")
	}

	err = s.pool.QueryRow(ctx, stepHealthQuery,
		epoch(now), s.retryLimit, s.retryable, s.backoffCap).Scan(
		&h.TotalSteps, &h.PendingSteps, &h.InProgressSteps,
		&h.CompleteSteps, &h.ErrorSteps,
		&h.RetryableErrorSteps, &h.ExhaustedRetrySteps, &h.InBackoffSteps)
	if err != nil {
		return nil, errors.Wrap(err, "query step health")
	}

	return &h, nil
}

// analyticsFilterClause renders the optional WHERE clause for the slowest
// queries, numbering placeholders from start. Filter placeholders bind after
// now and before the limit.
func analyticsFilterClause(f storage.AnalyticsFilters, start int) (string, []any) {
	var conds []string
	var args []any
	if f.Namespace != "" {
		conds = append(conds, fmt.Sprintf("tn.name = $%d", start+len(args)))
		args = append(args, f.Namespace)
	}
	if f.TaskName != "" {
		conds = append(conds, fmt.Sprintf("nt.name = $%d", start+len(args)))
		args = append(args, f.TaskName)
	}
	if f.Version != "" {
		conds = append(conds, fmt.Sprintf("nt.version = $%d", start+len(args)))
		args = append(args, f.Version)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
