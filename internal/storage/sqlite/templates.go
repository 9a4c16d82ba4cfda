package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Registration rows are find-or-create: insert with ON CONFLICT DO NOTHING,
// then read whichever row won. Re-registering never updates an existing row,
// so changed step defaults require a new template version.

// EnsureNamespace finds or creates a task namespace by name.
func (s *Store) EnsureNamespace(ctx context.Context, name, description string, at time.Time) (*domain.TaskNamespace, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_namespaces (task_namespace_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		uuid.New().String(), name, description, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert namespace")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT task_namespace_id, name, description, created_at, updated_at
		 FROM task_namespaces WHERE name = ?`, name)

	var ns domain.TaskNamespace
	var id string
	var desc sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &ns.Name, &desc, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan namespace")
	}
	if ns.TaskNamespaceID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse namespace id")
	}
	ns.Description = desc.String
	ns.CreatedAt = fromEpoch(createdAt)
	ns.UpdatedAt = fromEpoch(updatedAt)
	return &ns, nil
}

// EnsureDependentSystem finds or creates a dependent system by name.
func (s *Store) EnsureDependentSystem(ctx context.Context, name, description string, at time.Time) (*domain.DependentSystem, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dependent_systems (dependent_system_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		uuid.New().String(), name, description, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert dependent system")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT dependent_system_id, name, description, created_at, updated_at
		 FROM dependent_systems WHERE name = ?`, name)

	var ds domain.DependentSystem
	var id string
	var desc sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &ds.Name, &desc, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan dependent system")
	}
	if ds.DependentSystemID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse dependent system id")
	}
	ds.Description = desc.String
	ds.CreatedAt = fromEpoch(createdAt)
	ds.UpdatedAt = fromEpoch(updatedAt)
	return &ds, nil
}

// EnsureNamedStep finds or creates a named step by (system, name).
func (s *Store) EnsureNamedStep(ctx context.Context, dependentSystemID uuid.UUID, name, description string, at time.Time) (*domain.NamedStep, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO named_steps (named_step_id, dependent_system_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dependent_system_id, name) DO NOTHING`,
		uuid.New().String(), dependentSystemID.String(), name, description, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert named step")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT named_step_id, dependent_system_id, name, description, created_at, updated_at
		 FROM named_steps WHERE dependent_system_id = ? AND name = ?`,
		dependentSystemID.String(), name)

	var ns domain.NamedStep
	var id, systemID string
	var desc sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &systemID, &ns.Name, &desc, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan named step")
	}
	if ns.NamedStepID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse named step id")
	}
	if ns.DependentSystemID, err = uuid.Parse(systemID); err != nil {
		return nil, errors.Wrap(err, "parse dependent system id")
	}
	ns.Description = desc.String
	ns.CreatedAt = fromEpoch(createdAt)
	ns.UpdatedAt = fromEpoch(updatedAt)
	return &ns, nil
}

// EnsureNamedTask finds or creates a named task by (namespace, name, version).
func (s *Store) EnsureNamedTask(ctx context.Context, namespaceID uuid.UUID, name, version, description string, configuration json.RawMessage, at time.Time) (*domain.NamedTask, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO named_tasks
		 (named_task_id, task_namespace_id, name, version, description, configuration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_namespace_id, name, version) DO NOTHING`,
		uuid.New().String(), namespaceID.String(), name, version, description,
		nullJSON(configuration), epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert named task")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+namedTaskColumns+` FROM named_tasks nt
		 WHERE nt.task_namespace_id = ? AND nt.name = ? AND nt.version = ?`,
		namespaceID.String(), name, version)
	nt, err := scanNamedTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNamedTaskNotFound, "named task %s/%s", name, version)
	}
	return nt, err
}

// EnsureNamedTaskStep finds or creates the link row carrying the
// per-task-step defaults.
func (s *Store) EnsureNamedTaskStep(ctx context.Context, namedTaskID, namedStepID uuid.UUID, skippable, retryable bool, retryLimit int32, at time.Time) (*domain.NamedTaskStep, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO named_tasks_named_steps
		 (named_task_step_id, named_task_id, named_step_id, skippable, default_retryable, default_retry_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (named_task_id, named_step_id) DO NOTHING`,
		uuid.New().String(), namedTaskID.String(), namedStepID.String(),
		skippable, retryable, retryLimit, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert named task step")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+namedTaskStepColumns+` FROM named_tasks_named_steps
		 WHERE named_task_id = ? AND named_step_id = ?`,
		namedTaskID.String(), namedStepID.String())
	return scanNamedTaskStep(row)
}

// NamedTaskByTriple resolves (namespace, name, version) to the named task row.
func (s *Store) NamedTaskByTriple(ctx context.Context, namespace, name, version string) (*domain.NamedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+namedTaskColumns+` FROM named_tasks nt
		 JOIN task_namespaces tn ON tn.task_namespace_id = nt.task_namespace_id
		 WHERE tn.name = ? AND nt.name = ? AND nt.version = ?`,
		namespace, name, version)
	nt, err := scanNamedTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNamedTaskNotFound, "named task %s/%s@%s", namespace, name, version)
	}
	return nt, err
}

// NamedTaskByID returns the named task row.
func (s *Store) NamedTaskByID(ctx context.Context, namedTaskID uuid.UUID) (*domain.NamedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+namedTaskColumns+` FROM named_tasks nt WHERE nt.named_task_id = ?`,
		namedTaskID.String())
	nt, err := scanNamedTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNamedTaskNotFound, "named task %s", namedTaskID)
	}
	return nt, err
}

// NamedTaskSteps returns the named task's step link rows.
func (s *Store) NamedTaskSteps(ctx context.Context, namedTaskID uuid.UUID) ([]domain.NamedTaskStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+namedTaskStepColumns+` FROM named_tasks_named_steps
		 WHERE named_task_id = ?
		 ORDER BY created_at, named_task_step_id`, namedTaskID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query named task steps")
	}
	defer rows.Close()

	var out []domain.NamedTaskStep
	for rows.Next() {
		nts, err := scanNamedTaskStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *nts)
	}
	return out, errors.Wrap(rows.Err(), "iterate named task steps")
}

const namedTaskColumns = `nt.named_task_id, nt.task_namespace_id, nt.name, nt.version,
	nt.description, nt.configuration, nt.created_at, nt.updated_at`

// scanNamedTask reads one named task row. sql.ErrNoRows passes through
// unwrapped so callers can map it.
func scanNamedTask(row rowScanner) (*domain.NamedTask, error) {
	var nt domain.NamedTask
	var id, namespaceID string
	var desc, configuration sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&id, &namespaceID, &nt.Name, &nt.Version,
		&desc, &configuration, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan named task")
	}

	if nt.NamedTaskID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse named task id")
	}
	if nt.TaskNamespaceID, err = uuid.Parse(namespaceID); err != nil {
		return nil, errors.Wrap(err, "parse namespace id")
	}
	nt.Description = desc.String
	nt.Configuration = jsonColumn(configuration)
	nt.CreatedAt = fromEpoch(createdAt)
	nt.UpdatedAt = fromEpoch(updatedAt)
	return &nt, nil
}

const namedTaskStepColumns = `named_task_step_id, named_task_id, named_step_id,
	skippable, default_retryable, default_retry_limit, created_at, updated_at`

// scanNamedTaskStep reads one link row.
func scanNamedTaskStep(row rowScanner) (*domain.NamedTaskStep, error) {
	var nts domain.NamedTaskStep
	var id, taskID, stepID string
	var createdAt, updatedAt int64

	err := row.Scan(&id, &taskID, &stepID,
		&nts.Skippable, &nts.DefaultRetryable, &nts.DefaultRetryLimit,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scan named task step")
	}

	if nts.NamedTaskStepID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse named task step id")
	}
	if nts.NamedTaskID, err = uuid.Parse(taskID); err != nil {
		return nil, errors.Wrap(err, "parse named task id")
	}
	if nts.NamedStepID, err = uuid.Parse(stepID); err != nil {
		return nil, errors.Wrap(err, "parse named step id")
	}
	nts.CreatedAt = fromEpoch(createdAt)
	nts.UpdatedAt = fromEpoch(updatedAt)
	return &nts, nil
}
