package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// EnsureAnnotationType finds or creates an annotation type by name.
func (s *Store) EnsureAnnotationType(ctx context.Context, name, description string, at time.Time) (*domain.AnnotationType, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO annotation_types (annotation_type_id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO NOTHING`,
		uuid.New().String(), name, description, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert annotation type")
	}

	row := s.pool.QueryRow(ctx,
		`SELECT annotation_type_id, name, description, created_at, updated_at
		 FROM annotation_types WHERE name = $1`, name)

	var typ domain.AnnotationType
	var id string
	var desc *string
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &typ.Name, &desc, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan annotation type")
	}
	if typ.AnnotationTypeID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse annotation type id")
	}
	typ.Description = strVal(desc)
	typ.CreatedAt = fromEpoch(createdAt)
	typ.UpdatedAt = fromEpoch(updatedAt)
	return &typ, nil
}

// AnnotateTask attaches a typed document to a task, creating the type row on
// demand.
func (s *Store) AnnotateTask(ctx context.Context, taskID uuid.UUID, typeName string, annotation json.RawMessage, at time.Time) (*domain.TaskAnnotation, error) {
	annotationType, err := s.EnsureAnnotationType(ctx, typeName, "", at)
	if err != nil {
		return nil, err
	}

	ta := &domain.TaskAnnotation{
		TaskAnnotationID: uuid.New(),
		TaskID:           taskID,
		AnnotationTypeID: annotationType.AnnotationTypeID,
		TypeName:         annotationType.Name,
		Annotation:       annotation,
		CreatedAt:        at.UTC(),
		UpdatedAt:        at.UTC(),
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_annotations
		 (task_annotation_id, task_id, annotation_type_id, annotation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ta.TaskAnnotationID.String(), taskID.String(), ta.AnnotationTypeID.String(),
		nullJSON(annotation), epoch(at), epoch(at))
	if isForeignKeyViolation(err) {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert annotation")
	}
	return ta, nil
}

// TaskAnnotations returns the task's annotations joined with their type
// names, oldest first.
func (s *Store) TaskAnnotations(ctx context.Context, taskID uuid.UUID) ([]domain.TaskAnnotation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ta.task_annotation_id, ta.task_id, ta.annotation_type_id, at.name,
		        ta.annotation, ta.created_at, ta.updated_at
		 FROM task_annotations ta
		 JOIN annotation_types at ON at.annotation_type_id = ta.annotation_type_id
		 WHERE ta.task_id = $1
		 ORDER BY ta.created_at, ta.task_annotation_id`, taskID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query annotations")
	}
	defer rows.Close()

	var out []domain.TaskAnnotation
	for rows.Next() {
		var ta domain.TaskAnnotation
		var id, tid, typeID string
		var annotation []byte
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &tid, &typeID, &ta.TypeName, &annotation, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan annotation")
		}
		if ta.TaskAnnotationID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "parse annotation id")
		}
		if ta.TaskID, err = uuid.Parse(tid); err != nil {
			return nil, errors.Wrap(err, "parse task id")
		}
		if ta.AnnotationTypeID, err = uuid.Parse(typeID); err != nil {
			return nil, errors.Wrap(err, "parse annotation type id")
		}
		ta.Annotation = jsonVal(annotation)
		ta.CreatedAt = fromEpoch(createdAt)
		ta.UpdatedAt = fromEpoch(updatedAt)
		out = append(out, ta)
	}
	return out, errors.Wrap(rows.Err(), "iterate annotations")
}

// EnsureObjectMap finds or creates the mapping between one object's
// identifiers in two dependent systems. Lookups are direction-insensitive,
// so (one, two) and (two, one) resolve to the same row.
func (s *Store) EnsureObjectMap(ctx context.Context, systemOneID, systemTwoID uuid.UUID, remoteIDOne, remoteIDTwo string, at time.Time) (*domain.DependentSystemObjectMap, error) {
	m, err := s.objectMapByPair(ctx, systemOneID, systemTwoID, remoteIDOne, remoteIDTwo)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dependent_system_object_maps
		 (dependent_system_object_map_id, dependent_system_one_id, dependent_system_two_id,
		  remote_id_one, remote_id_two, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (dependent_system_one_id, dependent_system_two_id, remote_id_one, remote_id_two) DO NOTHING`,
		uuid.New().String(), systemOneID.String(), systemTwoID.String(),
		remoteIDOne, remoteIDTwo, epoch(at), epoch(at))
	if err != nil {
		return nil, errors.Wrap(err, "insert object map")
	}

	m, err = s.objectMapByPair(ctx, systemOneID, systemTwoID, remoteIDOne, remoteIDTwo)
	if err != nil {
		return nil, errors.Wrap(err, "read back object map")
	}
	return m, nil
}

// ObjectMapByRemoteID finds a mapping by one side's system and remote id,
// searching both directions.
func (s *Store) ObjectMapByRemoteID(ctx context.Context, systemID uuid.UUID, remoteID string) (*domain.DependentSystemObjectMap, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+objectMapColumns+` FROM dependent_system_object_maps
		 WHERE (dependent_system_one_id = $1 AND remote_id_one = $2)
		    OR (dependent_system_two_id = $3 AND remote_id_two = $4)
		 ORDER BY created_at, dependent_system_object_map_id
		 LIMIT 1`,
		systemID.String(), remoteID, systemID.String(), remoteID)
	m, err := scanObjectMap(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrObjectMapNotFound, "system %s remote id %s", systemID, remoteID)
	}
	return m, err
}

// objectMapByPair looks a mapping up in both directions. pgx.ErrNoRows
// passes through unwrapped so callers can map it.
func (s *Store) objectMapByPair(ctx context.Context, oneID, twoID uuid.UUID, ridOne, ridTwo string) (*domain.DependentSystemObjectMap, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+objectMapColumns+` FROM dependent_system_object_maps
		 WHERE (dependent_system_one_id = $1 AND dependent_system_two_id = $2 AND remote_id_one = $3 AND remote_id_two = $4)
		    OR (dependent_system_one_id = $5 AND dependent_system_two_id = $6 AND remote_id_one = $7 AND remote_id_two = $8)`,
		oneID.String(), twoID.String(), ridOne, ridTwo,
		twoID.String(), oneID.String(), ridTwo, ridOne)
	return scanObjectMap(row)
}

const objectMapColumns = `dependent_system_object_map_id, dependent_system_one_id,
	dependent_system_two_id, remote_id_one, remote_id_two, created_at, updated_at`

// scanObjectMap reads one mapping row. pgx.ErrNoRows passes through
// unwrapped so callers can map it.
func scanObjectMap(row rowScanner) (*domain.DependentSystemObjectMap, error) {
	var m domain.DependentSystemObjectMap
	var id, oneID, twoID string
	var createdAt, updatedAt int64

	err := row.Scan(&id, &oneID, &twoID, &m.RemoteIDOne, &m.RemoteIDTwo, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan object map")
	}

	if m.DependentSystemObjectMapID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse object map id")
	}
	if m.DependentSystemOneID, err = uuid.Parse(oneID); err != nil {
		return nil, errors.Wrap(err, "parse system one id")
	}
	if m.DependentSystemTwoID, err = uuid.Parse(twoID); err != nil {
		return nil, errors.Wrap(err, "parse system two id")
	}
	m.CreatedAt = fromEpoch(createdAt)
	m.UpdatedAt = fromEpoch(updatedAt)
	return &m, nil
}
