package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AnnotationType names a category of task annotation ("submission",
// "operator_note", ...). Rows are created on demand.
type AnnotationType struct {
	// AnnotationTypeID is the unique identifier for the type.
	AnnotationTypeID uuid.UUID `json:"annotation_type_id"`

	// Name is the unique type name.
	Name string `json:"name"`

	// Description is optional documentation.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskAnnotation attaches a typed, free-form document to a task. The engine
// writes a submission annotation on every created task; handlers and
// operators may add more.
type TaskAnnotation struct {
	// TaskAnnotationID is the unique identifier for the annotation.
	TaskAnnotationID uuid.UUID `json:"task_annotation_id"`

	// TaskID references the annotated task.
	TaskID uuid.UUID `json:"task_id"`

	// AnnotationTypeID references the annotation's type row.
	AnnotationTypeID uuid.UUID `json:"annotation_type_id"`

	// TypeName is the annotation type's name, populated by store reads
	// that join annotation_types.
	TypeName string `json:"type_name,omitempty"`

	// Annotation is the free-form document.
	Annotation json.RawMessage `json:"annotation,omitempty"`

	// CreatedAt is when the annotation was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the annotation last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// DependentSystemObjectMap correlates one object's identifiers across two
// dependent systems, so handlers can translate ids when they hand work from
// one external system to another.
type DependentSystemObjectMap struct {
	// DependentSystemObjectMapID is the unique identifier for the mapping.
	DependentSystemObjectMapID uuid.UUID `json:"dependent_system_object_map_id"`

	// DependentSystemOneID references the first system.
	DependentSystemOneID uuid.UUID `json:"dependent_system_one_id"`

	// DependentSystemTwoID references the second system.
	DependentSystemTwoID uuid.UUID `json:"dependent_system_two_id"`

	// RemoteIDOne is the object's identifier in the first system.
	RemoteIDOne string `json:"remote_id_one"`

	// RemoteIDTwo is the object's identifier in the second system.
	RemoteIDTwo string `json:"remote_id_two"`

	// CreatedAt is when the mapping was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the mapping last changed.
	UpdatedAt time.Time `json:"updated_at"`
}
