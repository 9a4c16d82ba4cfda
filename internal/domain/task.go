// Package domain provides shared domain types for the workflow engine.
// These types are used across all internal packages to ensure consistent data structures.
//
// This package follows strict import rules:
//   - CAN import: internal/constants, internal/errors, github.com/google/uuid, standard library
//   - MUST NOT import: any other internal packages
//
// All JSON field names use snake_case per the persisted schema.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task represents a single unit of work: a DAG of workflow steps persisted
// alongside an append-only transition history. A task's current state lives
// in its most-recent transition row; the Complete column is a cached mirror
// maintained by the finalizer.
//
// Example JSON representation:
//
//	{
//	    "task_id": "7d8f3a9e-...",
//	    "named_task_id": "0c2b1f4d-...",
//	    "complete": false,
//	    "requested_at": "2026-03-02T10:00:00Z",
//	    "initiator": "billing-api",
//	    "source_system": "orders",
//	    "reason": "invoice 4421 settlement",
//	    "context": {...},
//	    "identity_hash": "sha256:..."
//	}
type Task struct {
	// TaskID is the unique identifier for the task.
	TaskID uuid.UUID `json:"task_id"`

	// NamedTaskID references the (namespace, name, version) handler binding
	// this task was created from.
	NamedTaskID uuid.UUID `json:"named_task_id"`

	// Complete mirrors the terminal success state of the transition log.
	// It is set exactly once, when the task transitions to complete.
	Complete bool `json:"complete"`

	// RequestedAt is the caller-supplied request time.
	RequestedAt time.Time `json:"requested_at"`

	// Initiator identifies who or what asked for the task.
	Initiator string `json:"initiator,omitempty"`

	// SourceSystem names the system the request originated from.
	SourceSystem string `json:"source_system,omitempty"`

	// Reason is a free-form explanation of why the task was submitted.
	Reason string `json:"reason,omitempty"`

	// Tags are caller-supplied labels used for reporting.
	Tags []string `json:"tags,omitempty"`

	// BypassSteps lists step names the caller asked to skip at creation.
	BypassSteps []string `json:"bypass_steps,omitempty"`

	// Context is the opaque structured blob handlers receive on every
	// step invocation. The engine never interprets it.
	Context json.RawMessage `json:"context,omitempty"`

	// IdentityHash is the globally unique dedup key computed from the
	// configured identity fields at submission time.
	IdentityHash string `json:"identity_hash"`

	// CreatedAt is when the task row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskNamespace groups named tasks so independent teams can reuse task
// names. Rows are created on demand at registration time.
type TaskNamespace struct {
	// TaskNamespaceID is the unique identifier for the namespace.
	TaskNamespaceID uuid.UUID `json:"task_namespace_id"`

	// Name is the unique namespace name.
	Name string `json:"name"`

	// Description is optional documentation.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the namespace row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the namespace row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NamedTask is the persisted half of a handler binding: the
// (namespace, name, version) triple tasks are submitted against.
type NamedTask struct {
	// NamedTaskID is the unique identifier for the named task.
	NamedTaskID uuid.UUID `json:"named_task_id"`

	// TaskNamespaceID references the owning namespace row.
	TaskNamespaceID uuid.UUID `json:"task_namespace_id"`

	// Name is the task name, unique within (namespace, version).
	Name string `json:"name"`

	// Version distinguishes revisions of the same named task.
	Version string `json:"version"`

	// Description is optional documentation.
	Description string `json:"description,omitempty"`

	// Configuration is an optional blob of handler-defined settings.
	Configuration json.RawMessage `json:"configuration,omitempty"`

	// CreatedAt is when the named task row was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the named task row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}
