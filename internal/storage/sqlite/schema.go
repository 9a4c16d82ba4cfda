package sqlite

// schemaDDL is the full schema, parents before children. Timestamps are
// unix epoch seconds (INTEGER), ids are canonical UUID strings (TEXT), and
// JSON documents are TEXT. The two transition indexes carry the concurrency
// guarantees: the partial unique index arbitrates concurrent appenders and
// the (entity, sort_key) index keeps histories gap-free.
//
//nolint:gochecknoglobals // Read-only DDL
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS task_namespaces (
		task_namespace_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dependent_systems (
		dependent_system_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS named_tasks (
		named_task_id TEXT PRIMARY KEY,
		task_namespace_id TEXT NOT NULL REFERENCES task_namespaces(task_namespace_id),
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		description TEXT,
		configuration TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(task_namespace_id, name, version)
	)`,

	`CREATE TABLE IF NOT EXISTS named_steps (
		named_step_id TEXT PRIMARY KEY,
		dependent_system_id TEXT NOT NULL REFERENCES dependent_systems(dependent_system_id),
		name TEXT NOT NULL,
		description TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(dependent_system_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS named_tasks_named_steps (
		named_task_step_id TEXT PRIMARY KEY,
		named_task_id TEXT NOT NULL REFERENCES named_tasks(named_task_id),
		named_step_id TEXT NOT NULL REFERENCES named_steps(named_step_id),
		skippable BOOLEAN NOT NULL DEFAULT FALSE,
		default_retryable BOOLEAN NOT NULL DEFAULT TRUE,
		default_retry_limit INTEGER NOT NULL DEFAULT 3,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(named_task_id, named_step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		named_task_id TEXT NOT NULL REFERENCES named_tasks(named_task_id),
		complete BOOLEAN NOT NULL DEFAULT FALSE,
		requested_at INTEGER NOT NULL,
		initiator TEXT,
		source_system TEXT,
		reason TEXT,
		tags TEXT,
		bypass_steps TEXT,
		context TEXT,
		identity_hash TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_steps (
		workflow_step_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		named_step_id TEXT NOT NULL REFERENCES named_steps(named_step_id),
		retryable BOOLEAN,
		retry_limit INTEGER,
		in_process BOOLEAN NOT NULL DEFAULT FALSE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at INTEGER,
		attempts INTEGER,
		last_attempted_at INTEGER,
		backoff_request_seconds INTEGER,
		inputs TEXT,
		results TEXT,
		skippable BOOLEAN NOT NULL DEFAULT FALSE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_step_edges (
		workflow_step_edge_id TEXT PRIMARY KEY,
		from_step_id TEXT NOT NULL REFERENCES workflow_steps(workflow_step_id) ON DELETE CASCADE,
		to_step_id TEXT NOT NULL REFERENCES workflow_steps(workflow_step_id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(from_step_id, to_step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_transitions (
		task_transition_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		to_state TEXT NOT NULL,
		from_state TEXT,
		metadata TEXT,
		sort_key INTEGER NOT NULL,
		most_recent BOOLEAN NOT NULL DEFAULT TRUE,
		created_at INTEGER NOT NULL,
		UNIQUE(task_id, sort_key)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_step_transitions (
		workflow_step_transition_id TEXT PRIMARY KEY,
		workflow_step_id TEXT NOT NULL REFERENCES workflow_steps(workflow_step_id) ON DELETE CASCADE,
		to_state TEXT NOT NULL,
		from_state TEXT,
		metadata TEXT,
		sort_key INTEGER NOT NULL,
		most_recent BOOLEAN NOT NULL DEFAULT TRUE,
		created_at INTEGER NOT NULL,
		UNIQUE(workflow_step_id, sort_key)
	)`,

	`CREATE TABLE IF NOT EXISTS annotation_types (
		annotation_type_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_annotations (
		task_annotation_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		annotation_type_id TEXT NOT NULL REFERENCES annotation_types(annotation_type_id),
		annotation TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dependent_system_object_maps (
		dependent_system_object_map_id TEXT PRIMARY KEY,
		dependent_system_one_id TEXT NOT NULL REFERENCES dependent_systems(dependent_system_id),
		dependent_system_two_id TEXT NOT NULL REFERENCES dependent_systems(dependent_system_id),
		remote_id_one TEXT NOT NULL,
		remote_id_two TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(dependent_system_one_id, dependent_system_two_id, remote_id_one, remote_id_two)
	)`,

	// Exactly one most-recent transition per entity; concurrent appenders
	// collide here and the loser surfaces ErrConcurrencyConflict.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_transitions_current
		ON task_transitions(task_id) WHERE most_recent`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_step_transitions_current
		ON workflow_step_transitions(workflow_step_id) WHERE most_recent`,

	`CREATE INDEX IF NOT EXISTS idx_workflow_steps_task
		ON workflow_steps(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_step_edges_to
		ON workflow_step_edges(to_step_id, from_step_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_step_transitions_state
		ON workflow_step_transitions(workflow_step_id, to_state)`,
	`CREATE INDEX IF NOT EXISTS idx_task_annotations_task
		ON task_annotations(task_id)`,
}
