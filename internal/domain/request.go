package domain

import (
	"encoding/json"
	"time"
)

// TaskRequest is a task submission: the named-task triple to run plus the
// caller-supplied context and provenance fields. The identity hash is
// computed from the configured subset of these fields, so two requests with
// identical identity fields deduplicate to the same task.
type TaskRequest struct {
	// Namespace is the task namespace name.
	Namespace string `json:"namespace"`

	// Name is the named task's name.
	Name string `json:"name"`

	// Version selects the template revision. Defaults to the registered
	// template's version when empty.
	Version string `json:"version,omitempty"`

	// Context is the opaque document handlers receive on every step.
	Context json.RawMessage `json:"context,omitempty"`

	// Initiator identifies who or what asked for the task.
	Initiator string `json:"initiator,omitempty"`

	// SourceSystem names the system the request originated from.
	SourceSystem string `json:"source_system,omitempty"`

	// Reason is a free-form explanation of the submission.
	Reason string `json:"reason,omitempty"`

	// Tags are caller-supplied labels used for reporting.
	Tags []string `json:"tags,omitempty"`

	// BypassSteps lists skippable step names the caller wants skipped.
	BypassSteps []string `json:"bypass_steps,omitempty"`

	// RequestedAt is the caller's request time. Zero means "now".
	RequestedAt time.Time `json:"requested_at,omitempty"`
}
