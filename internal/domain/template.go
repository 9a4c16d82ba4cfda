package domain

import "github.com/jcoletaylor/tasker-sub003/internal/constants"

// StepTemplate declares one step of a named task's graph at registration
// time. Templates are validated (unique names, known dependencies, acyclic)
// and persisted as named_steps plus named_tasks_named_steps link rows; at
// submission they are materialized into workflow_steps and edges.
type StepTemplate struct {
	// Name is the step's name, unique within the template.
	Name string `yaml:"name" json:"name"`

	// DependentSystem names the external system the step concerns.
	DependentSystem string `yaml:"dependent_system" json:"dependent_system"`

	// Description is optional documentation.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// DependsOn lists the names of steps that must reach a terminal
	// success state before this one may run.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// DefaultRetryable seeds the workflow step's retryable column.
	// Nil means retryable.
	DefaultRetryable *bool `yaml:"default_retryable,omitempty" json:"default_retryable,omitempty"`

	// DefaultRetryLimit seeds the workflow step's retry_limit column.
	// Nil means the configured default.
	DefaultRetryLimit *int32 `yaml:"default_retry_limit,omitempty" json:"default_retry_limit,omitempty"`

	// Skippable marks the step as bypassable at submission.
	Skippable bool `yaml:"skippable,omitempty" json:"skippable,omitempty"`
}

// TemplateDefinition is the full registration-time description of a named
// task: identity triple, documentation, and the step graph.
type TemplateDefinition struct {
	// Namespace is the task namespace name.
	Namespace string `yaml:"namespace" json:"namespace"`

	// Name is the task name within the namespace.
	Name string `yaml:"name" json:"name"`

	// Version distinguishes template revisions. Defaults to
	// DefaultTemplateVersion when empty.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description is optional documentation.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps is the ordered list of step templates. Order carries no
	// execution meaning; the DependsOn edges do.
	Steps []StepTemplate `yaml:"steps" json:"steps"`
}

// DefaultTemplateVersion is applied when a template omits its version.
const DefaultTemplateVersion = "0.1.0"

// EffectiveVersion returns the template version with the default applied.
func (d *TemplateDefinition) EffectiveVersion() string {
	if d.Version == "" {
		return DefaultTemplateVersion
	}
	return d.Version
}

// StepNames returns the template's step names in declaration order.
func (d *TemplateDefinition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		names = append(names, s.Name)
	}
	return names
}

// EffectiveRetryLimit returns the step template's retry limit with the
// default applied.
func (s *StepTemplate) EffectiveRetryLimit() int32 {
	if s.DefaultRetryLimit == nil {
		return constants.DefaultRetryLimit
	}
	return *s.DefaultRetryLimit
}

// EffectiveRetryable returns the step template's retryability with the
// default applied.
func (s *StepTemplate) EffectiveRetryable() bool {
	if s.DefaultRetryable == nil {
		return constants.DefaultRetryable
	}
	return *s.DefaultRetryable
}
