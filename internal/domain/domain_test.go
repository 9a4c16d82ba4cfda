package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// TestWorkflowStep_EffectiveDefaults verifies NULL retry columns resolve to
// the documented defaults: attempts 0, retry limit 3, retryable true.
func TestWorkflowStep_EffectiveDefaults(t *testing.T) {
	var s WorkflowStep

	assert.Equal(t, int32(0), s.EffectiveAttempts())
	assert.Equal(t, int32(constants.DefaultRetryLimit), s.EffectiveRetryLimit())
	assert.True(t, s.EffectiveRetryable())
}

// TestWorkflowStep_EffectiveOverrides verifies set columns win over defaults.
func TestWorkflowStep_EffectiveOverrides(t *testing.T) {
	attempts := int32(2)
	limit := int32(7)
	retryable := false

	s := WorkflowStep{
		Attempts:   &attempts,
		RetryLimit: &limit,
		Retryable:  &retryable,
	}

	assert.Equal(t, int32(2), s.EffectiveAttempts())
	assert.Equal(t, int32(7), s.EffectiveRetryLimit())
	assert.False(t, s.EffectiveRetryable())
}

// TestTemplateDefinition_EffectiveVersion verifies the default version is
// applied only when the template omits one.
func TestTemplateDefinition_EffectiveVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
	}{
		{"empty uses default", "", DefaultTemplateVersion},
		{"explicit wins", "2.0.0", "2.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := TemplateDefinition{Version: tt.version}
			assert.Equal(t, tt.want, d.EffectiveVersion())
		})
	}
}

// TestTemplateDefinition_StepNames verifies names come back in declaration
// order.
func TestTemplateDefinition_StepNames(t *testing.T) {
	d := TemplateDefinition{
		Steps: []StepTemplate{
			{Name: "fetch"},
			{Name: "transform"},
			{Name: "publish"},
		},
	}

	assert.Equal(t, []string{"fetch", "transform", "publish"}, d.StepNames())
}

// TestStepTemplate_EffectiveDefaults verifies template-level retry defaults.
func TestStepTemplate_EffectiveDefaults(t *testing.T) {
	var s StepTemplate

	assert.Equal(t, int32(constants.DefaultRetryLimit), s.EffectiveRetryLimit())
	assert.True(t, s.EffectiveRetryable())

	limit := int32(1)
	retryable := false
	s = StepTemplate{DefaultRetryLimit: &limit, DefaultRetryable: &retryable}

	assert.Equal(t, int32(1), s.EffectiveRetryLimit())
	assert.False(t, s.EffectiveRetryable())
}
