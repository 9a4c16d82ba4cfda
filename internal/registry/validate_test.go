package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// def builds a minimal template with the given steps.
func def(steps ...domain.StepTemplate) *domain.TemplateDefinition {
	return &domain.TemplateDefinition{
		Namespace: "payments",
		Name:      "settle_invoice",
		Steps:     steps,
	}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name    string
		def     *domain.TemplateDefinition
		wantErr string
	}{
		{
			name: "linear chain is valid",
			def: def(
				domain.StepTemplate{Name: "a"},
				domain.StepTemplate{Name: "b", DependsOn: []string{"a"}},
				domain.StepTemplate{Name: "c", DependsOn: []string{"b"}},
			),
		},
		{
			name: "diamond is valid",
			def: def(
				domain.StepTemplate{Name: "root"},
				domain.StepTemplate{Name: "left", DependsOn: []string{"root"}},
				domain.StepTemplate{Name: "right", DependsOn: []string{"root"}},
				domain.StepTemplate{Name: "join", DependsOn: []string{"left", "right"}},
			),
		},
		{
			name: "zero steps are valid",
			def:  def(),
		},
		{
			name:    "empty namespace",
			def:     &domain.TemplateDefinition{Name: "settle_invoice"},
			wantErr: "namespace",
		},
		{
			name:    "empty task name",
			def:     &domain.TemplateDefinition{Namespace: "payments"},
			wantErr: "name",
		},
		{
			name:    "empty step name",
			def:     def(domain.StepTemplate{Name: ""}),
			wantErr: "step name",
		},
		{
			name: "duplicate step name",
			def: def(
				domain.StepTemplate{Name: "a"},
				domain.StepTemplate{Name: "a"},
			),
			wantErr: "duplicate step name",
		},
		{
			name:    "self dependency",
			def:     def(domain.StepTemplate{Name: "a", DependsOn: []string{"a"}}),
			wantErr: "depends on itself",
		},
		{
			name: "unknown dependency",
			def: def(
				domain.StepTemplate{Name: "a", DependsOn: []string{"ghost"}},
			),
			wantErr: "unknown step",
		},
		{
			name: "two step cycle",
			def: def(
				domain.StepTemplate{Name: "a", DependsOn: []string{"b"}},
				domain.StepTemplate{Name: "b", DependsOn: []string{"a"}},
			),
			wantErr: "dependency cycle",
		},
		{
			name: "three step cycle behind a valid root",
			def: def(
				domain.StepTemplate{Name: "root"},
				domain.StepTemplate{Name: "a", DependsOn: []string{"root", "c"}},
				domain.StepTemplate{Name: "b", DependsOn: []string{"a"}},
				domain.StepTemplate{Name: "c", DependsOn: []string{"b"}},
			),
			wantErr: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinition(tt.def)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, taskererrors.ErrTemplateInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("cycle error names the members", func(t *testing.T) {
		err := ValidateDefinition(def(
			domain.StepTemplate{Name: "a", DependsOn: []string{"b"}},
			domain.StepTemplate{Name: "b", DependsOn: []string{"a"}},
		))
		require.ErrorIs(t, err, taskererrors.ErrTemplateInvalid)
		assert.Contains(t, err.Error(), "a")
		assert.Contains(t, err.Error(), "b")
	})
}
