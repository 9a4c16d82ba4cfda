package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
)

func TestParseTemplate(t *testing.T) {
	t.Run("parses a full document", func(t *testing.T) {
		def, err := ParseTemplate([]byte(`
namespace: payments
name: settle_invoice
version: 1.2.0
description: settles one invoice end to end
steps:
  - name: validate
    dependent_system: billing
    description: schema and balance checks
  - name: charge
    dependent_system: billing
    depends_on: [validate]
    default_retryable: false
    default_retry_limit: 1
  - name: notify
    depends_on: [charge]
    skippable: true
`))
		require.NoError(t, err)

		assert.Equal(t, "payments", def.Namespace)
		assert.Equal(t, "settle_invoice", def.Name)
		assert.Equal(t, "1.2.0", def.EffectiveVersion())
		require.Len(t, def.Steps, 3)

		charge := def.Steps[1]
		assert.Equal(t, []string{"validate"}, charge.DependsOn)
		require.NotNil(t, charge.DefaultRetryable)
		assert.False(t, *charge.DefaultRetryable)
		assert.Equal(t, int32(1), charge.EffectiveRetryLimit())
		assert.True(t, def.Steps[2].Skippable)
	})

	t.Run("version defaults when omitted", func(t *testing.T) {
		def, err := ParseTemplate([]byte("namespace: payments\nname: settle_invoice\nsteps: []\n"))
		require.NoError(t, err)
		assert.Equal(t, "0.1.0", def.EffectiveVersion())
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := ParseTemplate([]byte("namespace: payments\nname: x\nstepz: []\n"))
		require.ErrorIs(t, err, taskererrors.ErrTemplateParseError)
	})

	t.Run("syntax errors are parse errors", func(t *testing.T) {
		_, err := ParseTemplate([]byte("namespace: [unterminated"))
		require.ErrorIs(t, err, taskererrors.ErrTemplateParseError)
	})

	t.Run("empty document is a parse error", func(t *testing.T) {
		_, err := ParseTemplate(nil)
		require.ErrorIs(t, err, taskererrors.ErrTemplateParseError)
	})

	t.Run("semantic problems are template errors", func(t *testing.T) {
		_, err := ParseTemplate([]byte(`
namespace: payments
name: settle_invoice
steps:
  - name: a
    depends_on: [b]
  - name: b
    depends_on: [a]
`))
		require.ErrorIs(t, err, taskererrors.ErrTemplateInvalid)
	})
}

func TestLoadTemplateFile(t *testing.T) {
	t.Run("loads from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "template.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"namespace: payments\nname: settle_invoice\nsteps:\n  - name: validate\n"), 0o600))

		def, err := LoadTemplateFile(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"validate"}, def.StepNames())
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := LoadTemplateFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
}
