package identity_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/identity"
)

func TestNewSHA256_RejectsBadFieldLists(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		_, err := identity.NewSHA256(nil)
		assert.ErrorIs(t, err, taskererrors.ErrEmptyValue)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := identity.NewSHA256([]string{"namespace", "color"})
		assert.ErrorIs(t, err, taskererrors.ErrInvalidArgument)
	})
}

// TestSHA256_Deterministic verifies identical requests hash identically and
// a JSON key-order difference in the context does not change the hash.
func TestSHA256_Deterministic(t *testing.T) {
	strategy, err := identity.NewSHA256(identity.DefaultFields)
	require.NoError(t, err)

	base := &domain.TaskRequest{
		Namespace:    "payments",
		Name:         "settle_invoice",
		Version:      "0.1.0",
		Context:      json.RawMessage(`{"invoice_id": 4421, "currency": "EUR"}`),
		Initiator:    "billing-api",
		SourceSystem: "orders",
		Reason:       "nightly settlement",
	}

	first, err := strategy.Hash(base)
	require.NoError(t, err)
	require.Len(t, first, 64, "expected hex-encoded sha256")

	again, err := strategy.Hash(base)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	reordered := *base
	reordered.Context = json.RawMessage(`{"currency": "EUR", "invoice_id": 4421}`)

	third, err := strategy.Hash(&reordered)
	require.NoError(t, err)
	assert.Equal(t, first, third, "context key order must not affect the hash")
}

// TestSHA256_DistinguishesRequests verifies changing any identity field
// changes the hash.
func TestSHA256_DistinguishesRequests(t *testing.T) {
	strategy, err := identity.NewSHA256(identity.DefaultFields)
	require.NoError(t, err)

	base := domain.TaskRequest{
		Namespace: "payments",
		Name:      "settle_invoice",
		Version:   "0.1.0",
		Context:   json.RawMessage(`{"invoice_id": 4421}`),
		Initiator: "billing-api",
	}

	baseHash, err := strategy.Hash(&base)
	require.NoError(t, err)

	mutations := []struct {
		name   string
		mutate func(r *domain.TaskRequest)
	}{
		{"namespace", func(r *domain.TaskRequest) { r.Namespace = "refunds" }},
		{"name", func(r *domain.TaskRequest) { r.Name = "void_invoice" }},
		{"version", func(r *domain.TaskRequest) { r.Version = "0.2.0" }},
		{"context", func(r *domain.TaskRequest) { r.Context = json.RawMessage(`{"invoice_id": 4422}`) }},
		{"initiator", func(r *domain.TaskRequest) { r.Initiator = "ops" }},
		{"source_system", func(r *domain.TaskRequest) { r.SourceSystem = "crm" }},
		{"reason", func(r *domain.TaskRequest) { r.Reason = "manual" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base
			tt.mutate(&mutated)

			got, hashErr := strategy.Hash(&mutated)
			require.NoError(t, hashErr)
			assert.NotEqual(t, baseHash, got)
		})
	}
}

// TestSHA256_FieldSubset verifies fields outside the configured list do not
// influence the hash.
func TestSHA256_FieldSubset(t *testing.T) {
	strategy, err := identity.NewSHA256([]string{identity.FieldNamespace, identity.FieldName})
	require.NoError(t, err)

	a := domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Initiator: "a"}
	b := domain.TaskRequest{Namespace: "payments", Name: "settle_invoice", Initiator: "b"}

	hashA, err := strategy.Hash(&a)
	require.NoError(t, err)
	hashB, err := strategy.Hash(&b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "initiator is outside the configured identity fields")
}

func TestSHA256_InvalidContext(t *testing.T) {
	strategy, err := identity.NewSHA256(identity.DefaultFields)
	require.NoError(t, err)

	_, err = strategy.Hash(&domain.TaskRequest{
		Namespace: "payments",
		Name:      "settle_invoice",
		Context:   json.RawMessage(`{not json`),
	})
	assert.Error(t, err)
}
