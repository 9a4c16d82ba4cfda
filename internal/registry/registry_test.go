package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/clock"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	taskererrors "github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/sqlite"
)

// registryBase anchors the mock clock for persisted row timestamps.
var registryBase = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // shared test origin

// setupRegistry builds a registry over a fresh sqlite store.
func setupRegistry(t *testing.T) *Registry {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "tasker.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return New(store, WithClock(clock.NewMock(registryBase)))
}

// noopStep returns a fixed successful result.
func noopStep(_ context.Context, _ *StepCall) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// paymentTemplate is a three-step linear template used across the tests.
func paymentTemplate() *domain.TemplateDefinition {
	return &domain.TemplateDefinition{
		Namespace: "payments",
		Name:      "settle_invoice",
		Version:   "1.0.0",
		Steps: []domain.StepTemplate{
			{Name: "validate", DependentSystem: "billing"},
			{Name: "charge", DependentSystem: "billing", DependsOn: []string{"validate"}},
			{Name: "notify", DependsOn: []string{"charge"}},
		},
	}
}

// paymentHandler binds a noop callable to every template step.
func paymentHandler() *StepHandlerMap {
	return NewStepHandlerMap().
		On("validate", noopStep).
		On("charge", noopStep).
		On("notify", noopStep)
}

// failingEventsHandler breaks CustomEventConfiguration.
type failingEventsHandler struct {
	*StepHandlerMap
}

func (failingEventsHandler) CustomEventConfiguration() ([]events.Descriptor, error) {
	return nil, stderrors.New("event wiring exploded")
}

func TestRegistry_Register(t *testing.T) {
	t.Run("persists rows and binds the handler", func(t *testing.T) {
		reg := setupRegistry(t)

		registration, err := reg.Register(context.Background(), paymentTemplate(), paymentHandler())
		require.NoError(t, err)
		require.NotNil(t, registration.NamedTask)
		assert.Equal(t, "settle_invoice", registration.NamedTask.Name)
		assert.Len(t, registration.StepIDs, 3)

		found, err := reg.Lookup("payments", "settle_invoice", "1.0.0")
		require.NoError(t, err)
		assert.Same(t, registration, found)

		byID, err := reg.LookupByNamedTask(registration.NamedTask.NamedTaskID)
		require.NoError(t, err)
		assert.Same(t, registration, byID)

		fn, ok := registration.StepHandler("charge")
		require.True(t, ok)
		result, err := fn(context.Background(), &StepCall{StepName: "charge"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(result))
	})

	t.Run("rejects invalid templates", func(t *testing.T) {
		reg := setupRegistry(t)
		def := paymentTemplate()
		def.Steps[2].DependsOn = []string{"no_such_step"}

		_, err := reg.Register(context.Background(), def, paymentHandler())
		require.ErrorIs(t, err, taskererrors.ErrTemplateInvalid)
	})

	t.Run("rejects unbound step names", func(t *testing.T) {
		reg := setupRegistry(t)
		handler := NewStepHandlerMap().On("validate", noopStep).On("charge", noopStep)

		_, err := reg.Register(context.Background(), paymentTemplate(), handler)
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)
		assert.Contains(t, err.Error(), "notify")

		_, err = reg.Lookup("payments", "settle_invoice", "1.0.0")
		require.ErrorIs(t, err, taskererrors.ErrHandlerNotFound)
	})

	t.Run("rejects duplicate triples", func(t *testing.T) {
		reg := setupRegistry(t)

		_, err := reg.Register(context.Background(), paymentTemplate(), paymentHandler())
		require.NoError(t, err)

		_, err = reg.Register(context.Background(), paymentTemplate(), paymentHandler())
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)
	})

	t.Run("distinct versions register independently", func(t *testing.T) {
		reg := setupRegistry(t)

		v1, err := reg.Register(context.Background(), paymentTemplate(), paymentHandler())
		require.NoError(t, err)

		def := paymentTemplate()
		def.Version = "2.0.0"
		v2, err := reg.Register(context.Background(), def, paymentHandler())
		require.NoError(t, err)

		assert.NotEqual(t, v1.NamedTask.NamedTaskID, v2.NamedTask.NamedTaskID)
	})

	t.Run("empty version registers the default", func(t *testing.T) {
		reg := setupRegistry(t)
		def := paymentTemplate()
		def.Version = ""

		_, err := reg.Register(context.Background(), def, paymentHandler())
		require.NoError(t, err)

		found, err := reg.Lookup("payments", "settle_invoice", "")
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultTemplateVersion, found.NamedTask.Version)
	})

	t.Run("nil arguments are rejected", func(t *testing.T) {
		reg := setupRegistry(t)

		_, err := reg.Register(context.Background(), nil, paymentHandler())
		require.ErrorIs(t, err, taskererrors.ErrInvalidArgument)

		_, err = reg.Register(context.Background(), paymentTemplate(), nil)
		require.ErrorIs(t, err, taskererrors.ErrInvalidArgument)
	})
}

func TestRegistry_CustomEvents(t *testing.T) {
	t.Run("declared topics become publishable", func(t *testing.T) {
		reg := setupRegistry(t)
		handler := paymentHandler().
			DeclareEvent("payments.invoice_settled", "invoice reached settled")

		registration, err := reg.Register(context.Background(), paymentTemplate(), handler)
		require.NoError(t, err)
		assert.Len(t, registration.CustomEvents(), 1)

		assert.True(t, reg.EventDeclared("payments.invoice_settled"))
		assert.False(t, reg.EventDeclared("payments.undeclared"))
		assert.True(t, reg.EventDeclared(events.TopicTaskCompleted), "standard topics are always publishable")
	})

	t.Run("configuration failure rolls back everything", func(t *testing.T) {
		reg := setupRegistry(t)
		handler := failingEventsHandler{paymentHandler()}

		_, err := reg.Register(context.Background(), paymentTemplate(), handler)
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)
		assert.Contains(t, err.Error(), "event wiring exploded")

		_, err = reg.Lookup("payments", "settle_invoice", "1.0.0")
		require.ErrorIs(t, err, taskererrors.ErrHandlerNotFound)
		assert.Empty(t, reg.List())
	})

	t.Run("shadowing a standard topic fails registration", func(t *testing.T) {
		reg := setupRegistry(t)
		handler := paymentHandler().DeclareEvent(events.TopicTaskCompleted, "stolen")

		_, err := reg.Register(context.Background(), paymentTemplate(), handler)
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)

		_, err = reg.Lookup("payments", "settle_invoice", "1.0.0")
		require.ErrorIs(t, err, taskererrors.ErrHandlerNotFound)
	})

	t.Run("topic collisions across handlers fail the later registration", func(t *testing.T) {
		reg := setupRegistry(t)

		first := paymentHandler().DeclareEvent("payments.invoice_settled", "")
		_, err := reg.Register(context.Background(), paymentTemplate(), first)
		require.NoError(t, err)

		def := paymentTemplate()
		def.Name = "refund_invoice"
		second := paymentHandler().DeclareEvent("payments.invoice_settled", "")
		_, err = reg.Register(context.Background(), def, second)
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)

		_, err = reg.Lookup("payments", "refund_invoice", "1.0.0")
		require.ErrorIs(t, err, taskererrors.ErrHandlerNotFound,
			"failed registration must leave no handler binding")
	})

	t.Run("duplicate topics within one handler fail", func(t *testing.T) {
		reg := setupRegistry(t)
		handler := paymentHandler().
			DeclareEvent("payments.invoice_settled", "").
			DeclareEvent("payments.invoice_settled", "again")

		_, err := reg.Register(context.Background(), paymentTemplate(), handler)
		require.ErrorIs(t, err, taskererrors.ErrRegistrationFailed)
	})
}

func TestRegistry_List(t *testing.T) {
	reg := setupRegistry(t)

	orders := &domain.TemplateDefinition{
		Namespace: "orders",
		Name:      "fulfill",
		Steps:     []domain.StepTemplate{{Name: "ship"}},
	}
	_, err := reg.Register(context.Background(), orders, NewStepHandlerMap().On("ship", noopStep))
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), paymentTemplate(), paymentHandler())
	require.NoError(t, err)

	regs := reg.List()
	require.Len(t, regs, 2)
	assert.Equal(t, "orders", regs[0].Definition.Namespace)
	assert.Equal(t, "payments", regs[1].Definition.Namespace)
}
