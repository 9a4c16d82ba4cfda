package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHandler_InterruptCancelsContext verifies the first signal cancels the
// context and closes Interrupted, and that repeats are absorbed.
func TestHandler_InterruptCancelsContext(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	assert.NoError(t, h.Context().Err())
	select {
	case <-h.Interrupted():
		t.Fatal("interrupted must stay open until a signal arrives")
	default:
	}

	h.handleSignal()
	h.handleSignal()

	require.Error(t, h.Context().Err())
	assert.Equal(t, context.Canceled, h.Context().Err())
	select {
	case <-h.Interrupted():
	default:
		t.Fatal("interrupted must be closed after a signal")
	}
}

// TestHandler_ListenSurvivesRepeatedSignals verifies the listener keeps
// draining the channel after the first signal. With a buffer of one, the
// second send only completes once the first was received, so a listener
// that exited early would deadlock this test.
func TestHandler_ListenSurvivesRepeatedSignals(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	h.sigChan <- nil
	h.sigChan <- nil

	require.Error(t, h.Context().Err())
}

// TestHandler_Stop verifies Stop cancels the context, exits the listener,
// and tolerates repeated calls.
func TestHandler_Stop(t *testing.T) {
	h := NewHandler(context.Background())

	h.Stop()
	h.Stop()

	assert.Error(t, h.Context().Err())
}

// TestHandler_ParentCancelPropagates verifies an external cancellation
// reaches the handler's context without a signal.
func TestHandler_ParentCancelPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := NewHandler(parent)
	defer h.Stop()

	cancel()

	assert.Error(t, h.Context().Err())
}
