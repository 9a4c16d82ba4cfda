// Package testutil provides shared test doubles.
//
// The mock errors simulate infrastructure failures (stores, handlers,
// schedulers) without reproducing the failure condition itself. Only
// _test.go files may import this package.
package testutil

import "errors"

// Mock errors for simulated failure scenarios.
var (
	// ErrMockStoreUnavailable simulates a store that cannot be reached.
	ErrMockStoreUnavailable = errors.New("store unavailable")

	// ErrMockHandlerFailure simulates a step handler returning an error.
	ErrMockHandlerFailure = errors.New("handler failure")

	// ErrMockGatewayTimeout simulates a slow dependent system; handlers
	// fail with it to exercise the retry ladder.
	ErrMockGatewayTimeout = errors.New("gateway timeout")

	// ErrMockPublishFailure simulates an event subscriber rejecting a
	// publication.
	ErrMockPublishFailure = errors.New("publish failure")

	// ErrMockSchedulerDown simulates a reenqueue scheduler that cannot
	// accept wake-ups.
	ErrMockSchedulerDown = errors.New("scheduler down")
)
