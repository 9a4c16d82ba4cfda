// Package ctxutil provides context helpers shared by loop-shaped code.
package ctxutil

import "context"

// Canceled returns the context error when ctx is done and nil otherwise.
// Poll loops call it at iteration entry so a shutdown lands between units
// of work rather than inside one. ctx.Err() already returns nil before
// Done closes, so no select is needed.
func Canceled(ctx context.Context) error {
	return ctx.Err()
}
