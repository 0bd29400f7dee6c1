// Package counter tracks currently-open realtime connections per project.
// The counter is independent of the snapshot cache, never expires on its
// own, and trusts its callers completely: increment only after an allow
// decision, decrement exactly once on every connection exit path.
package counter

import "context"

// Counter is a per-project non-negative connection count.
type Counter interface {
	// Increment adds one connection and returns the new count.
	Increment(ctx context.Context, projectID string) (int64, error)
	// Decrement removes one connection and returns the new count, floored
	// at zero. Decrementing an untracked project logs a warning.
	Decrement(ctx context.Context, projectID string) (int64, error)
	// Get returns the current count, zero when untracked.
	Get(ctx context.Context, projectID string) (int64, error)
	// Reset clears one project's count.
	Reset(ctx context.Context, projectID string) error
	// ResetAll clears every project's count (e.g. at process restart when
	// the backing store outlives the process).
	ResetAll(ctx context.Context) error
}
