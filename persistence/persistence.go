// Package persistence implements the PersistenceAdapter contract
// (spec.md's out-of-scope "persistence backends" made concrete, per
// SPEC_FULL.md §4.K): load the last stored substrate blob on workspace
// open, save it atomically on every local update, and signal readiness
// once the first load completes.
package persistence

import "context"

// Adapter is the external contract a workspace extension uses to persist
// and restore a substrate document's encoded state across process
// restarts.
type Adapter interface {
	// Load returns the last stored blob, if any.
	Load(ctx context.Context) ([]byte, bool, error)
	// Save atomically overwrites the stored blob.
	Save(ctx context.Context, blob []byte) error
	// WhenReady closes once the adapter has completed its first Load.
	WhenReady() <-chan struct{}
	Close() error
}
