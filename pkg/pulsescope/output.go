package pulsescope

import "context"

// SnapshotOutput handles snapshots fetched by a consumer.
type SnapshotOutput interface {
	// Start receives a context and should run in a loop, terminating upon ctx closing or on any errors.
	Start(ctx context.Context) error
	// Receive returns a channel that receives snapshots.
	Receive() chan<- *Snapshot
}
