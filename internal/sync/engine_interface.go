package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain replays the operation queue once.
	Drain(ctx context.Context) (*DrainResult, error)

	// Pull merges remote records for one owner into the local cache.
	Pull(ctx context.Context, opts PullOptions) (*PullResult, error)

	// Sync performs a drain followed by a pull.
	Sync(ctx context.Context, ownerID string) (*SyncResult, error)

	// SetNotifier sets the sink for user-visible sync events.
	SetNotifier(n Notifier)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful cycle.
	LastSync() *time.Time

	// PendingChanges returns the number of queued operations.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)
