// Package conflict provides last-write-wins merge resolution between the
// local record cache and the remote backend.
package conflict

import (
	"errors"
	"time"

	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/uuid"
)

// Action is the outcome of resolving one remote record against the cache.
type Action int

const (
	// InsertRemote stores a remote record that is not cached locally.
	InsertRemote Action = iota
	// KeepLocal leaves the cached record untouched.
	KeepLocal
	// TakeRemote overwrites the cached record with the remote one.
	TakeRemote
)

func (a Action) String() string {
	switch a {
	case InsertRemote:
		return "insert_remote"
	case KeepLocal:
		return "keep_local"
	case TakeRemote:
		return "take_remote"
	default:
		return "unknown"
	}
}

// Resolution describes what to do with a remote record.
type Resolution struct {
	Action Action
	// Winner is the record that should be cached afterwards.
	Winner models.Record
	// Status is the sync status to store with Winner when it is written.
	Status models.SyncStatus
	// Log is set when a differing local version was overwritten.
	Log *models.ConflictLog
}

// Changed reports whether the cache must be written.
func (r Resolution) Changed() bool {
	return r.Action != KeepLocal
}

var (
	ErrNilRemote      = errors.New("conflict: remote record is nil")
	ErrItemIDMismatch = errors.New("conflict: item ID mismatch")
)

// Resolver applies last-write-wins by updated_at.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver. now may be nil.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = models.Now
	}
	return &Resolver{now: now}
}

// RemoteNewer reports whether a remote timestamp strictly wins over a local
// one. Ties keep the local version.
func RemoteNewer(localUpdatedAt, remoteUpdatedAt time.Time) bool {
	return remoteUpdatedAt.After(localUpdatedAt)
}

// Resolve decides between the cached record (nil when absent) and a remote
// record. A pending local record is never overwritten, whatever its age:
// its queued operations will push it on the next drain.
func (r *Resolver) Resolve(local *models.CachedRecord, remote models.Record) (Resolution, error) {
	if remote == nil {
		return Resolution{}, ErrNilRemote
	}
	if local == nil || local.Record == nil {
		return Resolution{Action: InsertRemote, Winner: remote, Status: models.SyncStatusSynced}, nil
	}
	if local.Record.RecordID() != remote.RecordID() {
		return Resolution{}, ErrItemIDMismatch
	}

	if local.Meta.Status == models.SyncStatusPending {
		return Resolution{Action: KeepLocal, Winner: local.Record, Status: local.Meta.Status}, nil
	}

	localAt := local.Record.LastModified()
	remoteAt := remote.LastModified()
	if !RemoteNewer(localAt, remoteAt) {
		return Resolution{Action: KeepLocal, Winner: local.Record, Status: local.Meta.Status}, nil
	}

	return Resolution{
		Action: TakeRemote,
		Winner: remote,
		Status: models.SyncStatusSynced,
		Log:    r.NewLog(remote.Entity(), remote.RecordID(), localAt, remoteAt),
	}, nil
}

// NewLog builds a last-write-wins conflict log entry where the remote side won.
func (r *Resolver) NewLog(entity models.EntityType, id string, localAt, remoteAt time.Time) *models.ConflictLog {
	c := &models.ConflictLog{
		ID:              uuid.New(),
		Entity:          entity,
		ItemID:          id,
		LocalTimestamp:  localAt.UnixMilli(),
		RemoteTimestamp: remoteAt.UnixMilli(),
		Resolution:      models.ResolutionLastWriteWins,
		DetectedAt:      r.now().UnixMilli(),
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"entity":           string(entity),
			"item_id":          id,
			"winner_side":      "remote",
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})
	return c
}
