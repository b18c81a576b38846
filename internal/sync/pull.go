package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/today/backend/internal/db"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/sync/conflict"
)

// PullOptions configures a pull.
type PullOptions struct {
	OwnerID string
	// Full ignores the watermark and removes local synced records that no
	// longer exist remotely.
	Full bool
}

// PullResult summarizes a pull.
type PullResult struct {
	Fetched   int
	Applied   int
	Conflicts int
	Removed   int
	// Invalid lists ids of remote records that failed validation.
	Invalid []string
}

// WatermarkKey is the sync_meta key holding the pull watermark of one
// entity type and owner.
func WatermarkKey(entity models.EntityType, ownerID string) string {
	return fmt.Sprintf("pull_watermark:%s:%s", entity, ownerID)
}

// Pull merges remote records of opts.OwnerID into the local cache.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (*PullResult, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	res, err := e.pull(ctx, opts)
	e.end(err, nil)
	return res, err
}

type fetched struct {
	entity models.EntityType
	since  time.Time
	raw    []json.RawMessage
}

func (e *Engine) pull(ctx context.Context, opts PullOptions) (*PullResult, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("pull: owner id is required")
	}

	entities := models.EntityTypes()
	batches := make([]fetched, len(entities))
	for i, entity := range entities {
		batches[i].entity = entity
		if opts.Full {
			continue
		}
		since, err := e.store.GetTimeMeta(ctx, WatermarkKey(entity, opts.OwnerID))
		if err != nil {
			return nil, err
		}
		batches[i].since = since
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range batches {
		b := &batches[i]
		g.Go(func() error {
			raw, err := e.remote.ListSince(gctx, b.entity, opts.OwnerID, b.since)
			if err != nil {
				return fmt.Errorf("list remote %s: %w", b.entity, err)
			}
			b.raw = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &PullResult{}
	for _, b := range batches {
		if err := e.apply(ctx, b, opts, res); err != nil {
			return res, err
		}
	}

	logging.Info("Pull finished", map[string]interface{}{
		"owner_id":  opts.OwnerID,
		"full":      opts.Full,
		"fetched":   res.Fetched,
		"applied":   res.Applied,
		"conflicts": res.Conflicts,
		"removed":   res.Removed,
		"invalid":   len(res.Invalid),
	})
	e.notify(SyncEvent{Type: EventCycleComplete, Message: fmt.Sprintf("%d pulled, %d applied", res.Fetched, res.Applied)})
	return res, nil
}

// apply validates and merges one entity's remote batch in a single
// transaction, then advances the watermark. The watermark never passes a
// newer remote record that lost only because the local copy was pending:
// if that local operation is later dropped, the next pull sees it again.
func (e *Engine) apply(ctx context.Context, b fetched, opts PullOptions, res *PullResult) error {
	res.Fetched += len(b.raw)

	remote := make([]models.Record, 0, len(b.raw))
	watermark := b.since
	for _, raw := range b.raw {
		rec, err := models.DecodeRecord(b.entity, raw)
		if err != nil {
			id := recordID(raw)
			res.Invalid = append(res.Invalid, id)
			logging.Warn("Skipping invalid remote record", map[string]interface{}{
				"entity": string(b.entity), "id": id, "error": err.Error(),
			})
			continue
		}
		if rec.Owner() != opts.OwnerID {
			continue
		}
		remote = append(remote, rec)
		if rec.LastModified().After(watermark) {
			watermark = rec.LastModified()
		}
	}

	var updated []SyncEvent
	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		updated = updated[:0]
		winners := make([]models.CachedRecord, 0, len(remote))
		seen := make(map[string]bool, len(remote))
		conflicts := 0
		mark := watermark

		for _, rec := range remote {
			seen[rec.RecordID()] = true

			local, err := e.store.Get(ctx, b.entity, rec.RecordID())
			switch {
			case err == nil:
			case isNotFound(err):
				local = nil
			default:
				return err
			}

			// Records with queued operations are treated as pending whatever
			// their stored status: the queue still owns them.
			if local != nil && local.Meta.Status != models.SyncStatusPending {
				queued, err := e.queue.CountForEntity(ctx, b.entity, rec.RecordID())
				if err != nil {
					return err
				}
				if queued > 0 {
					local.Meta.Status = models.SyncStatusPending
				}
			}

			decision, err := e.resolver.Resolve(local, rec)
			if err != nil {
				return err
			}
			if !decision.Changed() {
				if local != nil && local.Meta.Status == models.SyncStatusPending &&
					conflict.RemoteNewer(local.Record.LastModified(), rec.LastModified()) &&
					rec.LastModified().Before(mark) {
					// ListSince is inclusive, so holding at this record refetches it.
					mark = rec.LastModified()
				}
				continue
			}
			now := e.now()
			winners = append(winners, models.CachedRecord{
				Record: decision.Winner,
				Meta:   models.SyncMeta{Status: decision.Status, LastSyncAttempt: &now},
			})
			if decision.Log != nil {
				if err := e.store.RecordConflict(ctx, *decision.Log); err != nil {
					return err
				}
				conflicts++
				updated = append(updated, SyncEvent{
					Type:     EventRemoteUpdate,
					Entity:   b.entity,
					EntityID: rec.RecordID(),
					Message:  "updated from another device",
				})
			}
		}

		if err := e.store.BulkPut(ctx, winners); err != nil {
			return err
		}

		removed := 0
		if opts.Full {
			n, err := e.removeAbsent(ctx, b.entity, opts.OwnerID, seen)
			if err != nil {
				return err
			}
			removed = n
		}

		if mark.After(b.since) {
			if err := e.store.SetTimeMeta(ctx, WatermarkKey(b.entity, opts.OwnerID), mark); err != nil {
				return err
			}
		}

		res.Applied += len(winners)
		res.Conflicts += conflicts
		res.Removed += removed
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", b.entity, err)
	}

	for _, event := range updated {
		e.notify(event)
	}
	return nil
}

// removeAbsent deletes local synced records of the owner that were not in
// a full remote listing.
func (e *Engine) removeAbsent(ctx context.Context, entity models.EntityType, ownerID string, seen map[string]bool) (int, error) {
	local, err := e.store.Query(ctx, entity, db.Filter{OwnerID: db.Owner(ownerID), Status: models.SyncStatusSynced})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range local {
		id := rec.Record.RecordID()
		if seen[id] {
			continue
		}
		queued, err := e.queue.CountForEntity(ctx, entity, id)
		if err != nil {
			return removed, err
		}
		if queued > 0 {
			continue
		}
		if err := e.store.Delete(ctx, entity, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func recordID(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
