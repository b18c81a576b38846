// Package sync replays the local operation queue against the remote backend
// and merges remote state back into the local record cache.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/sync/coalesce"
	"github.com/kimhsiao/today/backend/internal/sync/conflict"
	"github.com/kimhsiao/today/backend/internal/sync/queue"
)

// SyncStatus represents the current engine status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ErrSyncInProgress is returned when a cycle is requested while another runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent replay failure")

// DrainResult summarizes one replay cycle.
type DrainResult struct {
	Processed int
	Failed    int
	// Remaining is the queue length after the cycle.
	Remaining int
	Conflicts int
	Cancelled int
	// RetryAt is set when the cycle stopped on a backoff.
	RetryAt *time.Time

	// lastFailure is the most recent remote error of the cycle.
	lastFailure error
}

// SyncResult represents the result of a full Sync (drain then pull).
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Drain     *DrainResult
	Pull      *PullResult
	Error     string
}

// Options configures an Engine.
type Options struct {
	MaxRetries int
	Backoff    queue.Backoff
	Notifier   Notifier
	Now        func() time.Time
}

// Engine drives queue replay and pulls.
type Engine struct {
	store    *db.Store
	queue    *queue.Queue
	remote   Remote
	resolver *conflict.Resolver

	maxRetries int
	backoff    queue.Backoff
	now        func() time.Time

	running atomic.Bool

	mu       gosync.RWMutex
	notifier Notifier
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
}

// NewEngine creates a new Engine.
func NewEngine(store *db.Store, q *queue.Queue, remote Remote, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = queue.DefaultMaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = queue.DefaultBackoff
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = models.Now
	}
	return &Engine{
		store:      store,
		queue:      q,
		remote:     remote,
		resolver:   conflict.NewResolver(opts.Now),
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		now:        opts.Now,
		notifier:   opts.Notifier,
		status:     SyncStatusIdle,
	}
}

// SetNotifier replaces the event sink.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

func (e *Engine) notify(event SyncEvent) {
	if event.At.IsZero() {
		event.At = e.now()
	}
	e.mu.RLock()
	n := e.notifier
	e.mu.RUnlock()
	n.Notify(event)
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last cycle that finished without error.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the queue length observed by the last cycle.
func (e *Engine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last error that occurred during sync.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) begin() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()
	return nil
}

// end records the outcome of a cycle. replayErr is the last remote failure,
// which does not fail the cycle but is surfaced through LastError.
func (e *Engine) end(err, replayErr error) {
	e.mu.Lock()
	switch {
	case err != nil:
		e.status = SyncStatusFailed
		e.lastErr = err
	case replayErr != nil:
		e.status = SyncStatusFailed
		e.lastErr = replayErr
	default:
		e.status = SyncStatusIdle
		e.lastErr = nil
		now := e.now()
		e.lastSync = &now
	}
	e.mu.Unlock()
	e.running.Store(false)
}

func (e *Engine) refreshPending(ctx context.Context) int {
	n, err := e.queue.Count(ctx)
	if err != nil {
		logging.Error("Failed to count queue", err)
		return e.PendingChanges()
	}
	e.mu.Lock()
	e.pending = n
	e.mu.Unlock()
	return n
}

// Sync performs a drain followed by a pull for ownerID.
func (e *Engine) Sync(ctx context.Context, ownerID string) (*SyncResult, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}

	result := &SyncResult{StartTime: e.now()}
	drained, err := e.drain(ctx)
	result.Drain = drained
	if err == nil && ownerID != "" {
		result.Pull, err = e.pull(ctx, PullOptions{OwnerID: ownerID})
	}

	e.end(err, drained.lastFailure)
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// Drain runs one replay cycle over the queue. Remote failures are absorbed
// into the result and the queue's retry bookkeeping; only local store
// failures and cancellation are returned as errors.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	res, err := e.drain(ctx)
	e.end(err, res.lastFailure)
	return res, err
}

func (e *Engine) drain(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}

	ops, err := e.queue.Drain(ctx)
	if err != nil {
		return res, err
	}
	plan := coalesce.Plan(ops)

	if len(plan.Cancelled) > 0 {
		if err := e.queue.RemoveBatch(ctx, plan.Cancelled); err != nil {
			return res, err
		}
		res.Cancelled = len(plan.Cancelled)
	}

	for _, op := range plan.Ops {
		if err := ctx.Err(); err != nil {
			res.Remaining = e.refreshPending(context.WithoutCancel(ctx))
			return res, err
		}

		if op.NextRetryAt != nil && op.NextRetryAt.After(e.now()) {
			next := *op.NextRetryAt
			res.RetryAt = &next
			break
		}

		conflicted, err := e.replay(ctx, op)
		if err == nil {
			res.Processed++
			if conflicted {
				res.Conflicts++
			}
			continue
		}

		if ctx.Err() != nil {
			res.Remaining = e.refreshPending(context.WithoutCancel(ctx))
			return res, ctx.Err()
		}
		var local *localError
		if errors.As(err, &local) {
			res.Remaining = e.refreshPending(ctx)
			return res, local.err
		}

		res.lastFailure = err
		stop, err := e.fail(ctx, op, err, res)
		if err != nil {
			res.Remaining = e.refreshPending(ctx)
			return res, err
		}
		if stop {
			break
		}
	}

	res.Remaining = e.refreshPending(ctx)
	logging.Info("Drain cycle finished", map[string]interface{}{
		"processed": res.Processed,
		"failed":    res.Failed,
		"conflicts": res.Conflicts,
		"cancelled": res.Cancelled,
		"remaining": res.Remaining,
	})
	e.notify(SyncEvent{Type: EventCycleComplete, Message: fmt.Sprintf("%d pushed, %d remaining", res.Processed, res.Remaining)})
	return res, nil
}

// localError wraps failures of the local store during replay. They abort
// the cycle instead of consuming a retry.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func asLocal(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

// replay pushes one coalesced operation. conflicted is true when the remote
// held a newer version and won.
func (e *Engine) replay(ctx context.Context, op coalesce.Op) (conflicted bool, err error) {
	switch op.Kind {
	case models.OperationInsert:
		rec, err := models.DecodeRecord(op.Entity, op.Payload)
		if err != nil {
			return false, fmt.Errorf("%w: %v", errPermanent, err)
		}
		if err := e.remote.Upsert(ctx, rec); err != nil {
			return false, err
		}
		return false, asLocal(e.markSynced(ctx, op))

	case models.OperationUpdate:
		return e.replayUpdate(ctx, op)

	case models.OperationDelete:
		if err := e.remote.Delete(ctx, op.Entity, op.EntityID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return false, err
		}
		return false, asLocal(e.markSynced(ctx, op))

	default:
		return false, fmt.Errorf("%w: unknown operation kind %q", errPermanent, op.Kind)
	}
}

func (e *Engine) replayUpdate(ctx context.Context, op coalesce.Op) (bool, error) {
	local, err := e.store.Get(ctx, op.Entity, op.EntityID)
	if errors.Is(err, db.ErrNotFound) {
		// The record vanished locally without a DELETE being queued, so
		// there is nothing left to push.
		logging.Warn("Dropping update for missing local record", map[string]interface{}{
			"entity": string(op.Entity), "entity_id": op.EntityID,
		})
		return false, asLocal(e.queue.RemoveBatch(ctx, op.SourceIDs))
	}
	if err != nil {
		return false, asLocal(err)
	}

	raw, err := e.remote.Fetch(ctx, op.Entity, op.EntityID)
	switch {
	case errors.Is(err, ErrRemoteNotFound):
		return false, e.pushFull(ctx, op, local.Record)
	case err != nil:
		return false, err
	}

	remote, err := models.DecodeRecord(op.Entity, raw)
	if err != nil {
		logging.Warn("Replacing invalid remote record", map[string]interface{}{
			"entity": string(op.Entity), "entity_id": op.EntityID, "error": err.Error(),
		})
		return false, e.pushFull(ctx, op, local.Record)
	}

	editedAt := payloadUpdatedAt(op.Payload, local.Record.LastModified())
	if conflict.RemoteNewer(editedAt, remote.LastModified()) {
		return true, asLocal(e.takeRemote(ctx, op, local, remote, editedAt))
	}

	err = e.remote.Update(ctx, op.Entity, op.EntityID, op.Payload)
	if errors.Is(err, ErrRemoteNotFound) {
		return false, e.pushFull(ctx, op, local.Record)
	}
	if err != nil {
		return false, err
	}
	return false, asLocal(e.markSynced(ctx, op))
}

func (e *Engine) pushFull(ctx context.Context, op coalesce.Op, rec models.Record) error {
	if err := e.remote.Upsert(ctx, rec); err != nil {
		return err
	}
	return asLocal(e.markSynced(ctx, op))
}

// takeRemote applies a remote version that beat the queued local edit.
func (e *Engine) takeRemote(ctx context.Context, op coalesce.Op, local *models.CachedRecord, remote models.Record, editedAt time.Time) error {
	entry := e.resolver.NewLog(op.Entity, op.EntityID, editedAt, remote.LastModified())

	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.queue.RemoveBatch(ctx, op.SourceIDs); err != nil {
			return err
		}
		if err := e.store.RecordConflict(ctx, *entry); err != nil {
			return err
		}
		newer, err := e.queue.CountForEntity(ctx, op.Entity, op.EntityID)
		if err != nil {
			return err
		}
		if newer > 0 {
			// An edit made during this cycle is queued behind us; it will
			// be checked against the remote on its own turn.
			return nil
		}
		now := e.now()
		return e.store.Put(ctx, models.CachedRecord{
			Record: remote,
			Meta:   models.SyncMeta{Status: models.SyncStatusSynced, LastSyncAttempt: &now},
		})
	})
	if err != nil {
		return err
	}

	logging.Info("Local edit superseded by remote", map[string]interface{}{
		"entity": string(op.Entity), "entity_id": op.EntityID, "local_status": string(local.Meta.Status),
	})
	e.notify(SyncEvent{
		Type:     EventRemoteUpdate,
		Entity:   op.Entity,
		EntityID: op.EntityID,
		Message:  "updated from another device",
	})
	return nil
}

// markSynced removes the replayed operations and, when nothing newer is
// queued for the record, marks it synced.
func (e *Engine) markSynced(ctx context.Context, op coalesce.Op) error {
	return e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.queue.RemoveBatch(ctx, op.SourceIDs); err != nil {
			return err
		}
		if op.Kind == models.OperationDelete {
			return nil
		}
		return e.settleStatus(ctx, op, models.SyncStatusSynced)
	})
}

func (e *Engine) settleStatus(ctx context.Context, op coalesce.Op, status models.SyncStatus) error {
	newer, err := e.queue.CountForEntity(ctx, op.Entity, op.EntityID)
	if err != nil {
		return err
	}
	now := e.now()
	if newer > 0 && status == models.SyncStatusSynced {
		return nil
	}
	return e.store.SetStatus(ctx, op.Entity, op.EntityID, status, &now)
}

// fail records a replay failure. stop reports whether the cycle must halt
// to preserve FIFO order. An operation is attempted at most maxRetries times;
// the backoff schedule covers the gaps between attempts.
func (e *Engine) fail(ctx context.Context, op coalesce.Op, cause error, res *DrainResult) (stop bool, err error) {
	attempts := op.RetryCount + 1
	permanent := errors.Is(cause, errPermanent) || errors.Is(cause, models.ErrInvalidRecord)

	if permanent || attempts >= e.maxRetries {
		err := e.store.RunInTx(ctx, func(ctx context.Context) error {
			if err := e.queue.RemoveBatch(ctx, op.SourceIDs); err != nil {
				return err
			}
			if op.Kind == models.OperationDelete {
				return nil
			}
			return e.settleStatus(ctx, op, models.SyncStatusError)
		})
		if err != nil {
			return true, err
		}
		res.Failed++
		logging.ErrorWithCode("Operation dropped after retries", string(apperrors.ErrSyncFailed), cause, map[string]interface{}{
			"entity": string(op.Entity), "entity_id": op.EntityID, "kind": string(op.Kind), "attempts": attempts,
		})
		e.notify(SyncEvent{Type: EventDropped, Entity: op.Entity, EntityID: op.EntityID, Message: cause.Error()})
		return false, nil
	}

	next := e.now().Add(e.backoff.Delay(attempts))
	err = e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.queue.MarkFailed(ctx, op.SourceIDs, cause, &next); err != nil {
			return err
		}
		if op.Kind == models.OperationDelete {
			return nil
		}
		now := e.now()
		return e.store.SetStatus(ctx, op.Entity, op.EntityID, models.SyncStatusError, &now)
	})
	if err != nil {
		return true, err
	}
	res.RetryAt = &next
	logging.Warn("Replay failed, retry scheduled", map[string]interface{}{
		"entity": string(op.Entity), "entity_id": op.EntityID, "attempt": attempts,
		"retry_at": next.Format(time.RFC3339Nano), "error": cause.Error(),
	})
	return true, nil
}

// payloadUpdatedAt returns the updated_at carried by an operation payload,
// falling back to the given time.
func payloadUpdatedAt(payload json.RawMessage, fallback time.Time) time.Time {
	var fields struct {
		UpdatedAt *time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.UpdatedAt == nil {
		return fallback
	}
	return models.Normalize(*fields.UpdatedAt)
}
