// Package queue provides the durable operation queue for offline writes.
//
// Every local mutation of an owned record appends one operation. The queue
// lives in the same SQLite database as the record cache, so an enqueue made
// with a transaction-carrying context commits together with the record write.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/today/backend/internal/db"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/uuid"
)

const table = "operation_queue"

var columns = []string{"id", "kind", "entity", "entity_id", "payload", "created_at", "retry_count", "next_retry_at", "last_error"}

// ErrQueueFull is returned by Enqueue when the configured capacity is reached.
var ErrQueueFull = errors.New("operation queue is full")

// Options configures a Queue.
type Options struct {
	// MaxSize caps the number of pending operations; 0 means unlimited.
	MaxSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is the durable FIFO of pending operations.
type Queue struct {
	db      *db.DB
	sb      sq.StatementBuilderType
	maxSize int
	now     func() time.Time

	mu          sync.Mutex
	lastCreated time.Time
	primed      bool
}

// New creates a Queue on an open database.
func New(database *db.DB, opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = models.Now
	}
	return &Queue{
		db:      database,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		maxSize: opts.MaxSize,
		now:     now,
	}
}

// Enqueue validates and durably appends an operation. CreatedAt is strictly
// increasing across calls so FIFO order is total even within one millisecond.
func (q *Queue) Enqueue(ctx context.Context, kind models.OperationKind, entity models.EntityType, entityID string, payload json.RawMessage) (*models.QueuedOperation, error) {
	if entityID == "" {
		return nil, fmt.Errorf("enqueue %s %s: %w: missing entity id", kind, entity, models.ErrInvalidRecord)
	}
	if err := models.ValidatePayload(entity, kind, payload); err != nil {
		return nil, fmt.Errorf("enqueue %s %s %s: %w", kind, entity, entityID, err)
	}

	if q.maxSize > 0 {
		n, err := q.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n >= q.maxSize {
			return nil, fmt.Errorf("enqueue %s %s %s: %w (max size: %d)", kind, entity, entityID, ErrQueueFull, q.maxSize)
		}
	}

	createdAt, err := q.nextCreatedAt(ctx)
	if err != nil {
		return nil, err
	}

	op := &models.QueuedOperation{
		ID:        uuid.NewOrdered(),
		Kind:      kind,
		Entity:    entity,
		EntityID:  entityID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: createdAt,
	}

	query, args, err := q.sb.Insert(table).
		Columns(columns...).
		Values(op.ID, string(op.Kind), string(op.Entity), op.EntityID, string(op.Payload),
			op.CreatedAt.UnixMilli(), 0, nil, "").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build enqueue: %w", err)
	}
	if _, err := q.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("enqueue %s %s %s: %w", kind, entity, entityID, err)
	}

	logging.Debug("operation enqueued", map[string]interface{}{
		"op_id": op.ID, "kind": string(kind), "entity": string(entity), "entity_id": entityID,
	})
	return op, nil
}

func (q *Queue) nextCreatedAt(ctx context.Context) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.primed {
		var maxCreated sql.NullInt64
		err := q.db.Conn(ctx).QueryRowContext(ctx, "SELECT MAX(created_at) FROM "+table).Scan(&maxCreated)
		if err != nil {
			return time.Time{}, fmt.Errorf("read queue clock: %w", err)
		}
		if maxCreated.Valid {
			q.lastCreated = time.UnixMilli(maxCreated.Int64).UTC()
		}
		q.primed = true
	}

	now := models.Normalize(q.now())
	if !now.After(q.lastCreated) {
		now = q.lastCreated.Add(time.Millisecond)
	}
	q.lastCreated = now
	return now, nil
}

// Drain returns every queued operation in FIFO order without removing them.
func (q *Queue) Drain(ctx context.Context) ([]models.QueuedOperation, error) {
	return q.list(ctx, q.sb.Select(columns...).From(table).OrderBy("created_at ASC", "seq ASC"))
}

// ForEntity returns the queued operations targeting one record.
func (q *Queue) ForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.QueuedOperation, error) {
	return q.list(ctx, q.sb.Select(columns...).From(table).
		Where(sq.Eq{"entity": string(entity), "entity_id": entityID}).
		OrderBy("created_at ASC", "seq ASC"))
}

func (q *Queue) list(ctx context.Context, b sq.SelectBuilder) ([]models.QueuedOperation, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build drain: %w", err)
	}
	rows, err := q.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		var (
			op                models.QueuedOperation
			kind, entity, pay string
			created           int64
			nextRetry         sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &kind, &entity, &op.EntityID, &pay, &created, &op.RetryCount, &nextRetry, &op.LastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = models.OperationKind(kind)
		op.Entity = models.EntityType(entity)
		op.Payload = json.RawMessage(pay)
		op.CreatedAt = time.UnixMilli(created).UTC()
		if nextRetry.Valid {
			t := time.UnixMilli(nextRetry.Int64).UTC()
			op.NextRetryAt = &t
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RemoveBatch deletes the given operations. Unknown ids are ignored.
func (q *Queue) RemoveBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := q.sb.Delete(table).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build remove: %w", err)
	}
	if _, err := q.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove %d operations: %w", len(ids), err)
	}
	return nil
}

// MarkFailed increments the retry counter of each operation, records the
// error and persists the next retry time (nil clears it).
func (q *Queue) MarkFailed(ctx context.Context, ids []string, cause error, nextRetryAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var next any
	if nextRetryAt != nil {
		next = nextRetryAt.UTC().UnixMilli()
	}

	query, args, err := q.sb.Update(table).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", msg).
		Set("next_retry_at", next).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark failed: %w", err)
	}
	if _, err := q.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %d operations failed: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of queued operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.Conn(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// CountForEntity returns the number of queued operations targeting one record.
func (q *Queue) CountForEntity(ctx context.Context, entity models.EntityType, entityID string) (int, error) {
	query, args, err := q.sb.Select("COUNT(*)").From(table).
		Where(sq.Eq{"entity": string(entity), "entity_id": entityID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := q.db.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s %s: %w", entity, entityID, err)
	}
	return n, nil
}

// NextRetryAt returns the earliest persisted retry time, or nil when no
// operation is waiting on a backoff.
func (q *Queue) NextRetryAt(ctx context.Context) (*time.Time, error) {
	var next sql.NullInt64
	err := q.db.Conn(ctx).QueryRowContext(ctx,
		"SELECT MIN(next_retry_at) FROM "+table+" WHERE next_retry_at IS NOT NULL").Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("read next retry: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := time.UnixMilli(next.Int64).UTC()
	return &t, nil
}

// Clear removes every queued operation. It is destructive and only invoked
// on explicit user request.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	res, err := q.db.Conn(ctx).ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Warn("operation queue cleared", map[string]interface{}{"removed": n})
	return n, nil
}

// RetryAll resets retry counters and schedules so every operation is
// attempted on the next cycle.
func (q *Queue) RetryAll(ctx context.Context) (int64, error) {
	res, err := q.db.Conn(ctx).ExecContext(ctx,
		"UPDATE "+table+" SET retry_count = 0, next_retry_at = NULL, last_error = '' WHERE retry_count > 0 OR next_retry_at IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("reset retries: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the queue.
type Stats struct {
	Total    int
	Retrying int
	Oldest   *time.Time
}

// GetStats returns queue statistics.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		oldest sql.NullInt64
	)
	err := q.db.Conn(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0), MIN(created_at) FROM "+table).
		Scan(&stats.Total, &stats.Retrying, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		stats.Oldest = &t
	}
	return stats, nil
}
