package db

import (
	"context"
	"fmt"

	"github.com/kimhsiao/today/backend/internal/models"
)

// RecordConflict appends an entry to the conflict log.
func (s *Store) RecordConflict(ctx context.Context, c models.ConflictLog) error {
	query, args, err := s.sb.Insert(c.TableName()).
		Columns("id", "entity", "item_id", "local_timestamp", "remote_timestamp", "resolution", "detected_at").
		Values(c.ID, string(c.Entity), c.ItemID, c.LocalTimestamp, c.RemoteTimestamp, c.Resolution, c.DetectedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build conflict insert: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record conflict %s: %w", c.ItemID, err)
	}
	return nil
}

// ListConflicts returns the most recent conflicts first.
func (s *Store) ListConflicts(ctx context.Context, limit uint64) ([]models.ConflictLog, error) {
	b := s.sb.Select("id", "entity", "item_id", "local_timestamp", "remote_timestamp", "resolution", "detected_at").
		From(models.ConflictLog{}.TableName()).
		OrderBy("detected_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conflict query: %w", err)
	}

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var (
			c      models.ConflictLog
			entity string
		)
		if err := rows.Scan(&c.ID, &entity, &c.ItemID, &c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Entity = models.EntityType(entity)
		out = append(out, c)
	}
	return out, rows.Err()
}
