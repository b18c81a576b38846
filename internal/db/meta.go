package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// GetMeta returns a persisted flag or watermark. ok is false when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	query, args, err := s.sb.Select("value").From("sync_meta").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build meta query: %w", err)
	}
	err = s.db.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a key/value pair, replacing any previous value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query, args, err := s.sb.Insert("sync_meta").
		Columns("key", "value", "updated_at").
		Values(key, value, toMillis(time.Now())).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build meta upsert: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a key.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	query, args, err := s.sb.Delete("sync_meta").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build meta delete: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}

// GetTimeMeta reads a timestamp stored with SetTimeMeta. The zero time is
// returned when the key is unset.
func (s *Store) GetTimeMeta(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := s.GetMeta(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("meta %s: %w", key, err)
	}
	return t.UTC(), nil
}

// SetTimeMeta stores a timestamp.
func (s *Store) SetTimeMeta(ctx context.Context, key string, t time.Time) error {
	return s.SetMeta(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
