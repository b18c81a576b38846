package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/today/backend/internal/models"
)

// GetSession returns the active timer, or ErrNotFound when none is running.
func (s *Store) GetSession(ctx context.Context) (*models.Session, error) {
	query, args, err := s.sb.Select("task_id", "task_name", "user_id", "started_at").
		From("active_session").
		Where(sq.Eq{"slot": 1}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build session query: %w", err)
	}

	var (
		sess    models.Session
		started int64
	)
	err = s.db.Conn(ctx).QueryRowContext(ctx, query, args...).
		Scan(&sess.TaskID, &sess.TaskName, &sess.UserID, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = fromMillis(started)
	return &sess, nil
}

// SaveSession occupies the timer slot, replacing any previous session.
func (s *Store) SaveSession(ctx context.Context, sess models.Session) error {
	query, args, err := s.sb.Insert("active_session").
		Columns("slot", "task_id", "task_name", "user_id", "started_at").
		Values(1, sess.TaskID, sess.TaskName, sess.UserID, toMillis(sess.StartedAt)).
		Suffix("ON CONFLICT(slot) DO UPDATE SET task_id = excluded.task_id, task_name = excluded.task_name, " +
			"user_id = excluded.user_id, started_at = excluded.started_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build session upsert: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession empties the timer slot.
func (s *Store) ClearSession(ctx context.Context) error {
	if _, err := s.db.Conn(ctx).ExecContext(ctx, "DELETE FROM active_session WHERE slot = 1"); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
