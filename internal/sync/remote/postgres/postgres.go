// Package postgres implements the sync Remote on a PostgreSQL database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kimhsiao/today/backend/internal/models"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

// Querier is the subset of *pgxpool.Pool used by Remote. pgxmock pools
// implement it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Remote stores records in the tasks and time_entries tables.
type Remote struct {
	q  Querier
	sb sq.StatementBuilderType
}

// New creates a Remote on q.
func New(q Querier) *Remote {
	return &Remote{q: q, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func tableFor(entity models.EntityType) (string, error) {
	if !entity.Valid() {
		return "", fmt.Errorf("%w: unknown entity %q", models.ErrInvalidRecord, entity)
	}
	return string(entity), nil
}

// Fetch implements sync.Remote.
func (r *Remote) Fetch(ctx context.Context, entity models.EntityType, id string) (json.RawMessage, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	query, args, err := r.sb.Select("row_to_json(t)").
		From(table + " t").
		Where(sq.Eq{"t.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch: %w", err)
	}

	var raw []byte
	if err := r.q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, mapError(err, entity, id)
	}
	return json.RawMessage(raw), nil
}

// ListSince implements sync.Remote.
func (r *Remote) ListSince(ctx context.Context, entity models.EntityType, ownerID string, since time.Time) ([]json.RawMessage, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	query, args, err := r.sb.Select("row_to_json(t)").
		From(table+" t").
		Where(sq.Eq{"t.user_id": ownerID}).
		Where(sq.GtOrEq{"t.updated_at": since.UTC()}).
		OrderBy("t.updated_at ASC", "t.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, entity, "*")
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, mapError(err, entity, "*")
		}
		out = append(out, append(json.RawMessage(nil), raw...))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, entity, "*")
	}
	return out, nil
}

// rowValues returns the record's column values in models.Columns order.
func rowValues(rec models.Record) ([]any, error) {
	switch v := rec.(type) {
	case *models.Task:
		return []any{v.ID, v.UserID, v.Text, v.Done, v.CreatedAt, v.UpdatedAt}, nil
	case *models.TimeEntry:
		return []any{v.ID, v.UserID, v.TaskID, v.TaskName, v.StartTime, v.EndTime, v.Notes, v.CreatedAt, v.UpdatedAt}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported record type %T", models.ErrInvalidRecord, rec)
	}
}

func upsertSuffix(cols []string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return "ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}

// Upsert implements sync.Remote.
func (r *Remote) Upsert(ctx context.Context, rec models.Record) error {
	if err := models.ValidateRecord(rec); err != nil {
		return err
	}
	table, err := tableFor(rec.Entity())
	if err != nil {
		return err
	}
	values, err := rowValues(rec)
	if err != nil {
		return err
	}
	cols := models.Columns(rec.Entity())

	query, args, err := r.sb.Insert(table).
		Columns(cols...).
		Values(values...).
		Suffix(upsertSuffix(cols)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return mapError(err, rec.Entity(), rec.RecordID())
	}
	return nil
}

// Update implements sync.Remote. Only updatable columns present in changes
// are written.
func (r *Remote) Update(ctx context.Context, entity models.EntityType, id string, changes json.RawMessage) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	set, err := patchValues(entity, changes)
	if err != nil {
		return err
	}

	query, args, err := r.sb.Update(table).
		SetMap(set).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, entity, id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}
	return nil
}

// patchValues converts a JSON patch into typed column values.
func patchValues(entity models.EntityType, changes json.RawMessage) (map[string]any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(changes, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRecord, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty update", models.ErrInvalidRecord)
	}

	allowed := models.UpdatableColumns(entity)
	set := make(map[string]any, len(fields))
	for name, raw := range fields {
		kind, ok := allowed[name]
		if !ok {
			return nil, fmt.Errorf("%w: column %s is not updatable", models.ErrInvalidRecord, name)
		}
		v, err := decodeValue(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidRecord, name, err)
		}
		set[name] = v
	}
	return set, nil
}

func decodeValue(kind models.FieldKind, raw json.RawMessage) (any, error) {
	switch kind {
	case models.FieldString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case models.FieldNullableString:
		var s *string
		err := json.Unmarshal(raw, &s)
		return s, err
	case models.FieldBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case models.FieldTime:
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return models.Normalize(t), err
	case models.FieldNullableTime:
		var t *time.Time
		if err := json.Unmarshal(raw, &t); err != nil || t == nil {
			return t, err
		}
		n := models.Normalize(*t)
		return &n, nil
	default:
		return nil, fmt.Errorf("unknown field kind %d", kind)
	}
}

// Delete implements sync.Remote. Deleting a task clears task_id on its time
// entries in the same transaction.
func (r *Remote) Delete(ctx context.Context, entity models.EntityType, id string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	del, args, err := r.sb.Delete(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if entity != models.EntityTasks {
		tag, err := r.q.Exec(ctx, del, args...)
		if err != nil {
			return mapError(err, entity, id)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
		}
		return nil
	}

	detach, detachArgs, err := r.sb.Update(string(models.EntityTimeEntries)).
		Set("task_id", nil).
		Where(sq.Eq{"task_id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build detach: %w", err)
	}

	tx, err := r.q.Begin(ctx)
	if err != nil {
		return mapError(err, entity, id)
	}
	if _, err := tx.Exec(ctx, detach, detachArgs...); err != nil {
		_ = tx.Rollback(ctx)
		return mapError(err, entity, id)
	}
	tag, err := tx.Exec(ctx, del, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return mapError(err, entity, id)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}
	return mapError(tx.Commit(ctx), entity, id)
}

// mapError converts pgx/pgconn errors to sync and model errors.
// context.DeadlineExceeded and context.Canceled pass through.
func mapError(err error, entity models.EntityType, id string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", // check_violation
			"23502", // not_null_violation
			"22P02", // invalid_text_representation
			"22007": // invalid_datetime_format
			return fmt.Errorf("%s %s: %w: %s", entity, id, models.ErrInvalidRecord, pgErr.Message)
		}
	}

	return fmt.Errorf("%s %s: %w", entity, id, err)
}

var _ syncpkg.Remote = (*Remote)(nil)
