package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/today/backend/internal/models"
)

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	OwnerID *string
	Status  models.SyncStatus
	// From and To bound the entity's time field inclusively:
	// start_time for time entries, created_at for tasks.
	From *time.Time
	To   *time.Time
	// Limit caps the number of rows; 0 means unlimited.
	Limit uint64
}

// Owner returns a pointer suitable for Filter.OwnerID.
func Owner(id string) *string {
	return &id
}

// Store is the local record cache.
type Store struct {
	db *DB
	sb sq.StatementBuilderType
}

// NewStore creates a Store on an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// RunInTx runs fn in a transaction shared by every store and queue call made with the derived context.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

var taskColumns = []string{"id", "user_id", "text", "done", "created_at", "updated_at", "sync_status", "last_sync_attempt"}

var timeEntryColumns = []string{
	"id", "user_id", "task_id", "task_name", "start_time", "end_time", "notes",
	"created_at", "updated_at", "sync_status", "last_sync_attempt",
}

func columnsFor(entity models.EntityType) ([]string, error) {
	switch entity {
	case models.EntityTasks:
		return taskColumns, nil
	case models.EntityTimeEntries:
		return timeEntryColumns, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
}

func timeColumn(entity models.EntityType) string {
	if entity == models.EntityTimeEntries {
		return "start_time"
	}
	return "created_at"
}

func rowValues(rec models.CachedRecord) ([]any, error) {
	attempt := nullMillis(rec.Meta.LastSyncAttempt)
	switch r := rec.Record.(type) {
	case *models.Task:
		return []any{
			r.ID, r.UserID, r.Text, r.Done, toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
			string(rec.Meta.Status), attempt,
		}, nil
	case *models.TimeEntry:
		var taskID sql.NullString
		if r.TaskID != nil {
			taskID = sql.NullString{String: *r.TaskID, Valid: true}
		}
		return []any{
			r.ID, r.UserID, taskID, r.TaskName, toMillis(r.StartTime), nullMillis(r.EndTime), r.Notes,
			toMillis(r.CreatedAt), toMillis(r.UpdatedAt), string(rec.Meta.Status), attempt,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported record type %T", rec.Record)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(entity models.EntityType, row rowScanner) (*models.CachedRecord, error) {
	var (
		status  string
		attempt sql.NullInt64
	)

	switch entity {
	case models.EntityTasks:
		var (
			t                models.Task
			created, updated int64
		)
		if err := row.Scan(&t.ID, &t.UserID, &t.Text, &t.Done, &created, &updated, &status, &attempt); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		return &models.CachedRecord{
			Record: &t,
			Meta:   models.SyncMeta{Status: models.SyncStatus(status), LastSyncAttempt: timePtr(attempt)},
		}, nil
	case models.EntityTimeEntries:
		var (
			e                       models.TimeEntry
			taskID                  sql.NullString
			start, created, updated int64
			end                     sql.NullInt64
		)
		if err := row.Scan(&e.ID, &e.UserID, &taskID, &e.TaskName, &start, &end, &e.Notes,
			&created, &updated, &status, &attempt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			id := taskID.String
			e.TaskID = &id
		}
		e.StartTime = fromMillis(start)
		e.EndTime = timePtr(end)
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		return &models.CachedRecord{
			Record: &e,
			Meta:   models.SyncMeta{Status: models.SyncStatus(status), LastSyncAttempt: timePtr(attempt)},
		}, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
}

// Put inserts or replaces a record by id.
func (s *Store) Put(ctx context.Context, rec models.CachedRecord) error {
	if rec.Record == nil {
		return errors.New("put: nil record")
	}
	if !rec.Meta.Status.Valid() {
		return fmt.Errorf("put %s: invalid sync status %q", rec.Record.RecordID(), rec.Meta.Status)
	}

	entity := rec.Record.Entity()
	cols, err := columnsFor(entity)
	if err != nil {
		return err
	}
	vals, err := rowValues(rec)
	if err != nil {
		return err
	}

	query, args, err := s.sb.Insert(string(entity)).
		Columns(cols...).
		Values(vals...).
		Suffix(upsertSuffix(cols)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build put query: %w", err)
	}

	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("put %s %s: %w", entity, rec.Record.RecordID(), err)
	}
	return nil
}

func upsertSuffix(cols []string) string {
	suffix := "ON CONFLICT(id) DO UPDATE SET "
	first := true
	for _, c := range cols {
		if c == "id" {
			continue
		}
		if !first {
			suffix += ", "
		}
		suffix += c + " = excluded." + c
		first = false
	}
	return suffix
}

// BulkPut writes all records in one transaction. Either every record is
// stored or none is.
func (s *Store) BulkPut(ctx context.Context, recs []models.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		for _, rec := range recs {
			if err := s.Put(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a cached record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, entity models.EntityType, id string) (*models.CachedRecord, error) {
	cols, err := columnsFor(entity)
	if err != nil {
		return nil, err
	}

	query, args, err := s.sb.Select(cols...).From(string(entity)).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	rec, err := scanRecord(entity, s.db.Conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return rec, nil
}

// Query returns records matching f, ordered by the entity's time field.
func (s *Store) Query(ctx context.Context, entity models.EntityType, f Filter) ([]models.CachedRecord, error) {
	cols, err := columnsFor(entity)
	if err != nil {
		return nil, err
	}

	timeCol := timeColumn(entity)
	b := s.sb.Select(cols...).From(string(entity)).OrderBy(timeCol+" ASC", "id ASC")
	if f.OwnerID != nil {
		b = b.Where(sq.Eq{"user_id": *f.OwnerID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"sync_status": string(f.Status)})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{timeCol: toMillis(*f.From)})
	}
	if f.To != nil {
		b = b.Where(sq.LtOrEq{timeCol: toMillis(*f.To)})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entity, err)
	}
	defer rows.Close()

	var out []models.CachedRecord
	for rows.Next() {
		rec, err := scanRecord(entity, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, entity models.EntityType, id string) error {
	if _, err := columnsFor(entity); err != nil {
		return err
	}
	query, args, err := s.sb.Delete(string(entity)).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return nil
}

// SetStatus updates only the sync metadata of a record, leaving domain
// fields as they currently are. A missing record is ignored.
func (s *Store) SetStatus(ctx context.Context, entity models.EntityType, id string, status models.SyncStatus, attempt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("set status %s: invalid sync status %q", id, status)
	}
	if _, err := columnsFor(entity); err != nil {
		return err
	}

	query, args, err := s.sb.Update(string(entity)).
		Set("sync_status", string(status)).
		Set("last_sync_attempt", nullMillis(attempt)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build status query: %w", err)
	}
	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set status %s %s: %w", entity, id, err)
	}
	return nil
}

// DetachTask clears task_id on every time entry of a deleted task. The
// task_name snapshot is kept.
func (s *Store) DetachTask(ctx context.Context, taskID string) (int64, error) {
	query, args, err := s.sb.Update(string(models.EntityTimeEntries)).
		Set("task_id", nil).
		Where(sq.Eq{"task_id": taskID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build detach query: %w", err)
	}
	res, err := s.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("detach task %s: %w", taskID, err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of records per sync status across all entities.
func (s *Store) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	counts := make(map[models.SyncStatus]int)
	for _, entity := range models.EntityTypes() {
		query, args, err := s.sb.Select("sync_status", "COUNT(*)").
			From(string(entity)).
			GroupBy("sync_status").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build count query: %w", err)
		}

		rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", entity, err)
		}
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[models.SyncStatus(status)] += n
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return counts, nil
}
