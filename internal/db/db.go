// Package db provides the local SQLite store: connection management,
// schema migrations, context-scoped transactions and the record cache.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	// FileName is the database file inside the data directory.
	FileName = "today.db"
	lockName = "today.lock"
)

var (
	// ErrNotFound is returned when a record does not exist locally.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another process already owns the data directory.
	ErrLocked = errors.New("local store is locked by another process")
)

// DB wraps the sql.DB with the single-writer configuration used by Today.
type DB struct {
	*sql.DB
	path string
	lock *flock.Flock
}

// Open opens (creating if needed) the local database in dataDir and applies
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads during sync
// - a busy timeout so readers outside the writer connection wait instead of failing
// - a single open connection, since SQLite has one writer
//
// A lock file in dataDir makes the store exclusive to one process.
func Open(ctx context.Context, dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dbPath := filepath.Join(dataDir, FileName)
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{DB: sqlDB, path: dbPath, lock: lock}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Migrations run before the pool is narrowed so goose can hold its own
	// connection while applying.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection and releases the store lock.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.lock != nil {
		if unlockErr := db.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
