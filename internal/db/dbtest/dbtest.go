// Package dbtest opens throwaway local stores for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/db"
)

// Open returns a migrated database in a fresh temp directory. It is closed
// when the test finishes.
func Open(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Store returns a Store on a fresh database.
func Store(t testing.TB) *db.Store {
	t.Helper()
	return db.NewStore(Open(t))
}
