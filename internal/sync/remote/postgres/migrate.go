package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/kimhsiao/today/backend/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the remote schema to the database at dsn and returns the
// resulting schema version. goose needs database/sql, so the pgx stdlib
// driver is used for the duration of the migration.
func Migrate(ctx context.Context, dsn string) (int64, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, fmt.Errorf("open remote database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping remote database: %w", err)
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return 0, fmt.Errorf("goose new provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("goose up: %w", err)
	}
	for _, r := range results {
		logging.Info("Applied remote migration", map[string]interface{}{
			"version":  r.Source.Version,
			"duration": r.Duration.String(),
		})
	}

	return provider.GetDBVersion(ctx)
}
