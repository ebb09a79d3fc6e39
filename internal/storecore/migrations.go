package storecore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all pending schema migrations to db. Uses the
// goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storecore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storecore: creating migration provider: %w", err)
	}

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("storecore: reading schema version: %w", err)
	}

	latest := provider.ListSources()[len(provider.ListSources())-1].Version
	if current > latest {
		return fmt.Errorf("storecore: stored schema version %d newer than supported %d: %w",
			current, latest, ErrFutureSchema)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storecore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// SchemaVersion returns the database's current schema version, the
// number of applied migrations.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int64, error) {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("storecore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, subFS)
	if err != nil {
		return 0, fmt.Errorf("storecore: creating migration provider: %w", err)
	}

	return provider.GetDBVersion(ctx)
}
