package tests

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantforum/server/internal/db"
)

// RunMigrations applies the embedded migrations.
func RunMigrations(ctx context.Context, database *sqlx.DB) error {
	return db.Migrate(ctx, database)
}

// TruncateForumTables empties every table for a clean test state.
func TruncateForumTables(ctx context.Context, database *sqlx.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE orphaned_mints, posts, accounts RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate forum tables: %w", err)
	}
	return nil
}
