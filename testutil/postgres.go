package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/onnwee/clip-tender/db"
)

// SetupTestDB connects to TEST_PG_DSN, migrates the schema and empties the clips table.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE clips`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate clips: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
