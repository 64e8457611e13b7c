package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"3tcapital/ms_nfse_emissor/internal/infrastructure/database"
)

// TestDatabaseURLEnv names the variable holding the integration database DSN.
const TestDatabaseURLEnv = "NFSE_TEST_DATABASE_URL"

// NewTestPool connects to the integration database and runs the migrations.
// The test is skipped in short mode or when no database is configured.
func NewTestPool(t testing.TB, tables ...string) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	dsn := os.Getenv(TestDatabaseURLEnv)
	if dsn == "" {
		t.Skipf("Skipping integration test: %s not set", TestDatabaseURLEnv)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.RunMigrations(ctx, pool, NewNullLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return pool
}
