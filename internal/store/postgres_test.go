package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"insight-job-queue/internal/store"
	"insight-job-queue/internal/store/storetest"
)

// postgresDSN returns TEST_POSTGRES_DSN when set, otherwise it starts a
// throwaway Postgres container that lives until the test ends.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("insights_test"),
		tcpostgres.WithUsername("insights_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

// TestPostgresConformance runs the shared backend suite against Postgres.
// Each subtest starts from empty tables.
func TestPostgresConformance(t *testing.T) {
	dsn := postgresDSN(t)
	if _, err := store.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.Backend {
		ctx := context.Background()
		s, err := store.New(ctx, dsn, 4, opts...)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if _, err := s.Pool().Exec(ctx, `TRUNCATE jobs, runs, insights, sessions, webhook_events RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
