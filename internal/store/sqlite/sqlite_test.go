package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/store"
	"insight-job-queue/internal/store/storetest"
)

func openTestStore(t *testing.T, opts ...store.Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.Backend {
		return openTestStore(t, opts...)
	})
}

// TestMigrationsIdempotent opens the same file twice and checks no migration is re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "insights.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %v -> %v", v1, v2)
	}
}

func TestActiveJobIndexExists(t *testing.T) {
	s := openTestStore(t)
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", "jobs_one_active_per_product").Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("index jobs_one_active_per_product not found")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("012_add_column.sql"); err != nil || v != 12 {
		t.Fatalf("got %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Fatal("expected error for missing prefix")
	}
	if _, err := parseMigrationVersion("abc_init.sql"); err == nil {
		t.Fatal("expected error for non-numeric prefix")
	}
}

func TestFinishJobRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.CreateJob(ctx, models.NewJob{Shop: "a.myshop.io", ProductID: "p1"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job, ok, err := s.ClaimNext(ctx, time.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer tx.Rollback()
	err = finishJob(ctx, tx, job, models.JobRunning, nil, nil, s.clock())
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("finishJob RUNNING -> RUNNING: got %v, want ErrInvalidTransition", err)
	}
}
