package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/store"
	"insight-job-queue/internal/store/sqlite"
)

func sqliteEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "insights.db")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("APP_ENV", "test")
	return path
}

func execute(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	return got
}

func TestMigrate(t *testing.T) {
	sqliteEnv(t)
	got := execute(t, "migrate")
	assert.Equal(t, "migrated", got["status"])
	assert.Equal(t, "sqlite", got["driver"])
}

func TestRequeueStaleAndPurge(t *testing.T) {
	path := sqliteEnv(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	st, err := sqlite.Open(path, store.WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, models.NewJob{Shop: "a.myshop.io", ProductID: "p1"})
	require.NoError(t, err)
	_, claimed, err := st.ClaimNext(ctx, past)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.Close())

	got := execute(t, "requeue-stale")
	assert.EqualValues(t, 1, got["requeued"])
	assert.EqualValues(t, 0, got["failed"])

	got = execute(t, "purge-shop", "a.myshop.io")
	assert.EqualValues(t, 1, got["jobs"])
}

func TestReconcileRuns(t *testing.T) {
	path := sqliteEnv(t)
	st, err := sqlite.Open(path, store.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	require.NoError(t, err)
	_, err = st.CreateRun(context.Background(), "a.myshop.io", 0)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	got := execute(t, "reconcile-runs", "--settle", "1m")
	assert.EqualValues(t, 1, got["completed"])
}

func TestPurgeShopRequiresArg(t *testing.T) {
	sqliteEnv(t)
	root := newRootCmd()
	root.SetArgs([]string{"purge-shop"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}
