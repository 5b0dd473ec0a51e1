package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/config"
)

func TestKeyIsConfinedToArchiveRoot(t *testing.T) {
	key := Key(Record{Shop: "a.myshop.io", ProductID: "gid://shop/Product/1", JobID: "../../etc/passwd"})
	assert.Equal(t, "a.myshop.io/gid___shop_Product_1/.._.._etc_passwd.json", key)
	assert.Equal(t, "_/_/_.json", Key(Record{ProductID: "..", JobID: "."}))
	for _, seg := range strings.Split(key, "/") {
		assert.NotEqual(t, "..", seg)
	}
}

func TestLocalArchive(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), config.Config{ArchiveDir: dir})
	require.NoError(t, err)
	require.NotNil(t, a)

	rec := Record{
		JobID:       "job-1",
		Shop:        "a.myshop.io",
		ProductID:   "p1",
		Attempts:    2,
		Explanation: "Low stock.",
		ActionType:  "INVENTORY",
		Model:       "m",
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	loc, err := a.Store(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.myshop.io", "p1", "job-1.json"), loc)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var got Record
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Low stock.", got.Explanation)
	assert.Equal(t, []string{}, got.NextSteps)
}

func TestNewDisabled(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = a.Store(context.Background(), Record{})
	assert.Error(t, err)
}
