package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	reg := calcRegistry(t)
	dir := t.TempDir()

	doc, err := Capture(sampleState(t, reg), Settings{}, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	path := filepath.Join(dir, "snap-1.json")
	require.NoError(t, ix.Record(ctx, doc, path))

	got, err := ix.Get(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "adder", got.Nickname)
	assert.Equal(t, "adds numbers", got.Summary)
	assert.Equal(t, "gemini-2.5-flash", got.Model)
	assert.Equal(t, len(doc.Messages), got.MessageCount)
	assert.Equal(t, 57, got.Tokens)
	assert.Equal(t, path, got.Path)
	assert.True(t, doc.SavedAt.Equal(got.UpdatedAt))
	assert.FileExists(t, path)

	t.Run("upsert replaces", func(t *testing.T) {
		doc.Nickname = "renamed"
		doc.SavedAt = doc.SavedAt.Add(time.Hour)
		require.NoError(t, ix.Record(ctx, doc, path))
		got, err := ix.Get(ctx, "snap-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Nickname)
	})

	t.Run("list orders by update time", func(t *testing.T) {
		require.NoError(t, ix.Upsert(ctx, IndexEntry{
			ID: "older", Path: filepath.Join(dir, "older.json"), UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}))
		entries, err := ix.List(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "snap-1", entries[0].ID)
		assert.Equal(t, "older", entries[1].ID)

		page, err := ix.List(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "older", page[0].ID)
	})

	t.Run("prune drops missing files", func(t *testing.T) {
		n, err := ix.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = ix.Get(ctx, "older")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, ix.Delete(ctx, "snap-1"))
		assert.ErrorIs(t, ix.Delete(ctx, "snap-1"), ErrSessionNotFound)
		_, err := os.Stat(path)
		assert.NoError(t, err)
	})
}

func TestPathManager(t *testing.T) {
	pm := NewPathManagerAt(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, pm.ValidatePaths())
	for _, sub := range []string{"logs", "cache", "sessions"} {
		assert.DirExists(t, filepath.Join(pm.dataDir, sub))
	}

	info := pm.PlatformInfo()
	require.Len(t, info, 6)
	assert.Equal(t, "data_dir", info[4])
	assert.Equal(t, pm.dataDir, info[5])

	p, err := pm.SnapshotPath("abc", FormatCBOR, true)
	require.NoError(t, err)
	assert.Equal(t, "abc.cbor.zst", filepath.Base(p))
	assert.DirExists(t, filepath.Dir(p))

	db, err := pm.IndexDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "sessions.db", filepath.Base(db))
}
