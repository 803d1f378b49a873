package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/audiolibrelab/voicerec/internal/recording"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every pooled connection would get its own empty :memory: database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	c, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func finalizedTarget(t *testing.T, dir, name string, finalized time.Time) recording.Target {
	t.Helper()
	target := recording.NewTarget(dir, name, "wav", finalized.Add(-time.Minute))
	target.FinalizedAt = finalized
	target.Size = 2048
	target.Duration = 61500 * time.Millisecond
	require.NoError(t, os.WriteFile(target.Path, make([]byte, 2048), 0644))
	return target
}

func TestCatalogSaveGetList(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	older := finalizedTarget(t, dir, "older", base)
	newer := finalizedTarget(t, dir, "newer", base.Add(time.Hour))
	require.NoError(t, c.Save(ctx, older))
	require.NoError(t, c.Save(ctx, newer))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	got, err := c.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.Path, got.Path)
	assert.Equal(t, older.Duration, got.Duration)
	assert.True(t, got.Finalized())

	byPrefix, err := c.Get(ctx, older.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, older.ID, byPrefix.ID)

	latest, err := c.Find(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	_, err = c.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogRejectsUnfinalized(t *testing.T) {
	c := newTestCatalog(t)
	target := recording.NewTarget(t.TempDir(), "open", "wav", time.Now())
	assert.Error(t, c.Save(context.Background(), target))
}

func TestCatalogLatestEmpty(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogDelete(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	target := finalizedTarget(t, t.TempDir(), "gone", time.Now())
	require.NoError(t, c.Save(ctx, target))

	require.NoError(t, c.Delete(ctx, target.ID))
	assert.ErrorIs(t, c.Delete(ctx, target.ID), ErrNotFound)

	_, err := os.Stat(target.Path)
	assert.NoError(t, err, "deleting the entry keeps the file")
}

func TestCatalogSync(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()

	kept := finalizedTarget(t, dir, "kept", time.Now())
	vanished := finalizedTarget(t, dir, "vanished", time.Now())
	require.NoError(t, c.Save(ctx, kept))
	require.NoError(t, c.Save(ctx, vanished))
	require.NoError(t, os.Remove(vanished.Path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.wav"), make([]byte, 4096), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "take.part000.wav"), make([]byte, 4096), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), make([]byte, 4096), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.flac"), make([]byte, 10), 0644))

	removed, added, err := c.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, added)

	list, err := c.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, r := range list {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"kept", "untracked"}, names)

	removed, added, err = c.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, added)
}

func TestIsRecordingFile(t *testing.T) {
	assert.True(t, IsRecordingFile("/rec/take_1234abcd.flac"))
	assert.True(t, IsRecordingFile("/rec/TAKE.WAV"))
	assert.False(t, IsRecordingFile("/rec/take_1234abcd.part000.wav"))
	assert.False(t, IsRecordingFile("/rec/take.segments.txt"))
	assert.False(t, IsRecordingFile("/rec/cover.jpg"))
}

func TestWatcherPrunesDeletedFiles(t *testing.T) {
	c := newTestCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	target := finalizedTarget(t, dir, "watched", time.Now())
	require.NoError(t, c.Save(ctx, target))

	w, err := NewWatcher(c, dir)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.Remove(target.Path))

	require.Eventually(t, func() bool {
		list, err := c.List(ctx)
		return err == nil && len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
