// Package library keeps the catalog of finalized recordings in SQLite
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/recording"
)

var ErrNotFound = errors.New("recording not found")

// Recording is the catalog row for one finalized file
type Recording struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"index"`
	Path        string `gorm:"uniqueIndex"`
	Format      string
	Size        int64
	DurationMS  int64
	CreatedAt   time.Time
	FinalizedAt time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (Recording) TableName() string { return "recordings" }

func fromTarget(t recording.Target) Recording {
	return Recording{
		ID:          t.ID,
		Name:        t.Name,
		Path:        t.Path,
		Format:      t.Format,
		Size:        t.Size,
		DurationMS:  t.Duration.Milliseconds(),
		CreatedAt:   t.CreatedAt,
		FinalizedAt: t.FinalizedAt,
	}
}

func (r Recording) Target() recording.Target {
	return recording.Target{
		ID:          r.ID,
		Name:        r.Name,
		Path:        r.Path,
		Format:      r.Format,
		CreatedAt:   r.CreatedAt,
		FinalizedAt: r.FinalizedAt,
		Size:        r.Size,
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
	}
}

type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog database at path
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	return New(db)
}

// New wraps an open database and migrates the schema
func New(db *gorm.DB) (*Catalog, error) {
	if err := db.AutoMigrate(&Recording{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save stores a finalized target, replacing any row with the same ID
func (c *Catalog) Save(ctx context.Context, t recording.Target) error {
	if !t.Finalized() {
		return fmt.Errorf("refusing to catalog unfinalized recording %s", t.Name)
	}

	if err := c.db.WithContext(ctx).Save(ptr(fromTarget(t))).Error; err != nil {
		return fmt.Errorf("failed to save recording %s: %w", t.ID, err)
	}
	slog.Debug("Recording catalogued", "id", t.ID, "path", t.Path)
	return nil
}

// List returns all recordings, newest first
func (c *Catalog) List(ctx context.Context) ([]recording.Target, error) {
	var rows []Recording
	if err := c.db.WithContext(ctx).Order("finalized_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	targets := make([]recording.Target, len(rows))
	for i, r := range rows {
		targets[i] = r.Target()
	}
	return targets, nil
}

// Get looks up a recording by ID or by an unambiguous ID prefix
func (c *Catalog) Get(ctx context.Context, id string) (recording.Target, error) {
	if id == "" {
		return recording.Target{}, ErrNotFound
	}

	var rows []Recording
	err := c.db.WithContext(ctx).
		Where("id = ? OR id LIKE ?", id, id+"%").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return recording.Target{}, fmt.Errorf("failed to look up recording %s: %w", id, err)
	}

	switch len(rows) {
	case 0:
		return recording.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return rows[0].Target(), nil
	}

	for _, r := range rows {
		if r.ID == id {
			return r.Target(), nil
		}
	}
	return recording.Target{}, fmt.Errorf("recording id %s is ambiguous", id)
}

// Latest returns the most recently finalized recording
func (c *Catalog) Latest(ctx context.Context) (recording.Target, error) {
	var row Recording
	err := c.db.WithContext(ctx).Order("finalized_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return recording.Target{}, ErrNotFound
	}
	if err != nil {
		return recording.Target{}, fmt.Errorf("failed to find latest recording: %w", err)
	}
	return row.Target(), nil
}

// Find resolves "latest" or an ID reference
func (c *Catalog) Find(ctx context.Context, ref string) (recording.Target, error) {
	if ref == "" || ref == "latest" {
		return c.Latest(ctx)
	}
	return c.Get(ctx, ref)
}

// Delete removes a catalog entry. The audio file is left alone.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	res := c.db.WithContext(ctx).Delete(&Recording{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete recording %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteByPath removes the entry for path and reports whether one existed
func (c *Catalog) DeleteByPath(ctx context.Context, path string) (bool, error) {
	res := c.db.WithContext(ctx).Delete(&Recording{}, "path = ?", path)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete recording %s: %w", path, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Sync prunes entries whose file is gone and catalogs audio files in dir
// that have no entry yet. It returns how many rows were removed and added.
func (c *Catalog) Sync(ctx context.Context, dir string) (removed, added int, err error) {
	var rows []Recording
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to read catalog: %w", err)
	}

	known := make(map[string]bool, len(rows))
	for _, r := range rows {
		if _, statErr := os.Stat(r.Path); errors.Is(statErr, os.ErrNotExist) {
			if _, err := c.DeleteByPath(ctx, r.Path); err != nil {
				return removed, added, err
			}
			removed++
			continue
		}
		known[r.Path] = true
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return removed, added, nil
	}
	if err != nil {
		return removed, added, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || known[path] || !IsRecordingFile(path) {
			continue
		}

		t, err := importFile(path)
		if err != nil {
			slog.Debug("Skipping file", "path", path, "error", err)
			continue
		}
		if err := c.Save(ctx, t); err != nil {
			return removed, added, err
		}
		added++
	}

	if removed > 0 || added > 0 {
		slog.Info("Catalog synchronized", "dir", dir, "removed", removed, "added", added)
	}
	return removed, added, nil
}

// IsRecordingFile reports whether path looks like a finished recording rather
// than a capture segment or some other file
func IsRecordingFile(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if _, ok := config.SupportedFormats[ext]; !ok {
		return false
	}
	return !strings.Contains(filepath.Base(path), ".part")
}

// importFile builds a target for an audio file found on disk, named after its
// title tag when it has one
func importFile(path string) (recording.Target, error) {
	info, err := os.Stat(path)
	if err != nil {
		return recording.Target{}, err
	}
	if info.Size() < 1024 {
		return recording.Target{}, fmt.Errorf("file too small (%d bytes)", info.Size())
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if f, err := os.Open(path); err == nil {
		if m, err := tag.ReadFrom(f); err == nil && m.Title() != "" {
			name = recording.CleanFileName(m.Title())
		}
		f.Close()
	}

	return recording.Target{
		ID:          uuid.New().String(),
		Name:        name,
		Path:        path,
		Format:      strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		CreatedAt:   info.ModTime(),
		FinalizedAt: info.ModTime(),
		Size:        info.Size(),
	}, nil
}

func ptr[T any](v T) *T { return &v }
