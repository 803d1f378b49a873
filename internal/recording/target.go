// Package recording holds the types shared by the capture, session and
// playback layers.
package recording

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrResource is a generic capture or playback failure
	ErrResource = errors.New("audio resource error")

	// ErrResourceBusy means the capture device is held by someone else
	ErrResourceBusy = errors.New("audio resource busy")

	// ErrNotBound means no capture device has been attached yet
	ErrNotBound = fmt.Errorf("%w: capture device not bound", ErrResource)

	// ErrCaptureLost means the capture ended on its own. The device is no
	// longer recording but what was captured before is kept.
	ErrCaptureLost = fmt.Errorf("%w: capture ended unexpectedly", ErrResource)
)

// Target identifies the file a session records into. It is created when a
// session starts and is immutable afterwards; Finalize returns a copy with
// the finalization fields filled in.
type Target struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Format      string        `json:"format"`
	CreatedAt   time.Time     `json:"created_at"`
	FinalizedAt time.Time     `json:"finalized_at,omitempty"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
}

// NewTarget allocates a target in dir. An empty name is derived from the
// creation time.
func NewTarget(dir, name, format string, now time.Time) Target {
	id := uuid.New().String()

	clean := CleanFileName(name)
	if clean == "" {
		clean = "recording_" + now.Format("20060102_150405")
	}

	return Target{
		ID:        id,
		Name:      clean,
		Path:      filepath.Join(dir, clean+"_"+id[:8]+"."+format),
		Format:    format,
		CreatedAt: now,
	}
}

// Finalized reports whether the capture device closed the file
func (t Target) Finalized() bool {
	return !t.FinalizedAt.IsZero()
}

// CleanFileName sanitizes a user-provided name.
// Allows: letters, numbers, spaces, hyphens, underscores
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}
