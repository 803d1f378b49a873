// Package capture owns the audio input. A Device turns a recording.Target into
// a finalized audio file; the session controller drives it and never touches
// the underlying process directly.
package capture

import (
	"context"

	"github.com/audiolibrelab/voicerec/internal/recording"
)

// Handle is an open capture on a Device. It is only valid for the device that
// returned it and only until Finalize.
type Handle interface {
	Target() recording.Target
}

// Device is the capture resource used by a recording session
type Device interface {
	// Begin acquires the input and starts writing to target.
	// A device held elsewhere fails with recording.ErrResourceBusy.
	Begin(ctx context.Context, target recording.Target) (Handle, error)

	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error

	// Finalize releases the input and returns the target with its size,
	// duration and finalization time filled in
	Finalize(ctx context.Context, h Handle) (recording.Target, error)
}
