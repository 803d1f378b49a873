package playback

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dhowden/tag"

	"github.com/audiolibrelab/voicerec/internal/recording"
)

// MinAudioSize is the smallest file accepted as finalized audio
const MinAudioSize = 1024

// Validate checks that target refers to finalized, recognizable audio
func Validate(target recording.Target) error {
	if !target.Finalized() {
		return fmt.Errorf("%w: %s is not finalized", recording.ErrResource, target.Name)
	}

	f, err := os.Open(target.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", recording.ErrResource, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", recording.ErrResource, err)
	}
	if info.Size() < MinAudioSize {
		return fmt.Errorf("%w: %s has no audio data (%d bytes)", recording.ErrResource, target.Path, info.Size())
	}

	if _, err := Probe(f); err != nil {
		return fmt.Errorf("%w: %s: %w", recording.ErrResource, target.Path, err)
	}
	return nil
}

// Probe identifies the container of an audio stream
func Probe(r io.ReadSeeker) (string, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", fmt.Errorf("failed to read header: %w", err)
	}
	if bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")) {
		return "wav", nil
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	_, fileType, err := tag.Identify(r)
	if err != nil {
		return "", fmt.Errorf("unrecognized audio container: %w", err)
	}

	switch fileType {
	case tag.FLAC:
		return "flac", nil
	case tag.MP3:
		return "mp3", nil
	case tag.OGG:
		return "ogg", nil
	case tag.M4A, tag.M4B, tag.M4P, tag.ALAC:
		return "m4a", nil
	case tag.UnknownFileType:
		return "", fmt.Errorf("unrecognized audio container")
	}
	return string(fileType), nil
}
