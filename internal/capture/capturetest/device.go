// Package capturetest provides a scriptable in-memory capture.Device
package capturetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/voicerec/internal/capture"
	"github.com/audiolibrelab/voicerec/internal/recording"
)

// Op names a Device method
type Op string

const (
	OpBegin    Op = "begin"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpFinalize Op = "finalize"
)

// FinalizedSize is the size reported for every finalized target
const FinalizedSize = 4096

// Device records calls and returns scripted errors. The zero value is ready
// to use.
type Device struct {
	// WriteFiles makes Finalize write a silent WAV file at the target path
	WriteFiles bool

	mu     sync.Mutex
	errs   map[Op]error
	calls  map[Op]int
	active *handle
	paused bool
}

type handle struct {
	target recording.Target
}

func (h *handle) Target() recording.Target { return h.target }

var _ capture.Device = (*Device)(nil)

// Fail makes every later call of op return err. A nil err clears it. A
// Pause failing with recording.ErrCaptureLost leaves the capture paused, as
// a real device does when its capture died.
func (d *Device) Fail(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs == nil {
		d.errs = make(map[Op]error)
	}
	d.errs[op] = err
}

// Calls returns how many times op was invoked, failed calls included
func (d *Device) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Active reports whether a capture is open
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// Paused reports whether the open capture is paused
func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil && d.paused
}

func (d *Device) Begin(ctx context.Context, target recording.Target) (capture.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpBegin); err != nil {
		return nil, err
	}
	if d.active != nil {
		return nil, recording.ErrResourceBusy
	}
	d.active = &handle{target: target}
	d.paused = false
	return d.active, nil
}

func (d *Device) Pause(ctx context.Context, h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpPause); err != nil {
		if errors.Is(err, recording.ErrCaptureLost) && d.active != nil {
			d.paused = true
		}
		return err
	}
	if err := d.own(h); err != nil {
		return err
	}
	d.paused = true
	return nil
}

func (d *Device) Resume(ctx context.Context, h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpResume); err != nil {
		return err
	}
	if err := d.own(h); err != nil {
		return err
	}
	d.paused = false
	return nil
}

func (d *Device) Finalize(ctx context.Context, h capture.Handle) (recording.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpFinalize); err != nil {
		return recording.Target{}, err
	}
	if err := d.own(h); err != nil {
		return recording.Target{}, err
	}

	target := d.active.target
	if d.WriteFiles {
		if err := WriteWAV(target.Path, FinalizedSize); err != nil {
			return recording.Target{}, fmt.Errorf("%w: %v", recording.ErrResource, err)
		}
	}
	target.FinalizedAt = time.Now()
	target.Size = FinalizedSize
	d.active = nil
	d.paused = false
	return target, nil
}

func (d *Device) enter(op Op) error {
	if d.calls == nil {
		d.calls = make(map[Op]int)
	}
	d.calls[op]++
	return d.errs[op]
}

func (d *Device) own(h capture.Handle) error {
	if h == nil || d.active == nil || h != capture.Handle(d.active) {
		return errors.Join(recording.ErrResource, errors.New("unknown capture handle"))
	}
	return nil
}

// WriteWAV writes a silent 16-bit mono PCM WAV file of size bytes
func WriteWAV(path string, size int) error {
	const headerSize = 44
	if size < headerSize {
		size = headerSize
	}
	data := uint32(size - headerSize)

	buf := make([]byte, size)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], 36+data)
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], 48000)
	binary.LittleEndian.PutUint32(buf[28:], 96000)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], data)
	return os.WriteFile(path, buf, 0644)
}
