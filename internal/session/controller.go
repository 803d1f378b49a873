// Package session implements the recording session controller: the
// Idle/Recording/Paused/Stopped state machine, the elapsed-time engine that
// follows it, and the event stream control surfaces render from.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/voicerec/internal/capture"
	"github.com/audiolibrelab/voicerec/internal/clock"
	"github.com/audiolibrelab/voicerec/internal/recording"
	"github.com/audiolibrelab/voicerec/internal/timer"
)

type EventKind string

const (
	EventTick  EventKind = "tick"
	EventState EventKind = "state"
	EventError EventKind = "error"
)

// Snapshot is everything a control surface needs to draw the session
type Snapshot struct {
	State    State             `json:"state"`
	Elapsed  int64             `json:"elapsed"`
	Angle    int               `json:"angle"`
	Controls Controls          `json:"controls"`
	Target   *recording.Target `json:"target,omitempty"`
}

type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Err      error
}

type Option func(*Controller)

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithTickInterval shortens the tick for tests
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithOutput sets where new targets are created and in which format
func WithOutput(dir, format string) Option {
	return func(c *Controller) {
		c.dir = dir
		c.format = format
	}
}

func WithBuffer(n int) Option {
	return func(c *Controller) { c.buffer = n }
}

// Controller owns one recording session at a time. Intents are serialized;
// the device call, the engine call and the state change of each transition
// happen under one lock.
type Controller struct {
	device   capture.Device
	clock    clock.Clock
	interval time.Duration
	dir      string
	format   string
	buffer   int

	engine *timer.Engine
	hub    *Hub

	mu     sync.Mutex
	handle capture.Handle
	closed bool

	state  atomic.Int32 // written under mu and the engine lock
	target atomic.Pointer[recording.Target]
	last   atomic.Pointer[recording.Target]
}

// New creates an idle controller. A nil device is allowed and makes Record
// fail with recording.ErrNotBound.
func New(device capture.Device, opts ...Option) *Controller {
	c := &Controller{
		device: device,
		clock:  clock.New(),
		dir:    ".",
		format: "flac",
	}
	for _, opt := range opts {
		opt(c)
	}

	var engineOpts []timer.Option
	if c.interval > 0 {
		engineOpts = append(engineOpts, timer.WithInterval(c.interval))
	}
	c.hub = NewHub(c.buffer)
	c.engine = timer.New(c.clock, c.publishReading, engineOpts...)
	return c
}

// State returns the current state. It is ordered with the engine readings,
// so a subscriber that has seen a state event never reads an older state.
func (c *Controller) State() State {
	var state State
	c.engine.Observe(func(int64) {
		state = c.current()
	})
	return state
}

func (c *Controller) current() State {
	return State(c.state.Load())
}

// Snapshot returns the current view of the session
func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.engine.Observe(func(elapsed int64) {
		snap = c.snapshotFor(c.current(), elapsed)
	})
	return snap
}

// Subscribe streams every tick, freeze, reset, state change and failure
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.hub.Subscribe()
}

// LastTarget returns the most recently finalized recording
func (c *Controller) LastTarget() (recording.Target, bool) {
	t := c.last.Load()
	if t == nil {
		return recording.Target{}, false
	}
	return *t, true
}

// Record opens a new capture and starts counting from zero
func (c *Controller) Record(ctx context.Context, name string) (recording.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return recording.Target{}, ErrClosed
	}

	state := c.current()
	if state.Active() {
		return recording.Target{}, c.ignore("record", state)
	}
	if c.device == nil {
		return recording.Target{}, c.fail("record", recording.ErrNotBound)
	}

	target := recording.NewTarget(c.dir, name, c.format, c.clock.Now())
	h, err := c.device.Begin(ctx, target)
	if err != nil {
		return recording.Target{}, c.fail("record", err)
	}

	c.handle = h
	c.target.Store(&target)
	c.engine.StartWith(c.enter(Recording))

	slog.Info("Recording started", "name", target.Name, "path", target.Path)
	return target, nil
}

// TogglePause pauses a recording session or resumes a paused one and returns
// the resulting state
func (c *Controller) TogglePause(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.current(), ErrClosed
	}

	switch state := c.current(); state {
	case Recording:
		if err := c.device.Pause(ctx, c.handle); err != nil {
			if !errors.Is(err, recording.ErrCaptureLost) {
				return state, c.fail("pause", err)
			}
			// nothing is being captured any more, so stop counting too
			c.engine.PauseWith(c.enter(Paused))
			return Paused, c.fail("pause", err)
		}
		c.engine.PauseWith(c.enter(Paused))
		slog.Info("Recording paused", "elapsed", c.engine.Elapsed())

	case Paused:
		if err := c.device.Resume(ctx, c.handle); err != nil {
			return state, c.fail("resume", err)
		}
		c.engine.ResumeWith(c.enter(Recording))
		slog.Info("Recording resumed", "elapsed", c.engine.Elapsed())

	default:
		return state, c.ignore("toggle pause", state)
	}

	return c.current(), nil
}

// Stop finalizes the capture and resets the counter. If finalizing fails the
// session is left as it was so Stop can be retried.
func (c *Controller) Stop(ctx context.Context) (recording.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return recording.Target{}, ErrClosed
	}
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) (recording.Target, error) {
	state := c.current()
	if !state.Active() {
		return recording.Target{}, c.ignore("stop", state)
	}

	final, err := c.device.Finalize(ctx, c.handle)
	if err != nil {
		return recording.Target{}, c.fail("stop", err)
	}

	c.handle = nil
	c.target.Store(&final)
	c.last.Store(&final)
	c.engine.ResetWith(c.enter(Stopped))

	slog.Info("Recording finalized", "name", final.Name, "path", final.Path, "size", final.Size)
	return final, nil
}

// Close stops an open session, finalizing it, and ends all subscriptions.
// If finalizing fails the controller stays open and Close can be retried.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if c.current().Active() {
		if _, err := c.stopLocked(ctx); err != nil {
			return err
		}
	}
	c.closed = true

	if c.engine.Running() {
		c.engine.Reset()
	}
	c.hub.Close()
	return nil
}

// enter returns the engine commit step that moves the session to the given
// state. It runs under the engine lock, before the reading is published.
func (c *Controller) enter(to State) func() {
	return func() {
		c.state.Store(int32(to))
	}
}

// ignore reports an intent that does not apply to the current state
func (c *Controller) ignore(op string, state State) error {
	slog.Debug("Ignoring session intent", "op", op, "state", state)
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, state)
}

// fail publishes an error event without changing state
func (c *Controller) fail(op string, err error) error {
	slog.Error("Session operation failed", "op", op, "state", c.current(), "error", err)

	c.engine.Observe(func(elapsed int64) {
		c.hub.Publish(Event{
			Kind:     EventError,
			Snapshot: c.snapshotFor(c.current(), elapsed),
			Err:      err,
		})
	})
	return fmt.Errorf("%s: %w", op, err)
}

// publishReading is the engine sink. It runs with the engine lock held.
func (c *Controller) publishReading(r timer.Reading) {
	kind, state := EventState, c.current()
	if r.Cause == timer.CauseTick {
		kind, state = EventTick, Recording
	}
	c.hub.Publish(Event{Kind: kind, Snapshot: c.snapshotFor(state, r.Elapsed)})
}

func (c *Controller) snapshotFor(state State, elapsed int64) Snapshot {
	return Snapshot{
		State:    state,
		Elapsed:  elapsed,
		Angle:    Angle(elapsed),
		Controls: ControlsFor(state),
		Target:   c.target.Load(),
	}
}
