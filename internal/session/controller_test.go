package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicerec/internal/capture/capturetest"
	"github.com/audiolibrelab/voicerec/internal/clock"
	"github.com/audiolibrelab/voicerec/internal/recording"
	"github.com/audiolibrelab/voicerec/internal/timer"
)

type harness struct {
	ctrl   *Controller
	device *capturetest.Device
	clock  *clock.Manual
	events <-chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		device: &capturetest.Device{},
		clock:  clock.NewManual(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.ctrl = New(h.device, WithClock(h.clock), WithOutput(t.TempDir(), "wav"), WithBuffer(256))
	var cancel func()
	h.events, cancel = h.ctrl.Subscribe()
	t.Cleanup(func() {
		cancel()
		h.ctrl.Close(context.Background())
	})
	return h
}

// tick advances one interval and waits until the engine has counted it
func (h *harness) tick(t *testing.T) {
	t.Helper()
	want := h.ctrl.engine.Elapsed() + 1
	h.clock.Advance(timer.DefaultInterval)
	require.Eventually(t, func() bool { return h.ctrl.engine.Elapsed() == want },
		time.Second, time.Millisecond, "tick %d was not counted", want)
}

// idleTicks advances the clock while no tick should be counted
func (h *harness) idleTicks(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(timer.DefaultInterval)
	}
	time.Sleep(20 * time.Millisecond)
}

// drain returns the events published so far
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) toState(t *testing.T, s State) {
	t.Helper()
	ctx := context.Background()
	switch s {
	case Idle:
	case Recording:
		_, err := h.ctrl.Record(ctx, "take")
		require.NoError(t, err)
	case Paused:
		h.toState(t, Recording)
		_, err := h.ctrl.TogglePause(ctx)
		require.NoError(t, err)
	case Stopped:
		h.toState(t, Recording)
		_, err := h.ctrl.Stop(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, s, h.ctrl.State())
	h.drain()
}

func TestTransitionTable(t *testing.T) {
	type intent func(*Controller) error
	record := func(c *Controller) error { _, err := c.Record(context.Background(), "x"); return err }
	toggle := func(c *Controller) error { _, err := c.TogglePause(context.Background()); return err }
	stop := func(c *Controller) error { _, err := c.Stop(context.Background()); return err }

	tests := []struct {
		name   string
		from   State
		intent intent
		to     State
		noop   bool
	}{
		{"record from idle", Idle, record, Recording, false},
		{"record from stopped", Stopped, record, Recording, false},
		{"record while recording", Recording, record, Recording, true},
		{"record while paused", Paused, record, Paused, true},
		{"pause recording", Recording, toggle, Paused, false},
		{"resume paused", Paused, toggle, Recording, false},
		{"toggle idle", Idle, toggle, Idle, true},
		{"toggle stopped", Stopped, toggle, Stopped, true},
		{"stop recording", Recording, stop, Stopped, false},
		{"stop paused", Paused, stop, Stopped, false},
		{"stop idle", Idle, stop, Idle, true},
		{"stop stopped", Stopped, stop, Stopped, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.toState(t, tt.from)
			before := h.ctrl.Snapshot()

			err := tt.intent(h.ctrl)
			if tt.noop {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, before, h.ctrl.Snapshot(), "no-op must not change the session")
				assert.Empty(t, h.drain(), "no-op must not publish")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.to, h.ctrl.State())
			assert.Equal(t, tt.to == Recording, h.ctrl.engine.Running())
		})
	}
}

func TestRecordTwiceKeepsOneTicker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Record(ctx, "take")
	require.NoError(t, err)
	_, err = h.ctrl.Record(ctx, "take")
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 1, h.ctrl.engine.ActiveTicks())
	assert.Equal(t, 1, h.ctrl.engine.Spawned())
	assert.Equal(t, 1, h.device.Calls(capturetest.OpBegin))
	assert.Equal(t, 1, h.clock.Tickers())
}

func TestPauseFreezesAndResumeContinues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toState(t, Recording)

	h.tick(t)
	h.tick(t)
	_, err := h.ctrl.TogglePause(ctx)
	require.NoError(t, err)

	h.idleTicks(2)
	assert.Equal(t, int64(2), h.ctrl.Snapshot().Elapsed)
	assert.Equal(t, 0, h.ctrl.engine.ActiveTicks())

	_, err = h.ctrl.TogglePause(ctx)
	require.NoError(t, err)
	h.tick(t)
	assert.Equal(t, int64(3), h.ctrl.Snapshot().Elapsed)
	assert.Equal(t, 2, h.ctrl.engine.Spawned(), "resume builds a fresh ticker")
}

func TestRecordPauseResumeStopScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Record(ctx, "scenario")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.tick(t)
	}
	assert.Equal(t, int64(3), h.ctrl.Snapshot().Elapsed)

	state, err := h.ctrl.TogglePause(ctx)
	require.NoError(t, err)
	assert.Equal(t, Paused, state)
	h.idleTicks(2)
	assert.Equal(t, int64(3), h.ctrl.Snapshot().Elapsed)

	state, err = h.ctrl.TogglePause(ctx)
	require.NoError(t, err)
	assert.Equal(t, Recording, state)
	h.tick(t)
	h.tick(t)
	assert.Equal(t, int64(5), h.ctrl.Snapshot().Elapsed)

	final, err := h.ctrl.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, final.Finalized())

	snap := h.ctrl.Snapshot()
	assert.Equal(t, int64(0), snap.Elapsed)
	assert.Equal(t, Stopped, snap.State)
	require.NotNil(t, snap.Target)
	assert.Equal(t, final, *snap.Target)

	last, ok := h.ctrl.LastTarget()
	require.True(t, ok)
	assert.Equal(t, final.ID, last.ID)
}

func TestStopTwiceEqualsStopOnce(t *testing.T) {
	for _, from := range []State{Recording, Paused} {
		t.Run(from.String(), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.toState(t, Recording)
			h.tick(t)
			if from == Paused {
				_, err := h.ctrl.TogglePause(ctx)
				require.NoError(t, err)
			}

			first, err := h.ctrl.Stop(ctx)
			require.NoError(t, err)
			once := h.ctrl.Snapshot()
			assert.Equal(t, Stopped, once.State)
			assert.Equal(t, int64(0), once.Elapsed)

			_, err = h.ctrl.Stop(ctx)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, once, h.ctrl.Snapshot())
			assert.Equal(t, 1, h.device.Calls(capturetest.OpFinalize))

			last, _ := h.ctrl.LastTarget()
			assert.Equal(t, first.ID, last.ID)
		})
	}
}

func TestBeginBusyLeavesIdle(t *testing.T) {
	h := newHarness(t)
	h.device.Fail(capturetest.OpBegin, recording.ErrResourceBusy)

	_, err := h.ctrl.Record(context.Background(), "take")
	require.ErrorIs(t, err, recording.ErrResourceBusy)

	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 0, h.ctrl.engine.Spawned(), "no tick may start")
	assert.Equal(t, 0, h.clock.Tickers())

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, recording.ErrResourceBusy)
	assert.Equal(t, Idle, events[0].Snapshot.State)

	h.idleTicks(2)
	assert.Equal(t, int64(0), h.ctrl.Snapshot().Elapsed)
}

func TestUnboundDevice(t *testing.T) {
	ctrl := New(nil, WithClock(clock.NewManual(time.Now())))
	defer ctrl.Close(context.Background())

	_, err := ctrl.Record(context.Background(), "take")
	assert.ErrorIs(t, err, recording.ErrNotBound)
	assert.ErrorIs(t, err, recording.ErrResource)
	assert.Equal(t, Idle, ctrl.State())
}

func TestPauseFailureKeepsRecording(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Recording)
	h.device.Fail(capturetest.OpPause, recording.ErrResource)

	state, err := h.ctrl.TogglePause(context.Background())
	require.ErrorIs(t, err, recording.ErrResource)
	assert.Equal(t, Recording, state)
	assert.Equal(t, Recording, h.ctrl.State())

	h.tick(t)
	assert.Equal(t, int64(1), h.ctrl.Snapshot().Elapsed, "engine untouched by a failed pause")
}

func TestCaptureLostOnPauseMovesToPaused(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Recording)
	h.tick(t)
	h.drain()
	h.device.Fail(capturetest.OpPause, fmt.Errorf("%w: exit status 1", recording.ErrCaptureLost))

	state, err := h.ctrl.TogglePause(context.Background())
	require.ErrorIs(t, err, recording.ErrCaptureLost)
	assert.Equal(t, Paused, state)
	assert.Equal(t, Paused, h.ctrl.State())
	assert.True(t, h.device.Paused())
	assert.False(t, h.ctrl.engine.Running(), "nothing is captured, so nothing is counted")

	h.idleTicks(3)
	assert.Equal(t, int64(1), h.ctrl.Snapshot().Elapsed)

	events := h.drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventState, events[0].Kind)
	assert.Equal(t, Paused, events[0].Snapshot.State)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, Paused, events[1].Snapshot.State)

	h.device.Fail(capturetest.OpPause, nil)
	state, err = h.ctrl.TogglePause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Recording, state, "the next toggle resumes")
	h.tick(t)
	assert.Equal(t, int64(2), h.ctrl.Snapshot().Elapsed)
}

func TestResumeFailureStaysPaused(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Recording)
	h.tick(t)
	_, err := h.ctrl.TogglePause(context.Background())
	require.NoError(t, err)
	h.drain()

	h.device.Fail(capturetest.OpResume, recording.ErrResource)
	state, err := h.ctrl.TogglePause(context.Background())
	require.ErrorIs(t, err, recording.ErrResource)
	assert.Equal(t, Paused, state)
	assert.Equal(t, Paused, h.ctrl.State())
	assert.False(t, h.ctrl.engine.Running())

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Snapshot.Elapsed)

	h.device.Fail(capturetest.OpResume, nil)
	state, err = h.ctrl.TogglePause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Recording, state)
}

func TestStopFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Recording)
	h.tick(t)
	h.device.Fail(capturetest.OpFinalize, recording.ErrResource)

	_, err := h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, recording.ErrResource)
	assert.Equal(t, Recording, h.ctrl.State())
	assert.True(t, h.ctrl.engine.Running(), "recording keeps ticking after a failed stop")
	h.tick(t)
	assert.Equal(t, int64(2), h.ctrl.Snapshot().Elapsed)

	h.device.Fail(capturetest.OpFinalize, nil)
	_, err = h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stopped, h.ctrl.State())
	assert.Equal(t, int64(0), h.ctrl.Snapshot().Elapsed)
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Record(ctx, "take")
	require.NoError(t, err)
	h.tick(t)
	_, err = h.ctrl.TogglePause(ctx)
	require.NoError(t, err)
	h.idleTicks(2)
	_, err = h.ctrl.Stop(ctx)
	require.NoError(t, err)

	events := h.drain()
	require.Len(t, events, 4)

	assert.Equal(t, EventState, events[0].Kind)
	assert.Equal(t, Recording, events[0].Snapshot.State)
	assert.Equal(t, int64(0), events[0].Snapshot.Elapsed)
	assert.True(t, events[0].Snapshot.Controls.Record.Active)

	assert.Equal(t, EventTick, events[1].Kind)
	assert.Equal(t, int64(1), events[1].Snapshot.Elapsed)
	assert.Equal(t, 6, events[1].Snapshot.Angle)

	assert.Equal(t, EventState, events[2].Kind)
	assert.Equal(t, Paused, events[2].Snapshot.State)
	assert.Equal(t, int64(1), events[2].Snapshot.Elapsed)
	assert.True(t, events[2].Snapshot.Controls.Pause.Active)

	assert.Equal(t, EventState, events[3].Kind)
	assert.Equal(t, Stopped, events[3].Snapshot.State)
	assert.Equal(t, int64(0), events[3].Snapshot.Elapsed)
	require.NotNil(t, events[3].Snapshot.Target)
	assert.True(t, events[3].Snapshot.Target.Finalized())
}

func TestNoTickAfterPauseWithRealClock(t *testing.T) {
	device := &capturetest.Device{}
	ctrl := New(device, WithTickInterval(time.Millisecond), WithOutput(t.TempDir(), "wav"), WithBuffer(4096))
	defer ctrl.Close(context.Background())
	events, cancel := ctrl.Subscribe()
	defer cancel()
	ctx := context.Background()

	_, err := ctrl.Record(ctx, "stress")
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		time.Sleep(3 * time.Millisecond)
		_, err := ctrl.TogglePause(ctx)
		require.NoError(t, err)
		frozen := ctrl.Snapshot().Elapsed

		time.Sleep(3 * time.Millisecond)
		var last Event
	drain:
		for {
			select {
			case ev := <-events:
				last = ev
			default:
				break drain
			}
		}
		require.Equal(t, Paused, last.Snapshot.State, "round %d: last event must be the freeze", round)
		require.Equal(t, frozen, last.Snapshot.Elapsed)
		require.Equal(t, frozen, ctrl.Snapshot().Elapsed)

		_, err = ctrl.TogglePause(ctx)
		require.NoError(t, err)
	}
}

func TestStateAgreesWithStateEvents(t *testing.T) {
	device := &capturetest.Device{}
	ctrl := New(device, WithTickInterval(time.Millisecond), WithOutput(t.TempDir(), "wav"), WithBuffer(4096))
	defer ctrl.Close(context.Background())
	events, cancel := ctrl.Subscribe()
	defer cancel()
	ctx := context.Background()

	var mismatches atomic.Int32
	seen := make(chan State, 4096)
	go func() {
		for ev := range events {
			if ev.Kind != EventState {
				continue
			}
			if got := ctrl.State(); got != ev.Snapshot.State {
				mismatches.Add(1)
			}
			seen <- ev.Snapshot.State
		}
	}()
	await := func(want State) {
		t.Helper()
		for {
			select {
			case s := <-seen:
				if s == want {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("no %s event", want)
			}
		}
	}

	_, err := ctrl.Record(ctx, "toggle")
	require.NoError(t, err)
	await(Recording)

	for i := 0; i < 1000; i++ {
		state, err := ctrl.TogglePause(ctx)
		require.NoError(t, err)
		await(state)
	}

	_, err = ctrl.Stop(ctx)
	require.NoError(t, err)
	await(Stopped)
	assert.Zero(t, mismatches.Load(), "State() lagged behind a published state event")
}

func TestCloseRetriesAfterFinalizeFailure(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Recording)
	h.device.Fail(capturetest.OpFinalize, recording.ErrResource)

	err := h.ctrl.Close(context.Background())
	require.ErrorIs(t, err, recording.ErrResource)
	assert.Equal(t, Recording, h.ctrl.State())
	assert.True(t, h.device.Active())

	h.device.Fail(capturetest.OpFinalize, nil)
	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, Stopped, h.ctrl.State())
	assert.Equal(t, 2, h.device.Calls(capturetest.OpFinalize))
	assert.False(t, h.device.Active())

	last, ok := h.ctrl.LastTarget()
	require.True(t, ok)
	assert.True(t, last.Finalized())

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, 2, h.device.Calls(capturetest.OpFinalize), "closing again is a no-op")
}

func TestCloseFinalizesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.toState(t, Paused)

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, Stopped, h.ctrl.State())
	assert.Equal(t, 1, h.device.Calls(capturetest.OpFinalize))
	assert.False(t, h.device.Active())

	_, err := h.ctrl.Record(context.Background(), "late")
	assert.True(t, errors.Is(err, ErrClosed))

	// the subscription channel is closed
	for range h.events {
	}
}
