// Package timer turns a clock source into the elapsed-seconds counter shown
// while a recording is running.
//
// The counter moves by exactly one per tick, never by measured wall time, so
// the displayed value is reproducible. Every publication happens under the
// engine lock: a tick racing with Pause or Reset is either published before
// the freeze or dropped, never after it.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/voicerec/internal/clock"
)

// DefaultInterval is the length of one tick
const DefaultInterval = time.Second

// Cause tells a sink why a reading was published
type Cause int

const (
	CauseTick Cause = iota
	CauseStart
	CauseResume
	CausePause
	CauseReset
)

func (c Cause) String() string {
	switch c {
	case CauseTick:
		return "tick"
	case CauseStart:
		return "start"
	case CauseResume:
		return "resume"
	case CausePause:
		return "pause"
	case CauseReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Reading is one published counter value
type Reading struct {
	Elapsed int64
	Cause   Cause
}

// Sink receives readings. It is called with the engine lock held and must not
// call back into the engine or block.
type Sink func(Reading)

// Option configures an Engine
type Option func(*Engine)

// WithInterval overrides the tick length
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// handle is one running tick goroutine. It is consumed by cancel and never
// restarted; Resume always builds a new one.
type handle struct {
	ticker clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// Engine is the elapsed-seconds counter
type Engine struct {
	clock    clock.Clock
	interval time.Duration
	sink     Sink

	mu      sync.Mutex
	elapsed int64
	live    *handle
	spawned int
}

// New creates a stopped engine at zero
func New(clk clock.Clock, sink Sink, opts ...Option) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = func(Reading) {}
	}

	e := &Engine{
		clock:    clk,
		interval: DefaultInterval,
		sink:     sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins ticking. It does nothing if a tick goroutine is already live
// and reports whether a new one was spawned.
func (e *Engine) Start() bool {
	return e.begin(CauseStart, nil)
}

// Resume continues ticking from the frozen value
func (e *Engine) Resume() bool {
	return e.begin(CauseResume, nil)
}

// Pause stops ticking and publishes the frozen value. When it returns the
// tick goroutine has exited.
func (e *Engine) Pause() {
	e.PauseWith(nil)
}

// Reset stops ticking and sets the counter back to zero
func (e *Engine) Reset() {
	e.ResetWith(nil)
}

// StartWith is Start with commit run under the engine lock once the tick
// goroutine is live and before the reading is published. Observers ordered
// by the engine lock never see one without the other.
func (e *Engine) StartWith(commit func()) bool {
	return e.begin(CauseStart, commit)
}

// ResumeWith is Resume with a commit step, see StartWith
func (e *Engine) ResumeWith(commit func()) bool {
	return e.begin(CauseResume, commit)
}

// PauseWith is Pause with commit run under the engine lock after the tick
// goroutine is cancelled and before the frozen value is published
func (e *Engine) PauseWith(commit func()) {
	e.mu.Lock()
	h := e.cancelLocked()
	apply(commit)
	if h != nil {
		slog.Debug("Tick engine paused", "elapsed", e.elapsed)
		e.sink(Reading{Elapsed: e.elapsed, Cause: CausePause})
	}
	e.mu.Unlock()

	wait(h)
}

// ResetWith is Reset with a commit step, see PauseWith
func (e *Engine) ResetWith(commit func()) {
	e.mu.Lock()
	h := e.cancelLocked()
	e.elapsed = 0
	apply(commit)
	slog.Debug("Tick engine reset")
	e.sink(Reading{Elapsed: 0, Cause: CauseReset})
	e.mu.Unlock()

	wait(h)
}

func (e *Engine) begin(cause Cause, commit func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.live != nil {
		apply(commit)
		return false
	}

	h := &handle{
		ticker: e.clock.NewTicker(e.interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.live = h
	e.spawned++
	go e.run(h)

	apply(commit)
	slog.Debug("Tick engine started", "cause", cause, "elapsed", e.elapsed)
	e.sink(Reading{Elapsed: e.elapsed, Cause: cause})
	return true
}

// Observe runs fn with the current value, ordered with respect to every
// published reading
func (e *Engine) Observe(fn func(elapsed int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.elapsed)
}

// Elapsed returns the current counter value
func (e *Engine) Elapsed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsed
}

// Running reports whether a tick goroutine is live
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live != nil
}

// ActiveTicks returns the number of live tick goroutines, 0 or 1
func (e *Engine) ActiveTicks() int {
	if e.Running() {
		return 1
	}
	return 0
}

// Spawned returns how many tick goroutines were ever started
func (e *Engine) Spawned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawned
}

func (e *Engine) cancelLocked() *handle {
	h := e.live
	if h == nil {
		return nil
	}
	e.live = nil
	close(h.stop)
	return h
}

func apply(commit func()) {
	if commit != nil {
		commit()
	}
}

func wait(h *handle) {
	if h != nil {
		<-h.done
	}
}

func (e *Engine) run(h *handle) {
	defer close(h.done)
	defer h.ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-h.ticker.C():
			e.mu.Lock()
			if e.live != h {
				// cancelled while this tick was waiting for the lock
				e.mu.Unlock()
				return
			}
			e.elapsed++
			e.sink(Reading{Elapsed: e.elapsed, Cause: CauseTick})
			e.mu.Unlock()
		}
	}
}
