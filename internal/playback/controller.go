// Package playback plays finalized recordings through a platform player and
// tracks the single open playback session.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/voicerec/internal/recording"
)

// Session is an open playback. ID is only meaningful while it is open.
type Session struct {
	ID     int              `json:"id"`
	Target recording.Target `json:"target"`
}

// Stream is a playback resource returned by a Player
type Stream interface {
	// ID is the platform identifier of the playback, used by visualizers
	ID() int
	// Done is closed when playback ends on its own or after Close
	Done() <-chan struct{}
	Close() error
}

// Player opens audio files for playback
type Player interface {
	Open(ctx context.Context, target recording.Target) (Stream, error)
}

type Option func(*Controller)

// WithOnFinished registers fn to run when playback reaches the end by itself
func WithOnFinished(fn func(Session)) Option {
	return func(c *Controller) { c.onFinished = fn }
}

type Controller struct {
	player     Player
	onFinished func(Session)

	mu      sync.Mutex
	current *openSession
}

type openSession struct {
	session Session
	stream  Stream
}

func New(player Player, opts ...Option) *Controller {
	c := &Controller{player: player}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Play opens target for playback. A session that is already open is stopped
// first. Targets without finalized audio fail with recording.ErrResource.
func (c *Controller) Play(ctx context.Context, target recording.Target) (Session, error) {
	if err := Validate(target); err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		prev := c.current.session.ID
		if err := c.closeLocked(); err != nil {
			slog.Warn("Failed to stop previous playback", "id", prev, "error", err)
		}
	}
	if c.player == nil {
		return Session{}, fmt.Errorf("%w: no player available", recording.ErrResource)
	}

	stream, err := c.player.Open(ctx, target)
	if err != nil {
		return Session{}, fmt.Errorf("failed to open playback: %w", err)
	}

	o := &openSession{
		session: Session{ID: stream.ID(), Target: target},
		stream:  stream,
	}
	c.current = o
	go c.watch(o)

	slog.Info("Playback started", "id", o.session.ID, "path", target.Path)
	return o.session, nil
}

// Stop releases the open session. Calling it with nothing open is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil
	}
	return c.closeLocked()
}

// Current returns the open session, if any
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Session{}, false
	}
	return c.current.session, true
}

func (c *Controller) closeLocked() error {
	o := c.current
	c.current = nil

	slog.Info("Playback stopped", "id", o.session.ID)
	if err := o.stream.Close(); err != nil {
		return fmt.Errorf("%w: failed to release player: %w", recording.ErrResource, err)
	}
	return nil
}

// watch clears the session when its stream ends without a Stop
func (c *Controller) watch(o *openSession) {
	<-o.stream.Done()

	c.mu.Lock()
	finished := c.current == o
	if finished {
		c.current = nil
	}
	c.mu.Unlock()

	if finished {
		slog.Info("Playback finished", "id", o.session.ID)
		if c.onFinished != nil {
			c.onFinished(o.session)
		}
	}
}
