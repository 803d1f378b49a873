package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/voicerec/internal/capture"
	"github.com/audiolibrelab/voicerec/internal/clock"
	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/playback"
	"github.com/audiolibrelab/voicerec/internal/recording"
	"github.com/audiolibrelab/voicerec/internal/session"
)

// Service is what control surfaces talk to: the intents of the recorder
// plus the recordings catalog
type Service interface {
	// Intents
	OnRecord(ctx context.Context, name string) (recording.Target, error)
	OnTogglePause(ctx context.Context) (session.State, error)
	OnStop(ctx context.Context) (recording.Target, error)
	OnPlay(ctx context.Context, ref string) (playback.Session, error)
	OnStopPlayback() error

	// Session view
	Subscribe() (<-chan session.Event, func())
	Snapshot() session.Snapshot
	Playback() (playback.Session, bool)

	// Catalog
	Recordings(ctx context.Context) ([]recording.Target, error)
	Recording(ctx context.Context, ref string) (recording.Target, error)
	Sync(ctx context.Context) (removed, added int, err error)

	GetConfig() *config.Config
	GetLastError() string
	Close(ctx context.Context) error
}

// Deps are the resources a service drives. Catalog may be nil.
type Deps struct {
	Device  capture.Device
	Player  playback.Player
	Catalog *library.Catalog
	Clock   clock.Clock
}

// VoiceRecService is the main service implementation
type VoiceRecService struct {
	cfg     *config.Config
	deps    Deps
	session *session.Controller
	player  *playback.Controller

	// intentMu serializes the intents that look at one of session and player
	// and act on the other
	intentMu sync.Mutex

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// Open builds a service on the real ffmpeg device, external player and
// SQLite catalog
func Open(cfg *config.Config) (*VoiceRecService, error) {
	catalog, err := library.Open(cfg.Library.Database)
	if err != nil {
		return nil, err
	}

	return New(cfg, Deps{
		Device:  capture.NewFFmpegDevice(cfg),
		Player:  playback.NewExecPlayer(cfg.Playback.Players),
		Catalog: catalog,
	}), nil
}

// New creates a service over deps
func New(cfg *config.Config, deps Deps) *VoiceRecService {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	s := &VoiceRecService{cfg: cfg, deps: deps}
	s.session = session.New(deps.Device,
		session.WithClock(deps.Clock),
		session.WithOutput(cfg.Output.Directory, cfg.Output.Format),
	)
	s.player = playback.New(deps.Player, playback.WithOnFinished(func(ps playback.Session) {
		slog.Debug("Playback reached the end", "id", ps.ID, "name", ps.Target.Name)
	}))
	return s
}

// OnRecord starts a new session. Playback is stopped first since recording
// and playback never overlap.
func (s *VoiceRecService) OnRecord(ctx context.Context, name string) (recording.Target, error) {
	slog.Debug("Service.OnRecord called", "name", name)

	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	if s.session.State().Active() {
		// let the controller report the ignored intent
		return s.session.Record(ctx, name)
	}
	if err := s.player.Stop(); err != nil {
		slog.Error("Failed to stop playback before recording", "error", err)
	}

	target, err := s.session.Record(ctx, name)
	s.track("Failed to start recording", err)
	return target, err
}

func (s *VoiceRecService) OnTogglePause(ctx context.Context) (session.State, error) {
	state, err := s.session.TogglePause(ctx)
	s.track("Failed to toggle pause", err)
	return state, err
}

// OnStop finalizes the session and adds the recording to the catalog.
// A catalog failure is reported through GetLastError only; the file exists.
func (s *VoiceRecService) OnStop(ctx context.Context) (recording.Target, error) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	final, err := s.session.Stop(ctx)
	s.track("Failed to stop recording", err)
	if err != nil {
		return final, err
	}

	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.Save(ctx, final); err != nil {
			s.setLastError(fmt.Sprintf("Recording saved but not catalogued: %v", err))
		}
	}
	return final, nil
}

// OnPlay plays the recording named by ref: an ID, an ID prefix or "latest"
func (s *VoiceRecService) OnPlay(ctx context.Context, ref string) (playback.Session, error) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	if state := s.session.State(); state.Active() {
		return playback.Session{}, fmt.Errorf("%w: cannot play while %s", session.ErrInvalidTransition, state)
	}

	target, err := s.Recording(ctx, ref)
	if err != nil {
		s.track("Failed to find recording", err)
		return playback.Session{}, err
	}

	ps, err := s.player.Play(ctx, target)
	s.track("Failed to start playback", err)
	return ps, err
}

func (s *VoiceRecService) OnStopPlayback() error {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	err := s.player.Stop()
	s.track("Failed to stop playback", err)
	return err
}

func (s *VoiceRecService) Subscribe() (<-chan session.Event, func()) {
	return s.session.Subscribe()
}

func (s *VoiceRecService) Snapshot() session.Snapshot {
	return s.session.Snapshot()
}

func (s *VoiceRecService) Playback() (playback.Session, bool) {
	return s.player.Current()
}

func (s *VoiceRecService) Recordings(ctx context.Context) ([]recording.Target, error) {
	if s.deps.Catalog == nil {
		if last, ok := s.session.LastTarget(); ok {
			return []recording.Target{last}, nil
		}
		return nil, nil
	}
	return s.deps.Catalog.List(ctx)
}

// Recording resolves ref against the catalog, falling back to the last
// recording of this process when there is no catalog
func (s *VoiceRecService) Recording(ctx context.Context, ref string) (recording.Target, error) {
	if s.deps.Catalog != nil {
		return s.deps.Catalog.Find(ctx, ref)
	}

	last, ok := s.session.LastTarget()
	if !ok || (ref != "" && ref != "latest" && ref != last.ID) {
		return recording.Target{}, fmt.Errorf("%w: %s", library.ErrNotFound, ref)
	}
	return last, nil
}

func (s *VoiceRecService) Sync(ctx context.Context) (int, int, error) {
	if s.deps.Catalog == nil {
		return 0, 0, nil
	}
	return s.deps.Catalog.Sync(ctx, s.cfg.Output.Directory)
}

// GetConfig returns the current configuration
func (s *VoiceRecService) GetConfig() *config.Config {
	return s.cfg
}

// Catalog returns the recordings catalog, nil when running without one
func (s *VoiceRecService) Catalog() *library.Catalog {
	return s.deps.Catalog
}

// Close finalizes an open session and releases every resource
func (s *VoiceRecService) Close(ctx context.Context) error {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	var errs []error

	if err := s.player.Stop(); err != nil {
		errs = append(errs, err)
	}

	active := s.session.State().Active()
	if active {
		slog.Info("Finalizing open recording before exit")
	}
	if err := s.session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize recording: %w", err))
	} else if last, ok := s.session.LastTarget(); ok && active && s.deps.Catalog != nil {
		if err := s.deps.Catalog.Save(ctx, last); err != nil {
			errs = append(errs, err)
		}
	}

	if closer, ok := s.deps.Device.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// track records err as the last error. Ignored intents are not errors.
func (s *VoiceRecService) track(msg string, err error) {
	switch {
	case err == nil:
		s.clearLastError()
	case errors.Is(err, session.ErrInvalidTransition):
		slog.Debug(msg, "reason", err)
	default:
		s.setLastError(fmt.Sprintf("%s: %v", msg, err))
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *VoiceRecService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *VoiceRecService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *VoiceRecService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders a recording length as H:MM:SS
func FormatDuration(d time.Duration) string {
	return session.FormatElapsed(int64(d / time.Second))
}
