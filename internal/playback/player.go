package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/voicerec/internal/recording"
)

// DefaultPlayers is the preference order used when none is configured
var DefaultPlayers = []string{"vlc", "mpv", "ffplay", "aplay"}

// ExecPlayer plays files through the first installed command line player.
// Session IDs are player process IDs.
type ExecPlayer struct {
	players  []string
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd
}

func NewExecPlayer(players []string) *ExecPlayer {
	if len(players) == 0 {
		players = DefaultPlayers
	}
	return &ExecPlayer{
		players:  players,
		lookPath: exec.LookPath,
		command:  exec.Command,
	}
}

func (p *ExecPlayer) Open(ctx context.Context, target recording.Target) (Stream, error) {
	player, err := p.findAudioPlayer(target.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: no suitable audio player found: %w", recording.ErrResource, err)
	}

	cmd := p.command(player, playerArgs(player, target.Path)...)
	slog.Debug("Starting player", "command", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %w", recording.ErrResource, player, err)
	}

	proc := &playerProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		if proc.err != nil {
			slog.Debug("Player exited", "player", player, "error", proc.err)
		}
		close(proc.done)
	}()
	return proc, nil
}

func playerArgs(player, path string) []string {
	switch player {
	case "vlc", "cvlc":
		return []string{"--play-and-exit", "--intf", "dummy", path}
	case "mpv":
		return []string{"--no-video", path}
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", path}
	}
	return []string{path}
}

// findAudioPlayer returns the first installed player able to play format.
// aplay only handles WAV.
func (p *ExecPlayer) findAudioPlayer(format string) (string, error) {
	for _, player := range p.players {
		if player == "aplay" && format != "wav" {
			continue
		}
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found for %s (tried: %s)", format, strings.Join(p.players, ", "))
}

type playerProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *playerProcess) ID() int               { return p.cmd.Process.Pid }
func (p *playerProcess) Done() <-chan struct{} { return p.done }

// Close kills the player and waits for it to exit
func (p *playerProcess) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return err
		}
	}
	<-p.done
	return nil
}
