package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned for an intent the current state ignores.
	// The session is unchanged; callers may treat it as a no-op.
	ErrInvalidTransition = errors.New("invalid session transition")

	ErrClosed = errors.New("session controller closed")
)

// State is the recording session lifecycle
type State int32

const (
	Idle State = iota
	Recording
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "idle":
		*s = Idle
	case "recording":
		*s = Recording
	case "paused":
		*s = Paused
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Active reports whether a capture is open
func (s State) Active() bool {
	return s == Recording || s == Paused
}

// Button is the presentation of one control
type Button struct {
	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`
}

// Controls is what a control surface shows for a state
type Controls struct {
	Record Button `json:"record"`
	Pause  Button `json:"pause"`
	Resume Button `json:"resume"`
	Stop   Button `json:"stop"`
}

// ControlsFor projects a state onto the control buttons. At most one button
// is active.
func ControlsFor(s State) Controls {
	return Controls{
		Record: Button{Enabled: !s.Active(), Active: s == Recording},
		Pause:  Button{Enabled: s == Recording, Active: s == Paused},
		Resume: Button{Enabled: s == Paused},
		Stop:   Button{Enabled: s.Active(), Active: s == Stopped},
	}
}

// Angle is the progress arc position in degrees, one revolution per minute
func Angle(elapsed int64) int {
	return int((elapsed * 6) % 360)
}

// FormatElapsed renders seconds as H:MM:SS
func FormatElapsed(elapsed int64) string {
	if elapsed < 0 {
		elapsed = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", elapsed/3600, elapsed/60%60, elapsed%60)
}
