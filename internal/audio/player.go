// Package audio owns the long-lived narration and ambience output channels:
// source replacement, transport control, volume fades and the mixing policy
// between narration and background ambience.
package audio

import (
	"errors"
	"time"
)

// Errors a Player may return while a handle is being torn down. Channel
// swallows exactly these two; anything else is a real failure and is
// returned to the caller.
var (
	// ErrSourceNotFound reports that the requested source could not be
	// resolved, or that a stale handle no longer knows its source.
	ErrSourceNotFound = errors.New("audio: source not found")
	// ErrReleased reports a call into a handle that was already released.
	ErrReleased = errors.New("audio: player released")
)

// Status is the transport state of a Player.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Player is a single audio output handle.
//
// Implementations must be safe for concurrent use. Once Release has been
// called every method returns ErrReleased.
type Player interface {
	Load(source string) error
	Seek(pos time.Duration) error
	Play() error
	Pause() error
	SetVolume(v float64) error
	Volume() float64
	Status() Status
	Release() error
}

// PlayerFactory creates a fresh output handle. loop requests that the
// handle restart its source when it reaches the end.
type PlayerFactory func(loop bool) Player

// Clip describes a resolved audio source.
type Clip struct {
	Source   string
	Path     string
	Duration time.Duration // zero when unknown; such clips never finish
}

// Resolver maps a source name to a playable clip.
type Resolver interface {
	Resolve(source string) (Clip, error)
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
