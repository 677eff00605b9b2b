// Package mask plays short pre-recorded "thinking" clips while a voice
// session connects, ducking the ambience bed underneath them.
package mask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/routing"
)

var ErrUnknownMask = errors.New("mask: no clip configured")

// State of the mask channel.
type State string

const (
	StateIdle     State = "idle"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
	StateStopped  State = "stopped"
)

// Selection identifies the clip being played.
type Selection struct {
	PersonaID string `json:"persona_id"`
	MaskType  string `json:"mask_type"`
}

// Ambience is the part of the ambience channel the scheduler ducks.
type Ambience interface {
	Playing() bool
	Volume() float64
	FadeTo(target float64, d time.Duration)
}

// Catalog resolves a persona's mask clip.
type Catalog interface {
	MaskSource(personaID, maskType string) (string, bool)
}

// PersonaCatalog serves mask clips from persona config.
type PersonaCatalog []config.PersonaConfig

func (c PersonaCatalog) MaskSource(personaID, maskType string) (string, bool) {
	for _, p := range c {
		if p.ID != personaID {
			continue
		}
		src, ok := p.Masks[maskType]
		return src, ok && src != ""
	}
	return "", false
}

type Config struct {
	DuckVolume    float64
	DuckFade      time.Duration
	PollInterval  time.Duration
	FrameInterval time.Duration
	Verbose       bool
}

// Scheduler owns the transient mask channel. A new channel is created for
// every playback and released when it ends.
type Scheduler struct {
	cfg       Config
	catalog   Catalog
	ambience  Ambience
	router    routing.Router
	newPlayer audio.PlayerFactory
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	selection   *Selection
	channel     *audio.Channel
	seq         uint64
	watchCancel context.CancelFunc
	ducked      bool
	preDuck     float64
}

func NewScheduler(cfg Config, catalog Catalog, ambience Ambience, router routing.Router, newPlayer audio.PlayerFactory, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Scheduler{
		cfg:       cfg,
		catalog:   catalog,
		ambience:  ambience,
		router:    router,
		newPlayer: newPlayer,
		logger:    logger.With(slog.String("component", "latency-mask")),
		state:     StateIdle,
	}
}

// Play starts the mask clip of the given type for a persona, replacing
// any mask already playing.
func (s *Scheduler) Play(ctx context.Context, personaID, maskType string) error {
	source, ok := s.catalog.MaskSource(personaID, maskType)
	if !ok {
		return fmt.Errorf("%w: persona=%s type=%s", ErrUnknownMask, personaID, maskType)
	}

	if err := s.router.ConfigurePlayback(ctx); err != nil {
		s.logger.Warn("failed to route audio for mask", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.seq++
	seq := s.seq
	s.duckLocked()

	ch := audio.NewChannel("mask", s.newPlayer(false), audio.ChannelOptions{
		FrameInterval: s.cfg.FrameInterval,
		Verbose:       s.cfg.Verbose,
	}, s.logger)
	if err := s.startLocked(ch, source); err != nil {
		_ = ch.Close(true)
		s.restoreLocked()
		s.state = StateIdle
		s.selection = nil
		return err
	}

	s.channel = ch
	s.selection = &Selection{PersonaID: personaID, MaskType: maskType}
	s.state = StatePlaying

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	go s.watch(watchCtx, seq, ch)

	s.logger.Info("latency mask started", slog.String("persona", personaID), slog.String("type", maskType))
	return nil
}

func (s *Scheduler) startLocked(ch *audio.Channel, source string) error {
	if err := ch.SetSource(source); err != nil {
		return err
	}
	if err := ch.Seek(0); err != nil {
		return err
	}
	ch.FadeTo(1, 0)
	return ch.Play()
}

// watch waits for the clip to end. A finished status only counts after the
// clip has been seen playing at least once.
func (s *Scheduler) watch(ctx context.Context, seq uint64, ch *audio.Channel) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	seenPlaying := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch ch.Status() {
			case audio.StatusPlaying:
				seenPlaying = true
			case audio.StatusFinished:
				if seenPlaying {
					s.finish(seq)
					return
				}
			}
		}
	}
}

func (s *Scheduler) finish(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq || s.channel == nil {
		return
	}
	s.releaseLocked()
	s.restoreLocked()
	s.state = StateFinished
	s.selection = nil
	s.logger.Debug("latency mask finished")
}

// Stop pauses the mask and restores ambience.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return
	}
	s.seq++
	s.releaseLocked()
	s.restoreLocked()
	s.state = StateStopped
	s.selection = nil
}

// Clear stops any mask and returns to idle immediately.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.releaseLocked()
	s.restoreLocked()
	s.state = StateIdle
	s.selection = nil
}

// State returns the current state and selection.
func (s *Scheduler) State() (State, *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return s.state, nil
	}
	sel := *s.selection
	return s.state, &sel
}

func (s *Scheduler) releaseLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.channel == nil {
		return
	}
	if err := s.channel.Pause(); err != nil {
		s.logger.Warn("failed to pause mask", slog.String("error", err.Error()))
	}
	if err := s.channel.Close(true); err != nil {
		s.logger.Warn("failed to release mask", slog.String("error", err.Error()))
	}
	s.channel = nil
}

func (s *Scheduler) duckLocked() {
	if s.ducked || !s.ambience.Playing() {
		return
	}
	s.preDuck = s.ambience.Volume()
	s.ducked = true
	s.ambience.FadeTo(s.cfg.DuckVolume, s.cfg.DuckFade)
}

func (s *Scheduler) restoreLocked() {
	if !s.ducked {
		return
	}
	s.ducked = false
	if s.ambience.Playing() {
		s.ambience.FadeTo(s.preDuck, s.cfg.DuckFade)
	}
}
