package audio

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	storyCrossfade  = 400 * time.Millisecond
	ambienceFadeIn  = 2000 * time.Millisecond
	ambienceFadeOut = 1500 * time.Millisecond
	transportFade   = 200 * time.Millisecond
)

// MixerConfig holds the levels and timing of the narration/ambience mix.
type MixerConfig struct {
	AmbienceNormal float64
	AmbienceQuiet  float64
	FrameInterval  time.Duration
	Verbose        bool

	// ChaosMode delays every story start by a random duration in
	// [ChaosMin, ChaosMax] to exercise slow-start paths.
	ChaosMode bool
	ChaosMin  time.Duration
	ChaosMax  time.Duration
}

// Mixer drives the process-wide narration and ambience channels.
type Mixer struct {
	cfg       MixerConfig
	narration *Channel
	ambience  *Channel
	logger    *slog.Logger

	// chaosDelay is replaceable in tests.
	chaosDelay func() time.Duration

	mu          sync.Mutex
	storySeq    uint64
	storyCancel context.CancelFunc
	closed      bool
	done        chan struct{}
}

// NewMixer creates the narration and ambience channels over the given
// players. The players are owned by the mixer from here on.
func NewMixer(cfg MixerConfig, narration, ambience Player, logger *slog.Logger) *Mixer {
	log := logger.With(slog.String("component", "mixer"))
	opts := ChannelOptions{FrameInterval: cfg.FrameInterval, Verbose: cfg.Verbose}
	m := &Mixer{
		cfg:       cfg,
		narration: NewChannel("narration", narration, opts, log),
		ambience:  NewChannel("ambience", ambience, opts, log),
		logger:    log,
		done:      make(chan struct{}),
	}
	m.chaosDelay = m.randomChaosDelay
	return m
}

func (m *Mixer) Narration() *Channel { return m.narration }

func (m *Mixer) Ambience() *Channel { return m.ambience }

func (m *Mixer) randomChaosDelay() time.Duration {
	span := m.cfg.ChaosMax - m.cfg.ChaosMin
	if span <= 0 {
		return m.cfg.ChaosMin
	}
	return m.cfg.ChaosMin + rand.N(span)
}

// PlayStory starts narration of source from the beginning. A newer call,
// ctx cancellation or Close abandons a start still waiting on the chaos
// delay; the abandoned call returns nil.
func (m *Mixer) PlayStory(ctx context.Context, source string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.storySeq++
	seq := m.storySeq
	if m.storyCancel != nil {
		m.storyCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.storyCancel = cancel
	m.mu.Unlock()
	defer cancel()

	if m.cfg.ChaosMode {
		delay := m.chaosDelay()
		m.logger.Info("chaos mode delaying story start", slog.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.done:
			timer.Stop()
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.storySeq || m.closed {
		return nil
	}

	n := m.narration
	n.CancelPause()
	if err := n.SetSource(source); err != nil {
		return err
	}
	if err := n.Seek(0); err != nil {
		return err
	}
	duck := m.ambienceActiveLocked()
	if duck {
		n.FadeTo(0, 0)
	} else {
		n.FadeTo(1, 0)
	}
	if err := n.Play(); err != nil {
		return err
	}
	if duck {
		m.ambience.FadeTo(m.cfg.AmbienceQuiet, storyCrossfade)
		n.FadeTo(1, storyCrossfade)
	}
	m.logger.Info("story started", slog.String("source", source), slog.Bool("ducked_ambience", duck))
	return nil
}

// StopStory fades narration out and returns ambience to its normal level.
func (m *Mixer) StopStory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storySeq++
	if m.storyCancel != nil {
		m.storyCancel()
		m.storyCancel = nil
	}
	m.narration.ClearSource()
	m.narration.FadeTo(0, storyCrossfade)
	m.narration.SchedulePause(storyCrossfade)
	if m.ambienceActiveLocked() {
		m.ambience.FadeTo(m.cfg.AmbienceNormal, storyCrossfade)
	}
}

// SetAmbientSound replaces the ambience bed. An empty source fades the
// current bed out and pauses it.
func (m *Mixer) SetAmbientSound(source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.ambience
	if source == "" {
		a.ClearSource()
		a.FadeTo(0, ambienceFadeOut)
		a.SchedulePause(ambienceFadeOut)
		return nil
	}
	if a.Source() == source && a.Playing() {
		return nil
	}
	if err := a.SetSource(source); err != nil {
		return err
	}
	a.FadeTo(0, 0)
	if err := a.Play(); err != nil {
		return err
	}
	a.FadeTo(m.ambienceLevelLocked(), ambienceFadeIn)
	return nil
}

// Pause fades both channels out and pauses them once the fade completes.
func (m *Mixer) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range []*Channel{m.narration, m.ambience} {
		c.FadeTo(0, transportFade)
		c.SchedulePause(transportFade)
	}
}

// Resume restarts whichever channels still have a source.
func (m *Mixer) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, a := m.narration, m.ambience
	n.CancelPause()
	a.CancelPause()
	if n.Source() != "" {
		if err := n.Play(); err != nil {
			return err
		}
		n.FadeTo(1, transportFade)
	}
	if a.Source() != "" {
		if err := a.Play(); err != nil {
			return err
		}
		a.FadeTo(m.ambienceLevelLocked(), transportFade)
	}
	return nil
}

// AmbienceLevel returns the level ambience should sit at right now.
func (m *Mixer) AmbienceLevel() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ambienceLevelLocked()
}

func (m *Mixer) ambienceLevelLocked() float64 {
	if m.narration.Source() != "" && m.narration.Playing() {
		return m.cfg.AmbienceQuiet
	}
	return m.cfg.AmbienceNormal
}

func (m *Mixer) ambienceActiveLocked() bool {
	return m.ambience.Source() != "" && m.ambience.Playing()
}

// Close cancels pending work and releases both channels.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	if m.storyCancel != nil {
		m.storyCancel()
	}
	m.mu.Unlock()

	err := m.narration.Close(true)
	if aerr := m.ambience.Close(true); err == nil {
		err = aerr
	}
	return err
}
