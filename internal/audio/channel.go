package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// Channel wraps a Player with fades, delayed pauses and teardown-tolerant
// transport calls. Every volume write happens under mu after comparing
// the fade token, so a superseded fade can never overwrite a newer one.
type Channel struct {
	name    string
	player  Player
	frame   time.Duration
	verbose bool
	logger  *slog.Logger

	mu         sync.Mutex
	source     string
	fadeToken  uint64
	fading     bool
	pauseSeq   uint64
	pauseTimer *time.Timer
	closed     bool
	done       chan struct{}
}

// ChannelOptions tunes a Channel.
type ChannelOptions struct {
	FrameInterval time.Duration
	Verbose       bool
}

func NewChannel(name string, player Player, opts ChannelOptions, logger *slog.Logger) *Channel {
	frame := opts.FrameInterval
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return &Channel{
		name:    name,
		player:  player,
		frame:   frame,
		verbose: opts.Verbose,
		logger:  logger.With(slog.String("channel", name)),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Name() string { return c.name }

// Source returns the source most recently set on the channel, or "" when
// the channel has been cleared.
func (c *Channel) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *Channel) Volume() float64 {
	return c.player.Volume()
}

func (c *Channel) Playing() bool {
	return c.player.Status() == StatusPlaying
}

func (c *Channel) Status() Status {
	return c.player.Status()
}

// Fading reports whether a fade animation is still running.
func (c *Channel) Fading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fading
}

// SetSource replaces the source and rewinds to the start. A pending
// scheduled pause is cancelled.
func (c *Channel) SetSource(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPauseLocked()
	c.source = source
	if err := c.player.Load(source); err != nil {
		// A missing asset is a caller bug; only a released handle is expected.
		if errors.Is(err, ErrReleased) {
			return c.tolerate("load", err)
		}
		c.source = ""
		return fmt.Errorf("%s load %q: %w", c.name, source, err)
	}
	return c.tolerate("seek", c.player.Seek(0))
}

// ClearSource forgets the current source without touching transport, so a
// fade-out already in progress stays audible.
func (c *Channel) ClearSource() {
	c.mu.Lock()
	c.source = ""
	c.mu.Unlock()
}

// Seek moves the transport position.
func (c *Channel) Seek(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tolerate("seek", c.player.Seek(pos))
}

func (c *Channel) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tolerate("play", c.player.Play())
}

func (c *Channel) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tolerate("pause", c.player.Pause())
}

// FadeTo animates the volume to target over d. d <= 0 applies the target
// immediately and schedules nothing.
func (c *Channel) FadeTo(target float64, d time.Duration) {
	target = clampVolume(target)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.fadeToken++
	if d <= 0 {
		c.fading = false
		_ = c.tolerate("volume", c.player.SetVolume(target))
		return
	}
	job := fadeJob{
		from:     c.player.Volume(),
		to:       target,
		duration: d,
		start:    time.Now(),
		token:    c.fadeToken,
	}
	c.fading = true
	go c.runFade(job)
}

func (c *Channel) runFade(job fadeJob) {
	ticker := time.NewTicker(c.frame)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if !c.applyFrame(job, now) {
				return
			}
		}
	}
}

// applyFrame writes one animation frame. It returns false once the job is
// finished or superseded.
func (c *Channel) applyFrame(job fadeJob, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job.token != c.fadeToken {
		return false
	}
	v, finished := job.at(now)
	_ = c.tolerate("volume", c.player.SetVolume(v))
	if finished {
		c.fading = false
		return false
	}
	return true
}

// SchedulePause pauses the channel after d, replacing any pending schedule.
func (c *Channel) SchedulePause(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelPauseLocked()
	seq := c.pauseSeq
	c.pauseTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq != c.pauseSeq || c.closed {
			return
		}
		c.pauseTimer = nil
		_ = c.tolerate("scheduled pause", c.player.Pause())
	})
}

// CancelPause drops a pending scheduled pause.
func (c *Channel) CancelPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPauseLocked()
}

// PausePending reports whether a scheduled pause is waiting to fire.
func (c *Channel) PausePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseTimer != nil
}

func (c *Channel) cancelPauseLocked() {
	c.pauseSeq++
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
}

// Close stops fades and pending pauses. When release is set the underlying
// player is released as well.
func (c *Channel) Close(release bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.fadeToken++
	c.fading = false
	c.cancelPauseLocked()
	close(c.done)
	if !release {
		return nil
	}
	return c.tolerate("release", c.player.Release())
}

// tolerate swallows the errors expected while a handle is torn down.
func (c *Channel) tolerate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrReleased) || errors.Is(err, ErrSourceNotFound) {
		if c.verbose {
			c.logger.Debug("ignored audio handle error", slog.String("op", op), slog.String("error", err.Error()))
		}
		return nil
	}
	return fmt.Errorf("%s %s: %w", c.name, op, err)
}
