package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// FileResolver resolves sources against a directory of audio assets.
// WAV clips get their duration from the file header; other formats are
// accepted with an unknown duration.
type FileResolver struct {
	Dir string
}

func (r FileResolver) Resolve(source string) (Clip, error) {
	if strings.TrimSpace(source) == "" {
		return Clip{}, ErrSourceNotFound
	}
	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Dir, source)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Clip{}, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return Clip{}, fmt.Errorf("stat %s: %w", source, err)
	}
	clip := Clip{Source: source, Path: path}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		d, err := wavDuration(path)
		if err != nil {
			return Clip{}, err
		}
		clip.Duration = d
	}
	return clip, nil
}

func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file %s", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return d, nil
}

// MapResolver resolves sources from an in-memory table of durations.
type MapResolver map[string]time.Duration

func (r MapResolver) Resolve(source string) (Clip, error) {
	d, ok := r[source]
	if !ok {
		return Clip{}, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	return Clip{Source: source, Duration: d}, nil
}

// VirtualPlayer is a headless output handle. It keeps transport position
// against the wall clock, so clips with a known duration reach
// StatusFinished on their own, and records the volume it would apply to
// a real device.
type VirtualPlayer struct {
	resolver Resolver
	loop     bool
	now      func() time.Time

	mu        sync.Mutex
	clip      Clip
	loaded    bool
	status    Status
	volume    float64
	offset    time.Duration
	startedAt time.Time
	released  bool
}

// NewVirtualPlayer returns a player resolving sources with r.
func NewVirtualPlayer(r Resolver, loop bool) *VirtualPlayer {
	return &VirtualPlayer{resolver: r, loop: loop, now: time.Now, volume: 1}
}

// VirtualFactory builds a PlayerFactory producing VirtualPlayers.
func VirtualFactory(r Resolver) PlayerFactory {
	return func(loop bool) Player {
		return NewVirtualPlayer(r, loop)
	}
}

func (p *VirtualPlayer) Load(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	clip, err := p.resolver.Resolve(source)
	if err != nil {
		p.loaded = false
		p.status = StatusIdle
		return err
	}
	p.clip = clip
	p.loaded = true
	p.status = StatusIdle
	p.offset = 0
	return nil
}

func (p *VirtualPlayer) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if !p.loaded {
		return ErrSourceNotFound
	}
	if pos < 0 {
		pos = 0
	}
	p.offset = pos
	if p.status == StatusPlaying {
		p.startedAt = p.now()
	} else if p.status == StatusFinished {
		p.status = StatusPaused
	}
	return nil
}

func (p *VirtualPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if !p.loaded {
		return ErrSourceNotFound
	}
	p.advanceLocked()
	if p.status == StatusPlaying {
		return nil
	}
	if p.status == StatusFinished {
		p.offset = 0
	}
	p.status = StatusPlaying
	p.startedAt = p.now()
	return nil
}

func (p *VirtualPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.advanceLocked()
	if p.status != StatusPlaying {
		return nil
	}
	p.offset = p.positionLocked()
	p.status = StatusPaused
	return nil
}

func (p *VirtualPlayer) SetVolume(v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.volume = clampVolume(v)
	return nil
}

func (p *VirtualPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *VirtualPlayer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceLocked()
	return p.status
}

// Source returns the loaded source name.
func (p *VirtualPlayer) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ""
	}
	return p.clip.Source
}

func (p *VirtualPlayer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.released = true
	p.status = StatusIdle
	return nil
}

func (p *VirtualPlayer) positionLocked() time.Duration {
	if p.status != StatusPlaying {
		return p.offset
	}
	return p.offset + p.now().Sub(p.startedAt)
}

func (p *VirtualPlayer) advanceLocked() {
	if p.status != StatusPlaying || p.clip.Duration <= 0 {
		return
	}
	pos := p.positionLocked()
	if pos < p.clip.Duration {
		return
	}
	if p.loop {
		p.offset = pos % p.clip.Duration
		p.startedAt = p.now()
		return
	}
	p.offset = p.clip.Duration
	p.status = StatusFinished
}
