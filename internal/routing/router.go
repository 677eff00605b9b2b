// Package routing switches the host audio session between voice-chat and
// media-playback routing.
package routing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

// Mode is the routing currently applied.
type Mode string

const (
	ModeUnknown  Mode = ""
	ModeVoice    Mode = "voice"
	ModePlayback Mode = "playback"
)

// Router configures audio routing. Both calls are idempotent and safe to
// repeat.
type Router interface {
	ConfigureVoice(ctx context.Context) error
	ConfigurePlayback(ctx context.Context) error
}

// New builds the router selected by cfg.Mode.
func New(cfg config.RoutingConfig, logger *slog.Logger) (Router, error) {
	switch cfg.Mode {
	case "", "noop":
		return NewNoop(logger), nil
	case "exec":
		return NewExec(cfg.VoiceCommand, cfg.PlaybackCommand, logger)
	default:
		return nil, fmt.Errorf("unknown routing mode %q", cfg.Mode)
	}
}

// Noop only tracks the requested mode.
type Noop struct {
	logger *slog.Logger
	mu     sync.Mutex
	mode   Mode
}

func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger.With(slog.String("component", "routing"))}
}

func (n *Noop) ConfigureVoice(context.Context) error {
	n.set(ModeVoice)
	return nil
}

func (n *Noop) ConfigurePlayback(context.Context) error {
	n.set(ModePlayback)
	return nil
}

func (n *Noop) set(m Mode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mode != m {
		n.logger.Debug("audio routing changed", slog.String("mode", string(m)))
	}
	n.mode = m
}

// Mode returns the last applied mode.
func (n *Noop) Mode() Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// Exec runs a shell command per routing mode, e.g. a pactl profile switch.
type Exec struct {
	voice    []string
	playback []string
	logger   *slog.Logger

	mu   sync.Mutex
	mode Mode
}

func NewExec(voiceCommand, playbackCommand string, logger *slog.Logger) (*Exec, error) {
	voice, err := parseCommand(voiceCommand)
	if err != nil {
		return nil, fmt.Errorf("parse voice routing command: %w", err)
	}
	playback, err := parseCommand(playbackCommand)
	if err != nil {
		return nil, fmt.Errorf("parse playback routing command: %w", err)
	}
	return &Exec{
		voice:    voice,
		playback: playback,
		logger:   logger.With(slog.String("component", "routing")),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

func (e *Exec) ConfigureVoice(ctx context.Context) error {
	return e.apply(ctx, ModeVoice, e.voice)
}

func (e *Exec) ConfigurePlayback(ctx context.Context) error {
	return e.apply(ctx, ModePlayback, e.playback)
}

// Mode returns the last successfully applied mode.
func (e *Exec) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Exec) apply(ctx context.Context, mode Mode, args []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("routing %s command failed: %w: %s", mode, err, stderr.String())
	}
	if e.mode != mode {
		e.logger.Info("audio routing changed", slog.String("mode", string(mode)))
	}
	e.mode = mode
	return nil
}
