package routing

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNoopTracksMode(t *testing.T) {
	r := NewNoop(newLogger())
	ctx := context.Background()
	if r.Mode() != ModeUnknown {
		t.Fatalf("expected unknown mode")
	}
	_ = r.ConfigureVoice(ctx)
	_ = r.ConfigureVoice(ctx)
	if r.Mode() != ModeVoice {
		t.Fatalf("expected voice mode")
	}
	_ = r.ConfigurePlayback(ctx)
	if r.Mode() != ModePlayback {
		t.Fatalf("expected playback mode")
	}
}

func TestExecRunsCommands(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	r, err := NewExec("true voice", "true 'playback mode'", newLogger())
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := r.ConfigureVoice(context.Background()); err != nil {
		t.Fatalf("configure voice: %v", err)
	}
	if r.Mode() != ModeVoice {
		t.Fatalf("expected voice mode")
	}
	if err := r.ConfigurePlayback(context.Background()); err != nil {
		t.Fatalf("configure playback: %v", err)
	}
	if r.Mode() != ModePlayback {
		t.Fatalf("expected playback mode")
	}
}

func TestExecReportsFailure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	r, err := NewExec("false", "false", newLogger())
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := r.ConfigureVoice(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if r.Mode() != ModeUnknown {
		t.Fatalf("failed command must not change mode")
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(config.RoutingConfig{Mode: "exec", VoiceCommand: "", PlaybackCommand: "x"}, newLogger()); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := New(config.RoutingConfig{Mode: "bogus"}, newLogger()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
