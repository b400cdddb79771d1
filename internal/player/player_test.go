package player

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartRejectsUnknownExtension(t *testing.T) {
	p, err := New(config.PlayerConfig{WAV: "true"}, newLogger())
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if _, err := p.Start("clip.ogg"); !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := p.Start("clip.mp3"); !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("expected configuration error for unconfigured mp3, got %v", err)
	}
}

func TestStartAndWait(t *testing.T) {
	p, err := New(config.PlayerConfig{WAV: "true"}, newLogger())
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	proc, err := p.Start("clip.WAV")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("terminate after exit should be nil, got %v", err)
	}
}

func TestTerminateStopsPlayback(t *testing.T) {
	p, err := New(config.PlayerConfig{MP3: "sh -c 'sleep 30' player"}, newLogger())
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	proc, err := p.Start("clip.mp3")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	if err := proc.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected terminated wait to be nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("player did not stop")
	}
}
