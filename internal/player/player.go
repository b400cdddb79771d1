// Package player plays audio artifacts through external commands chosen by
// file extension.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/speech"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/mattn/go-shellwords"
)

// Exec starts one player process per artifact.
type Exec struct {
	commands map[string][]string
	logger   *slog.Logger
}

// New parses the configured player commands.
func New(cfg config.PlayerConfig, logger *slog.Logger) (*Exec, error) {
	p := &Exec{commands: map[string][]string{}, logger: logger.With(slog.String("component", "player"))}
	for ext, command := range map[string]string{".wav": cfg.WAV, ".mp3": cfg.MP3} {
		if strings.TrimSpace(command) == "" {
			continue
		}
		args, err := shellwords.Parse(command)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s player command: %v", voice.ErrConfiguration, ext, err)
		}
		p.commands[ext] = args
	}
	return p, nil
}

// Start launches the player for audioRef. Unsupported extensions are
// configuration errors.
func (p *Exec) Start(audioRef string) (speech.Process, error) {
	ext := strings.ToLower(filepath.Ext(audioRef))
	args, ok := p.commands[ext]
	if !ok {
		return nil, fmt.Errorf("%w: no player for %q files", voice.ErrConfiguration, ext)
	}
	cmd := exec.Command(args[0], append(args[1:], audioRef)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	p.logger.Debug("playing", slog.String("audio", audioRef), slog.Int("pid", cmd.Process.Pid))
	return &process{cmd: cmd}, nil
}

type process struct {
	cmd *exec.Cmd
}

// Terminate sends SIGTERM. A process that already exited is not an error.
func (p *process) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the player exits. Exits caused by Terminate are not
// reported.
func (p *process) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
			return nil
		}
	}
	return err
}
