// Package provider holds the text-to-speech integrations the speech
// pipeline dispatches to.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"golang.org/x/time/rate"
)

// New builds the registry of enabled providers. Audio artifacts are written
// below audioDir.
func New(cfg config.ProvidersConfig, audioDir string, logger *slog.Logger) (voice.Registry, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	logger = logger.With(slog.String("component", "tts-providers"))

	reg := voice.Registry{}
	if cfg.FakeYou.Enabled {
		reg[voice.ProviderFakeYou] = NewFakeYou(cfg.FakeYou, audioDir, nil)
	}
	if cfg.Uberduck.Enabled {
		reg[voice.ProviderUberduck] = NewUberduck(cfg.Uberduck, audioDir, nil)
	}
	if cfg.ElevenLabs.Enabled {
		reg[voice.ProviderElevenLabs] = NewElevenLabs(cfg.ElevenLabs, audioDir, nil)
	}
	if cfg.Command.Enabled {
		cmd, err := NewCommand(cfg.Command, audioDir)
		if err != nil {
			return nil, err
		}
		reg[voice.ProviderCommand] = cmd
	}
	for id, p := range reg {
		logger.Info("tts provider enabled", slog.Int("provider_id", id), slog.String("provider", p.Name()))
	}
	return reg, nil
}

func duration(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func pollLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

// saveAudio copies r into a fresh file under dir and returns its path.
func saveAudio(dir, ext string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(dir, "speech-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close audio file: %w", err)
	}
	return f.Name(), nil
}

// statusError reports a non-2xx response. Authentication failures are
// configuration errors and are never retried.
func statusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Join(voice.ErrConfiguration, err)
	}
	return err
}

func doJSON(ctx context.Context, client *http.Client, req *http.Request, name string, out any) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	return nil
}

func fetchAudio(ctx context.Context, client *http.Client, url, name, dir, ext string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: fetch audio: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(name, resp)
	}
	return saveAudio(dir, ext, resp.Body)
}
