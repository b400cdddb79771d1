package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// ElevenLabs renders inline: the synthesis handle is the text itself and the
// download step produces the mp3.
type ElevenLabs struct {
	endpoint string
	apiKey   string
	modelID  string
	client   *http.Client
	audioDir string
}

func NewElevenLabs(cfg config.ElevenLabsConfig, audioDir string, client *http.Client) *ElevenLabs {
	if client == nil {
		client = &http.Client{Timeout: duration(cfg.TimeoutMS, 30*time.Second)}
	}
	return &ElevenLabs{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		modelID:  cfg.ModelID,
		client:   client,
		audioDir: audioDir,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Pacing() time.Duration { return 0 }

func (e *ElevenLabs) Synthesize(_ context.Context, _ string, text string) (string, error) {
	return text, nil
}

func (e *ElevenLabs) Download(ctx context.Context, voiceID, handle string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": handle, "model_id": e.modelID})
	if err != nil {
		return "", err
	}
	endpoint := e.endpoint + "/v1/text-to-speech/" + url.PathEscape(voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(e.Name(), resp)
	}
	return saveAudio(e.audioDir, ".mp3", resp.Body)
}
