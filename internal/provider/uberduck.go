package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"golang.org/x/time/rate"
)

// Uberduck queues speak requests and polls their status.
type Uberduck struct {
	endpoint string
	key      string
	secret   string
	client   *http.Client
	poll     *rate.Limiter
	timeout  time.Duration
	audioDir string
}

func NewUberduck(cfg config.UberduckConfig, audioDir string, client *http.Client) *Uberduck {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Uberduck{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		key:      cfg.APIKey,
		secret:   cfg.APISecret,
		client:   client,
		poll:     pollLimiter(duration(cfg.PollIntervalMS, 500*time.Millisecond)),
		timeout:  duration(cfg.TimeoutMS, time.Minute),
		audioDir: audioDir,
	}
}

func (u *Uberduck) Name() string { return "uberduck" }

func (u *Uberduck) Pacing() time.Duration { return 0 }

type uberduckSpeak struct {
	VoiceModel string `json:"voicemodel_uuid"`
	Speech     string `json:"speech"`
}

type uberduckStatus struct {
	Path     *string `json:"path"`
	FailedAt *string `json:"failed_at"`
}

func (u *Uberduck) Synthesize(ctx context.Context, voiceID, text string) (string, error) {
	body, err := json.Marshal(uberduckSpeak{VoiceModel: voiceID, Speech: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, u.endpoint+"/speak", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(u.key, u.secret)

	var out struct {
		UUID string `json:"uuid"`
	}
	if err := doJSON(ctx, u.client, req, u.Name(), &out); err != nil {
		return "", err
	}
	if out.UUID == "" {
		return "", errors.New("uberduck: speak request returned no id")
	}
	return out.UUID, nil
}

func (u *Uberduck) Download(ctx context.Context, _ string, handle string) (string, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	for {
		if err := u.poll.Wait(ctx); err != nil {
			// Gave up waiting for the job; drop it unless the caller quit.
			return "", parent.Err()
		}
		req, err := http.NewRequest(http.MethodGet, u.endpoint+"/speak-status?uuid="+url.QueryEscape(handle), nil)
		if err != nil {
			return "", err
		}
		req.SetBasicAuth(u.key, u.secret)

		var status uberduckStatus
		if err := doJSON(ctx, u.client, req, u.Name(), &status); err != nil {
			return "", err
		}
		if status.FailedAt != nil {
			return "", nil
		}
		if status.Path != nil && *status.Path != "" {
			return fetchAudio(ctx, u.client, *status.Path, u.Name(), u.audioDir, ".wav")
		}
	}
}
