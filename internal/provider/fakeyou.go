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

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/config"
	"golang.org/x/time/rate"
)

// FakeYou submits asynchronous inference jobs and polls them until the
// rendered wav is published.
type FakeYou struct {
	endpoint string
	storage  string
	token    string
	client   *http.Client
	poll     *rate.Limiter
	timeout  time.Duration
	pacing   time.Duration
	audioDir string
}

func NewFakeYou(cfg config.FakeYouConfig, audioDir string, client *http.Client) *FakeYou {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FakeYou{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		storage:  strings.TrimRight(cfg.StorageURL, "/"),
		token:    cfg.Token,
		client:   client,
		poll:     pollLimiter(duration(cfg.PollIntervalMS, time.Second)),
		timeout:  duration(cfg.TimeoutMS, time.Minute),
		pacing:   duration(cfg.PacingMS, 3100*time.Millisecond),
		audioDir: audioDir,
	}
}

func (f *FakeYou) Name() string { return "fakeyou" }

func (f *FakeYou) Pacing() time.Duration { return f.pacing }

type fakeYouInference struct {
	ModelToken       string `json:"tts_model_token"`
	IdempotencyToken string `json:"uuid_idempotency_token"`
	Text             string `json:"inference_text"`
}

type fakeYouInferenceResponse struct {
	Success  bool   `json:"success"`
	JobToken string `json:"inference_job_token"`
}

type fakeYouJobResponse struct {
	Success bool `json:"success"`
	State   struct {
		Status    string `json:"status"`
		AudioPath string `json:"maybe_public_bucket_wav_audio_path"`
	} `json:"state"`
}

// Synthesize starts an inference job and returns its job token.
func (f *FakeYou) Synthesize(ctx context.Context, voiceID, text string) (string, error) {
	body, err := json.Marshal(fakeYouInference{
		ModelToken:       voiceID,
		IdempotencyToken: uuid.NewString(),
		Text:             text,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, f.endpoint+"/tts/inference", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	f.authorize(req)

	var out fakeYouInferenceResponse
	if err := doJSON(ctx, f.client, req, f.Name(), &out); err != nil {
		return "", err
	}
	if !out.Success || out.JobToken == "" {
		return "", errors.New("fakeyou: inference request rejected")
	}
	return out.JobToken, nil
}

// Download polls the job until it completes. A failed or expired job yields
// an empty reference.
func (f *FakeYou) Download(ctx context.Context, _ string, handle string) (string, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	for {
		if err := f.poll.Wait(ctx); err != nil {
			// Gave up waiting for the job; drop it unless the caller quit.
			return "", parent.Err()
		}
		req, err := http.NewRequest(http.MethodGet, f.endpoint+"/tts/job/"+url.PathEscape(handle), nil)
		if err != nil {
			return "", err
		}
		f.authorize(req)

		var job fakeYouJobResponse
		if err := doJSON(ctx, f.client, req, f.Name(), &job); err != nil {
			return "", err
		}
		switch job.State.Status {
		case "complete_success":
			if job.State.AudioPath == "" {
				return "", nil
			}
			return fetchAudio(ctx, f.client, f.storage+job.State.AudioPath, f.Name(), f.audioDir, ".wav")
		case "complete_failure", "dead":
			return "", nil
		}
	}
}

func (f *FakeYou) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", f.token)
	}
}
