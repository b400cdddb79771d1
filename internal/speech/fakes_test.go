package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSpeechConfig() config.SpeechConfig {
	return config.SpeechConfig{
		SpeakInSegments:   true,
		UseFallbacks:      true,
		MinWordGaps:       2,
		PollIntervalMS:    1,
		DownloadIdleMS:    5,
		PlaybackIdleMS:    5,
		DispatchAttempts:  4,
		DispatchBackoffMS: 1,
	}
}

type fakeProvider struct {
	name       string
	failures   int
	alwaysFail bool
	pacing     time.Duration

	mu         sync.Mutex
	synthCalls int
	downloads  []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Synthesize(_ context.Context, _ string, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthCalls++
	if p.alwaysFail || p.synthCalls <= p.failures {
		return "", errors.New("service unavailable")
	}
	return text, nil
}

func (p *fakeProvider) Download(_ context.Context, _ string, handle string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloads = append(p.downloads, handle)
	return handle + ".wav", nil
}

func (p *fakeProvider) Pacing() time.Duration { return p.pacing }

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synthCalls
}

func (p *fakeProvider) downloaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.downloads...)
}

// fileProvider writes every download into dir the way real providers do.
type fileProvider struct {
	*fakeProvider
	dir string
}

func (p *fileProvider) Download(ctx context.Context, voiceID string, handle string) (string, error) {
	if _, err := p.fakeProvider.Download(ctx, voiceID, handle); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(p.dir, "speech-*.wav")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(handle); err != nil {
		return "", err
	}
	return f.Name(), nil
}

type fakeProcess struct {
	once       sync.Once
	done       chan struct{}
	terminated atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

// fakePlayer records every audio reference it is asked to play. With hold
// set, processes run until terminated.
type fakePlayer struct {
	hold     bool
	startErr error

	mu      sync.Mutex
	started []string
	procs   []*fakeProcess
}

func (p *fakePlayer) Start(ref string) (Process, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	proc := newFakeProcess()
	if !p.hold {
		proc.exit()
	}
	p.mu.Lock()
	p.started = append(p.started, ref)
	p.procs = append(p.procs, proc)
	p.mu.Unlock()
	return proc, nil
}

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

func (p *fakePlayer) process(i int) *fakeProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
