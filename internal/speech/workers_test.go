package speech

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/voice"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestDownloaderDiscardsStaleJobs(t *testing.T) {
	synth, play := NewQueue[Job](), NewQueue[Item]()
	coord := newCoordinator(synth, play, &playbackState{}, newLogger())
	live := coord.BeginStream()
	provider := &fakeProvider{name: "fake"}

	w := &downloader{
		coord:     coord,
		in:        synth,
		out:       play,
		providers: voice.Registry{1: provider},
		profile:   func() *voice.Profile { return &voice.Profile{ProviderID: 1} },
		sleep:     func(context.Context, time.Duration) error { return nil },
		onFatal:   func(err error) { t.Fatalf("unexpected fatal: %v", err) },
		tracer:    noop.NewTracerProvider().Tracer("test"),
		logger:    newLogger(),
	}

	w.process(context.Background(), Job{Tag: "retired", ProviderID: 1, Handle: "old"})
	w.process(context.Background(), Job{Tag: live, ProviderID: 1, Handle: "new"})

	if got := provider.downloaded(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("expected only the live job to be downloaded, got %q", got)
	}
	item, ok := play.Pop()
	if !ok || item.Tag != live || item.AudioRef != "new.wav" {
		t.Fatalf("unexpected playback item: %+v (ok=%v)", item, ok)
	}
}

func TestDownloaderReportsUnknownProvider(t *testing.T) {
	synth, play := NewQueue[Job](), NewQueue[Item]()
	coord := newCoordinator(synth, play, &playbackState{}, newLogger())
	live := coord.BeginStream()

	var fatal error
	w := &downloader{
		coord:     coord,
		in:        synth,
		out:       play,
		providers: voice.Registry{},
		profile:   func() *voice.Profile { return &voice.Profile{ProviderID: 7} },
		sleep:     func(context.Context, time.Duration) error { return nil },
		onFatal:   func(err error) { fatal = err },
		tracer:    noop.NewTracerProvider().Tracer("test"),
		logger:    newLogger(),
	}
	w.process(context.Background(), Job{Tag: live, ProviderID: 7})
	if fatal == nil {
		t.Fatalf("expected fatal configuration error")
	}
	if play.Len() != 0 {
		t.Fatalf("expected nothing queued for playback")
	}
}

func TestPlaybackWorkerDiscardsStaleItems(t *testing.T) {
	synth, play := NewQueue[Job](), NewQueue[Item]()
	state := &playbackState{}
	coord := newCoordinator(synth, play, state, newLogger())
	live := coord.BeginStream()
	player := &fakePlayer{}

	w := &playbackWorker{
		coord:   coord,
		in:      play,
		state:   state,
		player:  player,
		onFatal: func(err error) { t.Fatalf("unexpected fatal: %v", err) },
		logger:  newLogger(),
	}
	w.play(context.Background(), Item{Tag: "retired", AudioRef: "old.wav"})
	w.play(context.Background(), Item{Tag: live, AudioRef: "new.wav"})

	if got := player.played(); len(got) != 1 || got[0] != "new.wav" {
		t.Fatalf("expected only live audio to play, got %q", got)
	}
	if state.speaking.Load() {
		t.Fatalf("expected speaking to clear once the queue is empty")
	}
}

func TestWorkersIdleWhileOffline(t *testing.T) {
	synth, play := NewQueue[Job](), NewQueue[Item]()
	coord := newCoordinator(synth, play, &playbackState{}, newLogger())
	live := coord.BeginStream()
	synth.Push(Job{Tag: live, ProviderID: 1})

	idled := make(chan time.Duration, 1)
	w := &downloader{
		coord:   coord,
		in:      synth,
		out:     play,
		profile: func() *voice.Profile { return nil },
		poll:    time.Millisecond,
		idle:    time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case idled <- d:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
		logger: newLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(ctx)
	}()

	if d := <-idled; d != time.Second {
		t.Fatalf("expected idle sleep of 1s, got %v", d)
	}
	cancel()
	<-done
	if synth.Len() != 1 {
		t.Fatalf("offline worker consumed the queue")
	}
}
