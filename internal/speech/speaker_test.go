package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/voice"
)

func newTestSpeaker(t *testing.T, provider *fakeProvider, player *fakePlayer, profile *voice.Profile) *Speaker {
	t.Helper()
	s := NewSpeaker(context.Background(), testSpeechConfig(), voice.Registry{1: provider}, player, profile, newLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start speaker: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func collect(t *testing.T, seq func(func(Event, error) bool)) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestSpeakerPlaysChunksInOrder(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	player := &fakePlayer{}
	s := newTestSpeaker(t, provider, player, &voice.Profile{ProviderID: 1, VoiceID: "v"})

	events, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("Hello there my friend. "),
		Text("How are you doing today? "),
		Text("I hope all is well."),
	})))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	want := []string{"Hello there my friend.", "How are you doing today?", "I hope all is well."}
	if got := assistantTexts(events); !slices.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}

	waitFor(t, "three playbacks", func() bool { return len(player.played()) == 3 })
	for i, ref := range player.played() {
		if ref != want[i]+".wav" {
			t.Fatalf("playback %d out of order: %q", i, ref)
		}
	}
	waitFor(t, "speaking to clear", func() bool { return !s.Speaking() })
}

func TestNewStreamDiscardsStaleWork(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	player := &fakePlayer{hold: true}
	s := newTestSpeaker(t, provider, player, &voice.Profile{ProviderID: 1})

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("First answer starts right here. "),
		Text("First answer keeps on going."),
	}))); err != nil {
		t.Fatalf("push first stream: %v", err)
	}
	waitFor(t, "first playback", func() bool { return len(player.played()) == 1 })
	if !s.Speaking() {
		t.Fatalf("expected speaking while audio plays")
	}

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("Completely new answer here."),
	}))); err != nil {
		t.Fatalf("push second stream: %v", err)
	}
	if !player.process(0).terminated.Load() {
		t.Fatalf("expected first playback to be terminated")
	}

	waitFor(t, "second stream playback", func() bool { return len(player.played()) == 2 })
	time.Sleep(20 * time.Millisecond)
	played := player.played()
	if len(played) != 2 {
		t.Fatalf("stale audio reached the player: %q", played)
	}
	if played[1] != "Completely new answer here..wav" {
		t.Fatalf("unexpected second playback: %q", played[1])
	}
}

func TestInterruptStopsPlayback(t *testing.T) {
	player := &fakePlayer{hold: true}
	s := newTestSpeaker(t, &fakeProvider{name: "fake"}, player, &voice.Profile{ProviderID: 1})

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("Say this one thing please.")}))); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "playback", func() bool { return len(player.played()) == 1 })

	s.Interrupt()
	if s.Speaking() {
		t.Fatalf("expected speaking to clear on interrupt")
	}
	if !player.process(0).terminated.Load() {
		t.Fatalf("expected process to be terminated")
	}
}

func TestOfflineModeOnlyEmitsEvents(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	player := &fakePlayer{}
	s := newTestSpeaker(t, provider, player, nil)

	events, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("Nobody will hear this sentence.")})))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(assistantTexts(events)) != 1 {
		t.Fatalf("expected one chunk, got %+v", events)
	}
	time.Sleep(20 * time.Millisecond)
	if provider.calls() != 0 || len(player.played()) != 0 {
		t.Fatalf("offline speaker touched the pipeline")
	}
}

func TestPushSurfacesExhaustedRetries(t *testing.T) {
	provider := &fakeProvider{name: "fake", alwaysFail: true}
	s := newTestSpeaker(t, provider, &fakePlayer{}, &voice.Profile{ProviderID: 1})

	events, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("This will never be spoken. "),
		Text("Neither will this part."),
	})))
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if len(events) != 0 {
		t.Fatalf("expected failing chunk not to be yielded, got %+v", events)
	}
	if provider.calls() != 4 {
		t.Fatalf("expected 4 attempts, got %d", provider.calls())
	}
}

func TestPlayerConfigErrorSurfacesOnNextPush(t *testing.T) {
	player := &fakePlayer{startErr: fmt.Errorf("%w: unsupported audio format .ogg", voice.ErrConfiguration)}
	s := newTestSpeaker(t, &fakeProvider{name: "fake"}, player, &voice.Profile{ProviderID: 1})

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("Play this odd file now.")}))); err != nil && !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "fatal error", func() bool { return s.Err() != nil })
	if s.Healthy() {
		t.Fatalf("expected unhealthy speaker")
	}

	_, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("Anything else at all.")})))
	if !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	s.SetVoice(&voice.Profile{ProviderID: 1})
	if !s.Healthy() {
		t.Fatalf("expected voice change to clear the error")
	}
}

func TestMisconfiguredPushStillSupersedes(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	player := &fakePlayer{hold: true}
	s := newTestSpeaker(t, provider, player, &voice.Profile{ProviderID: 1})

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("Keep talking for a long while.")}))); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "held playback", func() bool { return len(player.played()) == 1 && s.Speaking() })
	before := s.coord.Current()
	held := player.process(0)

	s.setFatal(fmt.Errorf("%w: player missing", voice.ErrConfiguration))
	events, err := collect(t, s.Push(context.Background(), slices.Values([]Token{Text("A brand new answer arrives now.")})))
	if !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(events) != 1 || events[0].Text != "A brand new answer arrives now." {
		t.Fatalf("expected the new text to be yielded, got %+v", events)
	}
	if !held.terminated.Load() {
		t.Fatalf("expected the old playback to be terminated")
	}
	if s.Speaking() {
		t.Fatalf("expected speaking to be cleared")
	}
	if s.coord.Current() == before {
		t.Fatalf("expected a new stream tag")
	}
	if provider.calls() != 1 {
		t.Fatalf("expected no dispatch while misconfigured, got %d calls", provider.calls())
	}
}

func newAudioDirSpeaker(t *testing.T, player *fakePlayer) (*Speaker, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testSpeechConfig()
	cfg.AudioDir = dir
	provider := &fileProvider{fakeProvider: &fakeProvider{name: "fake"}, dir: dir}
	s := NewSpeaker(context.Background(), cfg, voice.Registry{1: provider}, player, &voice.Profile{ProviderID: 1}, newLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start speaker: %v", err)
	}
	t.Cleanup(s.Close)
	return s, dir
}

func audioFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read audio dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPlayedAudioIsRemoved(t *testing.T) {
	player := &fakePlayer{}
	s, dir := newAudioDirSpeaker(t, player)

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("First sentence to play aloud. "),
		Text("Second sentence to play aloud."),
	}))); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "two playbacks", func() bool { return len(player.played()) == 2 })
	waitFor(t, "audio dir to empty", func() bool { return len(audioFiles(t, dir)) == 0 })
}

func TestInterruptedAudioIsRemoved(t *testing.T) {
	player := &fakePlayer{hold: true}
	s, dir := newAudioDirSpeaker(t, player)

	if _, err := collect(t, s.Push(context.Background(), slices.Values([]Token{
		Text("This one starts playing now. "),
		Text("This one waits in the queue."),
	}))); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "held playback", func() bool { return len(player.played()) == 1 })
	waitFor(t, "both downloads", func() bool { return len(audioFiles(t, dir)) == 2 })

	s.Interrupt()
	waitFor(t, "audio dir to empty", func() bool { return len(audioFiles(t, dir)) == 0 })
	if n := len(player.played()); n != 1 {
		t.Fatalf("expected stale audio not to play, got %d playbacks", n)
	}
}

func TestReleaseKeepsFilesOutsideAudioDir(t *testing.T) {
	s, _ := newAudioDirSpeaker(t, &fakePlayer{})

	outside := filepath.Join(t.TempDir(), "keep.wav")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	s.releaseAudio(outside)
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("expected file outside the audio dir to survive: %v", err)
	}
}

func TestEarlyBreakStopsSegmentation(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	s := newTestSpeaker(t, provider, &fakePlayer{}, &voice.Profile{ProviderID: 1})

	for ev, err := range s.Push(context.Background(), slices.Values([]Token{
		Text("One chunk comes first. "),
		Text("Another chunk comes later."),
	})) {
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if !strings.HasPrefix(ev.Text, "One") {
			t.Fatalf("unexpected event: %+v", ev)
		}
		break
	}
	if provider.calls() != 1 {
		t.Fatalf("expected a single synthesize call, got %d", provider.calls())
	}
}
