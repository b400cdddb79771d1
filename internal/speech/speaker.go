package speech

import (
	"context"
	"errors"
	"iter"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/fallback"
	"github.com/loqalabs/loqa-speak/internal/normalize"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"go.opentelemetry.io/otel"
)

// Speaker is the streaming speech pipeline: it segments response streams,
// dispatches synthesis and runs the download and playback workers.
type Speaker struct {
	cfg       config.SpeechConfig
	providers voice.Registry
	player    Player
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	profile  atomic.Pointer[voice.Profile]
	synth    *Queue[Job]
	play     *Queue[Item]
	playback *playbackState
	coord    *Coordinator

	dispatcher *Dispatcher
	download   *downloader
	playWorker *playbackWorker

	mu      sync.Mutex
	fatal   error
	started bool
}

// NewSpeaker builds a Speaker. A nil profile starts it in offline mode.
func NewSpeaker(parent context.Context, cfg config.SpeechConfig, providers voice.Registry, player Player, profile *voice.Profile, logger *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "speech"))

	s := &Speaker{
		cfg:       cfg,
		providers: providers,
		player:    player,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		synth:     NewQueue[Job](),
		play:      NewQueue[Item](),
		playback:  &playbackState{},
	}
	s.profile.Store(profile)
	s.coord = newCoordinator(s.synth, s.play, s.playback, logger)
	s.coord.release = s.releaseAudio

	tracer := otel.Tracer(instrumentationName)
	poll := millis(cfg.PollIntervalMS, 30*time.Millisecond)
	s.dispatcher = &Dispatcher{
		providers: providers,
		profile:   s.Voice,
		active:    s.coord.Active,
		queue:     s.synth,
		normalize: normalize.Text,
		attempts:  uint64(max(cfg.DispatchAttempts, 1)),
		backoff:   millis(cfg.DispatchBackoffMS, 100*time.Millisecond),
		sleep:     sleepContext,
		tracer:    tracer,
		logger:    logger,
	}
	s.download = &downloader{
		coord:     s.coord,
		in:        s.synth,
		out:       s.play,
		providers: providers,
		profile:   s.Voice,
		poll:      poll,
		idle:      millis(cfg.DownloadIdleMS, time.Second),
		sleep:     sleepContext,
		onFatal:   s.setFatal,
		tracer:    tracer,
		logger:    logger.With(slog.String("worker", "download")),
	}
	s.playWorker = &playbackWorker{
		coord:   s.coord,
		in:      s.play,
		state:   s.playback,
		player:  player,
		profile: s.Voice,
		poll:    poll,
		idle:    millis(cfg.PlaybackIdleMS, 200*time.Millisecond),
		sleep:   sleepContext,
		onFatal: s.setFatal,
		release: s.releaseAudio,
		logger:  logger.With(slog.String("worker", "playback")),
	}
	return s
}

// Start registers metrics and launches the workers.
func (s *Speaker) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("speaker already started")
	}
	s.started = true
	s.mu.Unlock()

	m, err := newMetrics(otel.Meter(instrumentationName), s)
	if err != nil {
		s.logger.Warn("failed to register speech metrics", slogError(err))
	} else {
		s.dispatcher.metrics = m
		s.download.metrics = m
		s.playWorker.metrics = m
		s.coord.onDrop = func(stage string, n int) {
			m.superseded(s.ctx, stage, n)
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.download.run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.playWorker.run(s.ctx)
	}()

	s.logger.Info("speech pipeline started", slog.Bool("offline", s.Voice() == nil))
	return nil
}

// Close stops the workers and any playback.
func (s *Speaker) Close() {
	s.cancel()
	if err := s.playback.halt(); err != nil {
		s.logger.Debug("terminate playback failed", slogError(err))
	}
	s.wg.Wait()
}

// Healthy reports whether no fatal error has been recorded.
func (s *Speaker) Healthy() bool {
	return s.Err() == nil
}

// Err returns the recorded fatal error, if any.
func (s *Speaker) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Speaker) setFatal(err error) {
	s.logger.Error("speech pipeline misconfigured", slogError(err))
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Push starts a new stream, superseding any stream in flight, and yields the
// caller-facing events produced while segmenting tokens. Every assistant
// chunk is dispatched for synthesis before it is yielded unless a fatal error
// is recorded. A non-nil error is the last value yielded.
func (s *Speaker) Push(ctx context.Context, tokens iter.Seq[Token]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		tag := s.coord.BeginStream()
		// A misconfigured pipeline still supersedes the old stream and
		// segments the new one; nothing is dispatched and the recorded
		// error is yielded last.
		fatal := s.Err()
		seg := NewSegmenter(tag, s.coord.Current, SegmentOptions{
			InSegments:   s.cfg.SpeakInSegments,
			UseFallbacks: s.cfg.UseFallbacks,
			MinWordGaps:  s.cfg.MinWordGaps,
			Persona:      s.Voice(),
			Trigger:      fallback.Triggered,
		})

		stopped := false
		err := seg.Segment(tokens, func(ev Event) error {
			if ev.Key == KeyAssistant && fatal == nil {
				s.dispatcher.metrics.chunkEmitted(ctx)
				if _, err := s.dispatcher.Dispatch(ctx, tag, ev.Text); err != nil {
					return err
				}
			}
			if !yield(ev, nil) {
				stopped = true
				return errStop
			}
			return nil
		})
		if stopped {
			return
		}
		if err == nil {
			err = s.Err()
		}
		if err != nil {
			yield(Event{}, err)
		}
	}
}

// Interrupt supersedes the current stream without starting a new one.
func (s *Speaker) Interrupt() Tag {
	return s.coord.BeginStream()
}

// Speaking reports whether audio is playing or about to play.
func (s *Speaker) Speaking() bool {
	return s.playback.speaking.Load()
}

// Voice returns the active profile, nil in offline mode.
func (s *Speaker) Voice() *voice.Profile {
	return s.profile.Load()
}

// SetVoice swaps the active profile and discards everything in flight. A nil
// profile switches to offline mode.
func (s *Speaker) SetVoice(p *voice.Profile) {
	s.profile.Store(p)
	s.coord.BeginStream()
	s.mu.Lock()
	s.fatal = nil
	s.mu.Unlock()
	if p == nil {
		s.logger.Info("voice cleared, speech offline")
		return
	}
	s.logger.Info("voice selected", slog.String("voice", p.DisplayName), slog.Int("provider_id", p.ProviderID))
}

// releaseAudio removes a downloaded file once it has played or gone stale.
// Only files under the configured audio directory are touched.
func (s *Speaker) releaseAudio(ref string) {
	if s.cfg.AudioDir == "" || ref == "" {
		return
	}
	dir, err := filepath.Abs(s.cfg.AudioDir)
	if err != nil {
		return
	}
	path, err := filepath.Abs(ref)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("remove audio failed", slog.String("path", path), slogError(err))
	}
}

func millis(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
