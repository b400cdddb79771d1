package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speak/internal/voice"
)

// playbackState is the process-wide record of what is playing. Only the
// playback worker and the coordinator's halt mutate it.
type playbackState struct {
	mu       sync.Mutex
	proc     Process
	speaking atomic.Bool
}

// halt terminates the active process and clears the state.
func (s *playbackState) halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.proc != nil {
		err = s.proc.Terminate()
		s.proc = nil
	}
	s.speaking.Store(false)
	return err
}

type playbackWorker struct {
	coord   *Coordinator
	in      *Queue[Item]
	state   *playbackState
	player  Player
	profile func() *voice.Profile
	poll    time.Duration
	idle    time.Duration
	sleep   func(context.Context, time.Duration) error
	onFatal func(error)
	release func(audioRef string)
	metrics *metrics
	logger  *slog.Logger
}

func (w *playbackWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for ctx.Err() == nil {
		if w.profile() == nil {
			if err := w.sleep(ctx, w.idle); err != nil {
				return
			}
			continue
		}
		item, ok := w.in.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.in.Ready():
			case <-ticker.C:
			}
			continue
		}
		w.play(ctx, item)
	}
}

func (w *playbackWorker) play(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("playback worker recovered", slog.Any("panic", r))
		}
	}()

	w.state.mu.Lock()
	// Checked under the playback lock so a concurrent halt either sees the
	// process we start or we see the retired tag.
	if !w.coord.Active(item.Tag) {
		w.state.mu.Unlock()
		w.metrics.discard(ctx, "playback", "stale")
		w.releaseAudio(item.AudioRef)
		return
	}
	w.state.speaking.Store(true)
	proc, err := w.player.Start(item.AudioRef)
	if err != nil {
		if w.in.Len() == 0 {
			w.state.speaking.Store(false)
		}
		w.state.mu.Unlock()
		w.releaseAudio(item.AudioRef)
		if errors.Is(err, voice.ErrConfiguration) {
			w.onFatal(fmt.Errorf("play %s: %w", item.AudioRef, err))
			return
		}
		w.logger.Warn("failed to start playback", slog.String("audio", item.AudioRef), slogError(err))
		return
	}
	w.state.proc = proc
	w.state.mu.Unlock()

	w.metrics.playedOne(ctx)
	if err := proc.Wait(); err != nil {
		w.logger.Debug("playback process exited", slogError(err))
	}
	w.releaseAudio(item.AudioRef)

	w.state.mu.Lock()
	if w.state.proc == proc {
		w.state.proc = nil
	}
	if w.in.Len() == 0 {
		w.state.speaking.Store(false)
	}
	w.state.mu.Unlock()
}

func (w *playbackWorker) releaseAudio(ref string) {
	if w.release != nil {
		w.release(ref)
	}
}
