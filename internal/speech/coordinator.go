package speech

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Coordinator owns the active correlation tag. It is the only writer of the
// tag; every pipeline stage reads it to decide whether its work is stale.
type Coordinator struct {
	mu       sync.Mutex
	current  atomic.Pointer[Tag]
	synth    *Queue[Job]
	play     *Queue[Item]
	playback *playbackState
	mint     func() Tag
	onDrop   func(stage string, n int)
	release  func(audioRef string)
	logger   *slog.Logger
}

func newCoordinator(synth *Queue[Job], play *Queue[Item], playback *playbackState, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		synth:    synth,
		play:     play,
		playback: playback,
		mint:     func() Tag { return Tag(uuid.NewString()) },
		logger:   logger,
	}
}

// Current returns the active tag, or "" while a new one is being installed.
func (c *Coordinator) Current() Tag {
	if t := c.current.Load(); t != nil {
		return *t
	}
	return ""
}

// Active reports whether tag is the live tag.
func (c *Coordinator) Active(tag Tag) bool {
	return tag != "" && tag == c.Current()
}

// BeginStream retires the live tag, stops playback, discards queued work
// and installs a fresh tag.
func (c *Coordinator) BeginStream() Tag {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Retire first so a worker racing with us sees a dead tag before it can
	// start anything new.
	c.current.Store(nil)

	if err := c.playback.halt(); err != nil {
		c.logger.Debug("terminate playback failed", slogError(err))
	}
	if n := len(c.synth.Drain()); n > 0 && c.onDrop != nil {
		c.onDrop("synthesis", n)
	}
	dropped := c.play.Drain()
	if len(dropped) > 0 && c.onDrop != nil {
		c.onDrop("playback", len(dropped))
	}
	if c.release != nil {
		for _, item := range dropped {
			c.release(item.AudioRef)
		}
	}

	tag := c.mint()
	c.current.Store(&tag)
	c.logger.Debug("stream started", slog.String("tag", string(tag)))
	return tag
}
