package speech

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher turns chunks into synthesis jobs on the synthesis queue.
type Dispatcher struct {
	providers voice.Registry
	profile   func() *voice.Profile
	active    func(Tag) bool
	queue     *Queue[Job]
	normalize func(string) string
	attempts  uint64
	backoff   time.Duration
	sleep     func(context.Context, time.Duration) error
	metrics   *metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Dispatch normalizes text and enqueues a synthesis job tagged tag. It
// reports whether a job was queued. Text that normalizes to nothing worth
// saying, or a missing voice profile, is a success without a job.
//
// Synthesis failures are retried with linear backoff; the error returned
// after the last attempt is fatal for the stream. Configuration errors are
// returned immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, tag Tag, text string) (bool, error) {
	profile := d.profile()
	if profile == nil {
		return false, nil
	}
	if d.active != nil && !d.active(tag) {
		d.metrics.discard(ctx, "dispatch", "stale")
		return false, nil
	}

	ctx, span := d.tracer.Start(ctx, "speech.dispatch", trace.WithAttributes(
		attribute.String("speech.tag", string(tag)),
		attribute.Int("speech.provider_id", profile.ProviderID),
	))
	defer span.End()

	var (
		queued   bool
		provider voice.Provider
		attempt  int
	)
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * d.backoff, false
	})
	retries := uint64(0)
	if d.attempts > 1 {
		retries = d.attempts - 1
	}

	err := retry.Do(ctx, retry.WithMaxRetries(retries, backoff), func(ctx context.Context) error {
		speakable := d.normalize(text)
		if utf8.RuneCountInString(speakable) <= 1 {
			return nil
		}
		p, err := d.providers.Lookup(profile.ProviderID)
		if err != nil {
			return err
		}
		handle, err := p.Synthesize(ctx, profile.VoiceID, speakable)
		if err != nil {
			d.metrics.dispatchFailed(ctx, p.Name())
			d.logger.Warn("synthesis request failed", slog.String("provider", p.Name()), slogError(err))
			return retry.RetryableError(fmt.Errorf("synthesize with %s: %w", p.Name(), err))
		}
		d.queue.Push(Job{
			Tag:        tag,
			ProviderID: profile.ProviderID,
			VoiceID:    profile.VoiceID,
			Text:       speakable,
			Handle:     handle,
		})
		d.metrics.jobQueued(ctx, p.Name())
		queued, provider = true, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return false, fmt.Errorf("dispatch chunk: %w", err)
	}

	if queued {
		if pacing := provider.Pacing(); pacing > 0 {
			if err := d.sleep(ctx, pacing); err != nil {
				return true, err
			}
		}
	}
	return queued, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
