package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speak/internal/voice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// downloader moves finished synthesis jobs onto the playback queue.
type downloader struct {
	coord     *Coordinator
	in        *Queue[Job]
	out       *Queue[Item]
	providers voice.Registry
	profile   func() *voice.Profile
	poll      time.Duration
	idle      time.Duration
	sleep     func(context.Context, time.Duration) error
	onFatal   func(error)
	metrics   *metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

func (w *downloader) run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for ctx.Err() == nil {
		if w.profile() == nil {
			if err := w.sleep(ctx, w.idle); err != nil {
				return
			}
			continue
		}
		job, ok := w.in.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.in.Ready():
			case <-ticker.C:
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *downloader) process(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("download worker recovered", slog.Any("panic", r))
		}
	}()

	if !w.coord.Active(job.Tag) {
		w.metrics.discard(ctx, "download", "stale")
		return
	}

	provider, err := w.providers.Lookup(job.ProviderID)
	if err != nil {
		w.onFatal(err)
		return
	}

	ctx, span := w.tracer.Start(ctx, "speech.download", trace.WithAttributes(
		attribute.String("speech.tag", string(job.Tag)),
		attribute.String("speech.provider", provider.Name()),
	))
	ref, err := provider.Download(ctx, job.VoiceID, job.Handle)
	span.End()
	if err != nil {
		if errors.Is(err, voice.ErrConfiguration) {
			w.onFatal(fmt.Errorf("download with %s: %w", provider.Name(), err))
			return
		}
		w.logger.Warn("download failed", slog.String("provider", provider.Name()), slogError(err))
		w.metrics.discard(ctx, "download", "failed")
		return
	}
	if ref == "" {
		w.metrics.discard(ctx, "download", "not_ready")
		return
	}

	w.out.Push(Item{Tag: job.Tag, AudioRef: ref})

	if pacing := provider.Pacing(); pacing > 0 {
		_ = w.sleep(ctx, pacing)
	}
}
