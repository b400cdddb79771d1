package speech

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-speak/speech"

type metrics struct {
	chunks           metric.Int64Counter
	jobs             metric.Int64Counter
	discarded        metric.Int64Counter
	played           metric.Int64Counter
	dispatchFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter, s *Speaker) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.chunks, err = meter.Int64Counter("loqa.speech.chunks", metric.WithDescription("Speakable chunks emitted")); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter("loqa.speech.jobs", metric.WithDescription("Synthesis jobs queued")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("loqa.speech.discarded", metric.WithDescription("Units dropped because their stream was superseded or produced no audio")); err != nil {
		return nil, err
	}
	if m.played, err = meter.Int64Counter("loqa.speech.played", metric.WithDescription("Audio artifacts played")); err != nil {
		return nil, err
	}
	if m.dispatchFailures, err = meter.Int64Counter("loqa.speech.dispatch_failures", metric.WithDescription("Failed synthesis requests")); err != nil {
		return nil, err
	}

	synthDepth, err := meter.Int64ObservableGauge("loqa.speech.synthesis_queue", metric.WithDescription("Jobs waiting for download"))
	if err != nil {
		return nil, err
	}
	playDepth, err := meter.Int64ObservableGauge("loqa.speech.playback_queue", metric.WithDescription("Audio waiting for playback"))
	if err != nil {
		return nil, err
	}
	speaking, err := meter.Int64ObservableGauge("loqa.speech.speaking", metric.WithDescription("1 while audio is playing"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(synthDepth, int64(s.synth.Len()))
		obs.ObserveInt64(playDepth, int64(s.play.Len()))
		var v int64
		if s.Speaking() {
			v = 1
		}
		obs.ObserveInt64(speaking, v)
		return nil
	}, synthDepth, playDepth, speaking)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) chunkEmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}

func (m *metrics) jobQueued(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *metrics) discard(ctx context.Context, stage, reason string) {
	if m == nil {
		return
	}
	m.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage), attribute.String("reason", reason)))
}

func (m *metrics) superseded(ctx context.Context, stage string, n int) {
	if m == nil {
		return
	}
	m.discarded.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage), attribute.String("reason", "superseded")))
}

func (m *metrics) playedOne(ctx context.Context) {
	if m == nil {
		return
	}
	m.played.Add(ctx, 1)
}

func (m *metrics) dispatchFailed(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
