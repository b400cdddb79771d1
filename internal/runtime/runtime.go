package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/llm"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/player"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/provider"
	"github.com/loqalabs/loqa-speak/internal/responder"
	"github.com/loqalabs/loqa-speak/internal/speech"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

// streamRetention bounds how long JetStream keeps speech events.
const streamRetention = 24 * time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	metricsServer *http.Server
	quit          chan struct{}
	quitOnce      sync.Once

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	speaker    *speech.Speaker
	responder  *responder.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stop()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	mainMetrics := metricsHandler
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer)
		mainMetrics = nil
	}
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(mainMetrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.stop()
	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// startServices brings up the bus, storage and the speech pipeline in
// dependency order.
func (r *Runtime) startServices(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Bus.Embedded {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		cfg.Bus.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, cfg.RuntimeName, cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient
	if err := busClient.EnsureStream(protocol.StreamSpeech, []string{protocol.SubjectEventsWildcard, protocol.SubjectDoneWildcard}, streamRetention); err != nil {
		r.logger.Warn("speech stream unavailable, events are not retained", slog.String("error", err.Error()))
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	providers, err := provider.New(cfg.Providers, cfg.Speech.AudioDir, r.logger)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	audioPlayer, err := player.New(cfg.Player, r.logger)
	if err != nil {
		return fmt.Errorf("init player: %w", err)
	}
	profile, err := loadVoice(ctx, cfg.Voice, store)
	if err != nil {
		return err
	}

	r.speaker = speech.NewSpeaker(ctx, cfg.Speech, providers, audioPlayer, profile, r.logger)
	if err := r.speaker.Start(); err != nil {
		return fmt.Errorf("start speaker: %w", err)
	}

	var generator llm.Generator
	if cfg.LLM.Enabled {
		generator, err = llm.New(cfg.LLM)
		if err != nil {
			return fmt.Errorf("init llm: %w", err)
		}
	}
	r.responder = responder.NewService(ctx, cfg.Responder, cfg.LLM, busClient, generator, r.speaker, store, r.logger)
	if err := r.responder.Start(); err != nil {
		return fmt.Errorf("start responder: %w", err)
	}
	return nil
}

// stop tears down whatever startServices brought up, newest first.
func (r *Runtime) stop() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.quitOnce.Do(func() { close(r.quit) })
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.responder != nil {
		r.responder.Close()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// loadVoice resolves the startup voice. A catalog id wins over the inline
// profile, which is saved to the catalog so it can be selected again later.
// No voice at all means speech starts offline.
func loadVoice(ctx context.Context, cfg config.VoiceConfig, store *eventstore.Store) (*voice.Profile, error) {
	if cfg.ProfileID != 0 {
		profile, err := store.Voice(ctx, cfg.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("load voice profile: %w", err)
		}
		return profile, nil
	}
	if cfg.ProviderID == 0 {
		return nil, nil
	}
	profile, err := store.PutVoice(ctx, voice.Profile{
		ProviderID:  cfg.ProviderID,
		VoiceID:     cfg.VoiceID,
		DisplayName: cfg.DisplayName,
		KnownFrom:   cfg.KnownFrom,
		Verb:        cfg.Verb,
	})
	if err != nil {
		return nil, fmt.Errorf("save voice profile: %w", err)
	}
	return &profile, nil
}
