// Package responder connects bus requests to a generator and the speech
// pipeline, mirroring every pipeline event back onto the bus.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/llm"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/speech"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/nats-io/nats.go"
)

// Speaker is the part of the speech pipeline the responder drives.
type Speaker interface {
	Push(ctx context.Context, tokens iter.Seq[speech.Token]) iter.Seq2[speech.Event, error]
	Interrupt() speech.Tag
	SetVoice(p *voice.Profile)
}

type Service struct {
	cfg          config.ResponderConfig
	llmCfg       config.LLMConfig
	bus          *bus.Client
	generator    llm.Generator
	speaker      Speaker
	store        *eventstore.Store
	logger       *slog.Logger
	subRequest   *nats.Subscription
	subInterrupt *nats.Subscription
	subVoice     *nats.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	mu      sync.Mutex
	current *activeRequest
}

type activeRequest struct {
	session string
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(parent context.Context, cfg config.ResponderConfig, llmCfg config.LLMConfig, busClient *bus.Client, generator llm.Generator, speaker Speaker, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		llmCfg:    llmCfg,
		bus:       busClient,
		generator: generator,
		speaker:   speaker,
		store:     store,
		logger:    logger.With(slog.String("component", "responder")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectSpeakRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subRequest = sub

	subInterrupt, err := conn.Subscribe(protocol.SubjectInterrupt, s.handleInterrupt)
	if err != nil {
		s.subRequest.Drain()
		return err
	}
	s.subInterrupt = subInterrupt

	subVoice, err := conn.Subscribe(protocol.SubjectVoiceSelect, s.handleVoiceSelect)
	if err != nil {
		s.subRequest.Drain()
		s.subInterrupt.Drain()
		return err
	}
	s.subVoice = subVoice
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range []*nats.Subscription{s.subRequest, s.subInterrupt, s.subVoice} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subRequest != nil && s.subInterrupt != nil && s.subVoice != nil)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("responder failed to decode request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.Text) == "" {
		return
	}
	if req.Text == "" && s.generator == nil {
		s.logger.Warn("prompt dropped, no generator configured", slog.String("session_id", req.SessionID))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	active := s.begin(req.SessionID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(active)
		s.respond(active.ctx, req)
	}()
}

// begin cancels the request in flight and registers a new one.
func (s *Service) begin(session string) *activeRequest {
	ctx, cancel := context.WithCancel(s.ctx)
	active := &activeRequest{session: session, ctx: ctx, cancel: cancel}
	s.mu.Lock()
	if s.current != nil {
		s.current.cancel()
	}
	s.current = active
	s.mu.Unlock()
	return active
}

func (s *Service) finish(active *activeRequest) {
	active.cancel()
	s.mu.Lock()
	if s.current == active {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	var req protocol.InterruptRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("responder failed to decode interrupt", slogError(err))
			return
		}
	}
	s.mu.Lock()
	if s.current != nil && req.SessionID != "" && s.current.session != req.SessionID {
		s.mu.Unlock()
		return
	}
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
	s.mu.Unlock()
	s.speaker.Interrupt()
	s.logger.Info("speech interrupted", slog.String("session_id", req.SessionID))
}

func (s *Service) handleVoiceSelect(msg *nats.Msg) {
	var req protocol.VoiceSelect
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("responder failed to decode voice select", slogError(err))
		return
	}
	if req.ProfileID == 0 {
		s.speaker.SetVoice(nil)
		return
	}
	if s.store == nil {
		s.logger.Warn("voice select without a voice catalog", slog.Int64("profile_id", req.ProfileID))
		return
	}
	profile, err := s.store.Voice(s.ctx, req.ProfileID)
	if err != nil {
		s.logger.Warn("responder failed to load voice", slog.Int64("profile_id", req.ProfileID), slogError(err))
		return
	}
	s.speaker.SetVoice(profile)
}

func (s *Service) respond(ctx context.Context, req protocol.SpeakRequest) {
	s.record(ctx, req.SessionID, req.TraceID, eventstore.TypeRequest, req)
	s.logger.Info("speak request",
		slog.String("session_id", req.SessionID),
		slog.String("prompt", req.Prompt),
		slog.String("tier", req.Tier))

	tier := req.Tier
	if tier == "" {
		tier = s.cfg.DefaultTier
	}
	status := protocol.SpeechStatus{SessionID: req.SessionID, TraceID: req.TraceID}
	var response strings.Builder

	for regenerated := false; ; regenerated = true {
		response.Reset()
		gen := &generation{}
		var tokens iter.Seq[speech.Token]
		if req.Text != "" {
			tokens = single(speech.Text(req.Text))
		} else {
			tokens = s.tokens(ctx, req, tier, gen)
		}

		regenerate := false
		for ev, err := range s.speaker.Push(ctx, tokens) {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					status.Error = err.Error()
				}
				break
			}
			s.publishEvent(ctx, req, ev)
			switch {
			case ev.Key == speech.KeyAssistant:
				if response.Len() > 0 {
					response.WriteByte(' ')
				}
				response.WriteString(ev.Text)
			case ev.Key == speech.KeyEvent && ev.Text == speech.EventFallback:
				status.Fallback = true
				regenerate = s.cfg.Regenerate && req.Text == "" && !regenerated && s.llmCfg.FallbackTier != ""
			}
			if regenerate {
				break
			}
		}
		if err := gen.Err(); err != nil && status.Error == "" && !errors.Is(err, context.Canceled) {
			status.Error = err.Error()
		}
		if !regenerate || ctx.Err() != nil {
			break
		}
		s.logger.Info("response broke character, regenerating",
			slog.String("session_id", req.SessionID),
			slog.String("tier", s.llmCfg.FallbackTier))
		tier = s.llmCfg.FallbackTier
	}

	final := strings.TrimSpace(strings.Trim(strings.TrimSpace(response.String()), `"`))
	s.logger.Info("speak response", slog.String("session_id", req.SessionID), slog.String("response", final))
	s.record(ctx, req.SessionID, req.TraceID, eventstore.TypeResponse, map[string]string{"content": final})

	status.Completed = status.Error == "" && ctx.Err() == nil
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.DoneSubject(req.SessionID), status); err != nil {
		s.logger.Warn("responder failed to publish status", slogError(err))
	}
	s.record(ctx, req.SessionID, req.TraceID, eventstore.TypeStatus, status)
}

func (s *Service) publishEvent(ctx context.Context, req protocol.SpeakRequest, ev speech.Event) {
	out := protocol.StreamEvent{
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		Key:       string(ev.Key),
		Value:     ev.Text,
		Language:  ev.Language,
		Code:      ev.Code,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.EventSubject(req.SessionID), out); err != nil {
		s.logger.Warn("responder failed to publish event", slogError(err))
	}
	s.record(ctx, req.SessionID, req.TraceID, eventstore.TypeStream, out)
}

func (s *Service) record(ctx context.Context, session, trace, typ string, v any) {
	if s.store == nil || !s.cfg.RecordEvents {
		return
	}
	// Interrupted requests are still recorded.
	ctx = context.WithoutCancel(ctx)
	if typ == eventstore.TypeRequest {
		if err := s.store.AppendSession(ctx, session, "loqa-speak", "internal"); err != nil {
			s.logger.Warn("responder failed to record session", slogError(err))
			return
		}
	}
	if err := s.store.AppendJSON(ctx, session, trace, typ, v); err != nil {
		s.logger.Warn("responder failed to record event", slog.String("type", typ), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
