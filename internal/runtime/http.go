package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/nats-io/nats.go"
)

type statusResponse struct {
	Runtime  string         `json:"runtime"`
	Ready    bool           `json:"ready"`
	Speaking bool           `json:"speaking"`
	Voice    *voice.Profile `json:"voice"`
	Error    string         `json:"error,omitempty"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/events", r.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) healthy() bool {
	return r.ready.Load() &&
		r.bus != nil && r.bus.Healthy() &&
		r.speaker != nil && r.speaker.Healthy() &&
		r.responder != nil && r.responder.Healthy()
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Runtime: r.cfg.RuntimeName, Ready: r.healthy()}
	if r.speaker != nil {
		resp.Speaking = r.speaker.Speaking()
		resp.Voice = r.speaker.Voice()
		if err := r.speaker.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("status encode failed", slog.String("error", err.Error()))
	}
}

type sessionEvent struct {
	ID        int64           `json:"id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// handleSessionEvents returns the recorded timeline of one session, oldest
// first. An ephemeral store always answers with an empty list.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("list session events failed", slog.String("error", err.Error()))
		http.Error(w, "list events failed", http.StatusInternalServerError)
		return
	}

	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		se := sessionEvent{ID: e.ID, TraceID: e.TraceID, Type: e.Type, CreatedAt: e.CreatedAt}
		switch {
		case len(e.Payload) == 0:
		case json.Valid(e.Payload):
			se.Payload = e.Payload
		default:
			se.Payload, _ = json.Marshal(string(e.Payload))
		}
		out = append(out, se)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		r.logger.Warn("session events encode failed", slog.String("error", err.Error()))
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// handleEvents relays every stream event and final status on the bus to a
// websocket client until either side goes away.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.bus == nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	msgs := make(chan *nats.Msg, 64)
	var subs []*nats.Subscription
	for _, subject := range []string{protocol.SubjectEventsWildcard, protocol.SubjectDoneWildcard} {
		sub, err := r.bus.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			r.logger.Warn("event feed subscribe failed", slog.String("error", err.Error()))
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.quit:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-req.Context().Done():
			return
		case msg := <-msgs:
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		}
	}
}
