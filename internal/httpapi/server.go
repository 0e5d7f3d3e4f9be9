package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dextora/dextora/internal/chat"
	"github.com/dextora/dextora/internal/config"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/session"
)

const maxRequestBody = 1 << 20

type liveConn struct {
	ctrl  *chat.Controller
	close func()
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	deps     chat.Deps
	metrics  *observability.Metrics
	prof     *profiler.Profiler
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     map[string]*liveConn
	closing  bool
	handlers sync.WaitGroup
}

func New(cfg config.Config, sessions *session.Manager, deps chat.Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	if deps.Profiler == nil {
		deps.Profiler = profiler.Default
	}
	if deps.NativeMSPerChar <= 0 {
		deps.NativeMSPerChar = cfg.NativeMSPerChar
	}
	if deps.RevealFallback <= 0 {
		deps.RevealFallback = cfg.RevealFallbackDuration
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		deps:     deps,
		metrics:  deps.Metrics,
		prof:     deps.Profiler,
		log:      deps.Logger.With().Str("component", "httpapi").Logger(),
		live:     make(map[string]*liveConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the serving origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Get("/v1/chat/session/{id}/transcript", s.handleTranscript)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Post("/v1/chat/complete", s.handleComplete)
	r.Post("/v1/tts/preview", s.handlePreviewTTS)

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleClearPerfLatency)
	r.Get("/v1/perf/latency/ws", s.handlePerfLatencyWS)

	return r
}

// ExpireSession closes the live connection of an expired session, if any.
func (s *Server) ExpireSession(id string) {
	s.mu.Lock()
	lc := s.live[id]
	s.mu.Unlock()
	if lc != nil {
		lc.close()
	}
}

// CloseLive closes every live connection, waits for the controllers'
// background work to settle, and refuses new connections afterwards. It
// returns ctx.Err() if the handlers have not exited in time.
func (s *Server) CloseLive(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*liveConn, 0, len(s.live))
	for _, lc := range s.live {
		conns = append(conns, lc)
	}
	s.mu.Unlock()

	for _, lc := range conns {
		lc.close()
	}
	for _, lc := range conns {
		lc.ctrl.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"llm_provider": s.cfg.LLMProvider,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID, req.Muted)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Muted:           sess.Muted,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.ExpireSession(id)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.deps.Store == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": []any{}})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.deps.Store.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msgs == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": msgs})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(raw, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
