// Package httpserver exposes the engine over HTTP: a session-creation
// endpoint and a server-sent-events stream per spec §6 ("Output event
// stream (to consumer): server-sent-events-like framing"). It never
// constructs sessions itself -- cmd/cortexd owns wiring the shared LLM
// backend, capability adapters, and per-agent configuration, and hands
// this package a Factory to call.
//
// Grounded on pkg/server/http.go's HTTPServer (Start/Shutdown over an
// errCh + ctx.Done select, graceful shutdown with a bounded timeout), cut
// down to chi+cors since this engine has no A2A/gRPC transport to share a
// mux with.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/session"
	"github.com/Trafexofive/Cortex-MK1-sub002/observability"
)

// Factory builds a fresh session for the named agent configuration.
// Supplied by the process entrypoint, which alone knows how to construct
// the shared backend/capability/feed/metadata components a session needs
// (internal/engine/session.New's parameters).
type Factory func(ctx context.Context, agentName string) (*session.Session, error)

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SetDefaults fills zero-valued timeouts.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Long enough for a slow-streaming SSE connection to stay open;
		// per-write deadlines aren't meaningful for a chunked response.
		c.WriteTimeout = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Server is the engine's HTTP transport.
type Server struct {
	cfg     Config
	factory Factory
	metrics *observability.Metrics
	tracer  *observability.Tracer
	log     *slog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*runningSession
}

type runningSession struct {
	sess   *session.Session
	cancel context.CancelFunc
}

// New builds a Server. metrics/tracer/log may be nil; a nil logger falls
// back to slog.Default().
func New(cfg Config, factory Factory, metrics *observability.Metrics, tracer *observability.Tracer, log *slog.Logger) *Server {
	cfg.SetDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		factory:  factory,
		metrics:  metrics,
		tracer:   tracer,
		log:      log,
		sessions: make(map[string]*runningSession),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		if h := s.metrics.Handler(); h != nil {
			r.Method(http.MethodGet, "/metrics", h)
		}
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{sessionID}/events", s.handleSessionEvents)
		r.Delete("/{sessionID}", s.handleDeleteSession)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// within cfg.ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server and cancels every still-running
// session so their fire-and-forget actions get the drain grace window
// (spec §6: "process SIGTERM (flush in-flight fire-and-forget up to grace
// window, then abandon)").
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	for _, rs := range s.sessions {
		rs.cancel()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerSession(rs *runningSession) {
	s.mu.Lock()
	s.sessions[rs.sess.ID] = rs
	s.mu.Unlock()
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// ReapIdle cancels every registered session that has gone longer than d
// without an event (spec §3: "destroyed at session end or after idle
// timeout"). Intended to be called periodically by the process
// entrypoint; the session's own Run loop does the actual teardown once
// its context is cancelled.
func (s *Server) ReapIdle(d time.Duration) {
	s.mu.Lock()
	var idle []*runningSession
	for _, rs := range s.sessions {
		if rs.sess.IdleTimeout(d) {
			idle = append(idle, rs)
		}
	}
	s.mu.Unlock()

	for _, rs := range idle {
		s.log.Info("reaping idle session", "session_id", rs.sess.ID)
		rs.cancel()
	}
}

func (s *Server) lookupSession(id string) (*runningSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sessions[id]
	return rs, ok
}

type createSessionRequest struct {
	Agent string `json:"agent"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	EventsURL string `json:"events_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("httpserver: decoding request: %w", err))
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("httpserver: \"agent\" is required"))
		return
	}

	sess, err := s.factory(r.Context(), req.Agent)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("httpserver: building session: %w", err))
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{sess: sess, cancel: cancel}
	s.registerSession(rs)
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}

	go func() {
		defer s.unregisterSession(sess.ID)
		reason := sess.Run(runCtx)
		if s.metrics != nil {
			s.metrics.SessionEnded(string(reason))
		}
		s.log.Info("session ended", "session_id", sess.ID, "reason", reason)
	}()

	resp := createSessionResponse{
		SessionID: sess.ID,
		EventsURL: fmt.Sprintf("/v1/sessions/%s/events", sess.ID),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rs, ok := s.lookupSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("httpserver: no such session %q", id))
		return
	}
	rs.cancel()
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "request_id": uuid.NewString()})
}
