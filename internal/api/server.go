package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/config"
	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// SessionService creates and reads sessions. lifecycle.SessionManager
// satisfies it.
type SessionService interface {
	CreateSession(ctx context.Context, rawURL string) (qa.Session, error)
	GetSession(ctx context.Context, id string) (qa.Session, error)
}

// QuestionService creates and reads questions. lifecycle.QuestionManager
// satisfies it.
type QuestionService interface {
	CreateQuestion(ctx context.Context, sessionID, text string) (qa.Question, error)
	GetQuestion(ctx context.Context, sessionID, questionID string) (qa.Question, error)
	ListQuestions(ctx context.Context, sessionID string) ([]qa.Question, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the lifecycle managers.
type Server struct {
	router    chi.Router
	sessions  SessionService
	questions QuestionService
	ready     []Pinger
	logger    *zap.Logger
}

const maxBodyBytes = 64 << 10

// NewServer constructs a Server with middleware and routes. Each Pinger in
// ready is checked by /readyz.
func NewServer(
	sessions SessionService,
	questions QuestionService,
	ready []Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:  sessions,
		questions: questions,
		ready:     ready,
		logger:    logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/health", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/session", s.sessionRoutes)
		r.Route("/api/session", s.sessionRoutes)
	})

	s.router = r
	return s
}

func (s *Server) sessionRoutes(r chi.Router) {
	r.Post("/", s.createSession)
	r.Route("/{sessionId}", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Post("/question", s.createQuestion)
		r.Get("/questions", s.listQuestions)
		r.Get("/question/{questionId}", s.getQuestion)
	})
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
