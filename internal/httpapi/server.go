// Package httpapi is the thin HTTP boundary over the pipeline engine: routes
// call engine/orchestrator operations and never hold business logic.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/enhance"
	"github.com/quorumlabs/agentpipeline/internal/hardening"
	"github.com/quorumlabs/agentpipeline/internal/sse"
)

// Server wires the engine and mode orchestrators behind a chi router.
type Server struct {
	router      chi.Router
	eng         *engine.Engine
	harden      *hardening.Orchestrator
	enhance     *enhance.Orchestrator
	sse         *sse.Handler
	logger      *slog.Logger
	corsOrigins []string
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins restricts CORS to the given origins; an empty list
// allows all origins ("*").
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithSSE overrides the SSE handler's heartbeat/poll/timeout settings.
func WithSSE(heartbeat, pollInterval, connTimeout time.Duration) Option {
	return func(s *Server) {
		if heartbeat > 0 {
			s.sse.SetHeartbeatFrequency(heartbeat)
		}
		if pollInterval > 0 {
			s.sse.SetPollInterval(pollInterval)
		}
		if connTimeout > 0 {
			s.sse.SetConnTimeout(connTimeout)
		}
	}
}

// NewServer builds the Server and its chi router.
func NewServer(eng *engine.Engine, harden *hardening.Orchestrator, enh *enhance.Orchestrator, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		eng:     eng,
		harden:  harden,
		enhance: enh,
		sse:     sse.NewHandler(eng),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/discover", s.handleDiscover)
		r.Post("/reset", s.handleReset)
		r.Post("/cancel", s.handleCancel)
		r.Post("/shutdown", s.handleShutdown)

		r.Route("/targets/{name}", func(r chi.Router) {
			r.Route("/harden", func(r chi.Router) {
				r.Post("/analysis", s.handleRunAnalysis)
				r.Post("/analysis/load", s.handleLoadExistingAnalysis)
				r.Post("/decision", s.handleSubmitDecision)
				r.Post("/retry-tests", s.handleRetryTests)
				r.Post("/retry-ci", s.handleRetryCi)
				r.Post("/retry-analysis", s.handleRetryAnalysis)
				r.Post("/ask", s.handleAskQuestion)
				r.Post("/explain", s.handleExplainFinding)
			})
			r.Route("/enhance", func(r chi.Router) {
				r.Post("/start", s.handleStartEnhance)
				r.Post("/decisions", s.handleSubmitDecisions)
				r.Post("/research/{index}/submit", s.handleSubmitResearch)
				r.Post("/research/{index}/reject", s.handleRejectResearchTopic)
				r.Post("/research/{index}/api", s.handleSubmitResearchApi)
				r.Post("/batches/replan", s.handleReplanBatches)
				r.Post("/batches/approve", s.handleApproveBatches)
				r.Post("/batches/retry", s.handleRetryBatch)
			})
		})
	})

	sse.RegisterRoutes(r, s.eng)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	data, err := s.eng.ToJSON()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Discover(r.Context()); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.eng.Reset()
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.eng.Control().Cancel()
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.eng.Shutdown(30 * time.Second)
	respondJSON(w, http.StatusOK, nil)
}
