// Package server exposes the orchestrator over HTTP: generation,
// comparison, chat, cost estimation and the usage and health surfaces.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/ratelimit"
)

// Options carry the request defaults and advisory budgets handlers
// need. The cost ceiling is informational: it shows up in usage
// reports and never blocks a request.
type Options struct {
	DefaultTemperature float64
	DailyCostCeiling   float64
}

type Server struct {
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.Limiter // nil disables rate limiting
	opts    Options
	logger  zerolog.Logger
	router  chi.Router
}

func New(orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		orch:    orch,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the fully wired route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"modelmux"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/v1/generate", s.handleGenerate)
		r.Post("/v1/compare", s.handleCompare)
		r.Post("/v1/chat", s.handleChat)
		r.Post("/v1/structured", s.handleStructured)
		r.Post("/v1/estimate", s.handleEstimate)
		r.Get("/v1/providers", s.handleProviders)
		r.Get("/v1/providers/{provider}/models", s.handleModels)
		r.Get("/v1/conversations/{sessionID}", s.handleConversation)
		r.Get("/v1/health", s.handleHealth)
		r.Get("/v1/usage", s.handleUsage)
	})

	return r
}

// requestLogger logs every request through zerolog after it settles.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// rateLimit budgets requests per minute per caller. Callers are keyed
// by X-API-Key when present, else by client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-API-Key")
		if caller == "" {
			caller = clientHost(r.RemoteAddr)
		}

		allowed, err := s.limiter.Allow(r.Context(), caller)
		if err != nil || !allowed {
			if err != nil {
				s.logger.Warn().Err(err).Msg("rate limiter check failed")
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
