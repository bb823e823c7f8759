// Package server assembles the gateway's HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/surveyor-gateway/internal/api/middleware"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
	"github.com/tjfontaine/surveyor-gateway/internal/pipeline"
)

// Config holds the HTTP surface settings.
type Config struct {
	Port           int
	ClientID       string
	AllowedOrigins []string
}

// Deps are the components the routes delegate to.
type Deps struct {
	Logger    *slog.Logger
	Pipeline  *pipeline.Pipeline
	Forwarder http.Handler
	Quota     QuotaReporter
	AuthMode  string
	Gatherer  prometheus.Gatherer

	// Now defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LoggingMiddleware(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "surveyor-gateway")
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(deps.Pipeline.Handler)

	h := &handlers{
		clientID: cfg.ClientID,
		quota:    deps.Quota,
		authMode: deps.AuthMode,
		now:      deps.Now,
	}

	r.Get("/health", h.health)
	r.Get("/api/user/config", h.config)
	r.Get("/openapi.json", h.openAPI)
	r.Get("/docs", h.docs)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Get("/api/user/me", h.me)
	r.Get("/api/user/rate-limit", h.rateLimit)
	r.Handle("/api/*", deps.Forwarder)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		pipeline.WriteJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	})

	return &Server{
		Router: r,
		Port:   cfg.Port,
		logger: deps.Logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// streams included, until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}
