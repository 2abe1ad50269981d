// Package api wires the HTTP surface: router, middleware stack and server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/alqutdigital/docqa-agent/internal/api/handlers"
	"github.com/alqutdigital/docqa-agent/internal/api/middleware"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// CORS settings
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int

	// RequestTimeout bounds non-upload requests. Uploads embed synchronously
	// and get UploadTimeout instead.
	RequestTimeout time.Duration
	UploadTimeout  time.Duration

	Session middleware.SessionConfig

	EnableRateLimiting bool
	RateLimitConfig    middleware.RateLimitConfig
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Content-Type", "X-Request-ID", middleware.SessionHeader},
		ExposedHeaders:     []string{"X-Request-ID", middleware.SessionHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials:   false,
		MaxAge:             300,
		RequestTimeout:     60 * time.Second,
		UploadTimeout:      5 * time.Minute,
		Session:            middleware.DefaultSessionConfig(),
		EnableRateLimiting: true,
		RateLimitConfig:    middleware.DefaultRateLimitConfig(),
	}
}

// SessionStore is the persistence the router needs: the handler reads plus
// session upserts.
type SessionStore interface {
	handlers.Database
	middleware.SessionToucher
}

// Dependencies holds all dependencies required by the API handlers.
// ObjectStorage, RateLimitStore, WSHub and ProgressSink may be nil.
type Dependencies struct {
	Logger         *slog.Logger
	Store          SessionStore
	ObjectStorage  handlers.ObjectStorage
	Pipeline       handlers.Ingester
	ChatService    handlers.ChatService
	ProgressSink   ingest.ProgressSink
	RateLimitStore middleware.RateLimitStore
	WSHub          WSHub
	// HealthChecks are reported by /health; a nil entry shows as disabled.
	HealthChecks map[string]handlers.HealthChecker
}

// WSHub serves the progress WebSocket.
type WSHub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// NewRouter creates and configures a new Chi router with all middleware and routes.
func NewRouter(deps Dependencies, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   config.AllowedMethods,
		AllowedHeaders:   config.AllowedHeaders,
		ExposedHeaders:   config.ExposedHeaders,
		AllowCredentials: config.AllowCredentials,
		MaxAge:           config.MaxAge,
	}))

	var rateLimiter *middleware.RateLimiter
	if config.EnableRateLimiting {
		store := deps.RateLimitStore
		if store == nil {
			store = middleware.NewMemoryRateLimitStore()
		}
		rateLimiter = middleware.NewRateLimiter(store, config.RateLimitConfig, logger)
	}
	limit := func(name string) func(http.Handler) http.Handler {
		if rateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return rateLimiter.Middleware(name)
	}

	// Health and WebSocket routes carry no session and no timeout.
	r.Get("/health", handlers.HealthCheck(deps.HealthChecks))
	r.Get("/ready", handlers.ReadyCheck(deps.Store))
	if deps.WSHub != nil {
		r.Get("/ws", deps.WSHub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Session(deps.Store, config.Session, logger))

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.UploadTimeout))
			r.With(limit(middleware.LimitUpload)).Post("/documents", handlers.HandleUpload(deps.Pipeline, deps.ProgressSink, logger))
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.RequestTimeout))

			r.With(limit(middleware.LimitChat)).Post("/chat", handlers.HandleChat(deps.ChatService, logger))

			r.Group(func(r chi.Router) {
				r.Use(limit("default"))

				r.Get("/chat", handlers.HandleChatHistory(deps.ChatService, logger))
				r.Get("/documents", handlers.ListDocuments(deps.Store, logger))
				r.Delete("/documents", handlers.DeleteDocument(deps.Store, deps.ObjectStorage, logger))
				r.Get("/documents/{id}", handlers.GetDocument(deps.Store, logger))
				r.Delete("/documents/{id}", handlers.DeleteDocument(deps.Store, deps.ObjectStorage, logger))
				r.Get("/documents/{id}/download", handlers.HandleDownload(deps.Store, deps.ObjectStorage, logger))
				r.Get("/session", handlers.GetSession(deps.Store, logger))
				r.Get("/debug", handlers.HandleDebug(deps.Store, logger))
			})
		})
	})

	return r
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         formatAddr(config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		logger: logger.With("component", "http_server"),
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func formatAddr(host string, port int) string {
	if host == "" {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
