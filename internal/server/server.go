package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/krishnakanthb13/AntigravityManager/internal/account"
	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
	"github.com/krishnakanthb13/AntigravityManager/internal/ratelimit"
	"github.com/krishnakanthb13/AntigravityManager/internal/transform"
	"github.com/krishnakanthb13/AntigravityManager/internal/upstream"
)

// Server is the antigravityd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Pool        *account.Pool
	Transformer *transform.Transformer
	Dispatcher  *upstream.Dispatcher
	Settings    *config.SettingsStore
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Poller  *quota.Poller
	Broker  *Broker
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec, when set, is served at GET /openapi.yaml.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pool:                cfg.Pool,
		Transformer:         cfg.Transformer,
		Dispatcher:          cfg.Dispatcher,
		Poller:              cfg.Poller,
		Settings:            cfg.Settings,
		Broker:              cfg.Broker,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Chat completion endpoint (dialect-A wire format, no envelope).
	mux.HandleFunc("POST /v1/messages", h.HandleMessages)

	// Account management.
	mux.HandleFunc("GET /v1/accounts", h.HandleListAccounts)
	mux.HandleFunc("POST /v1/accounts", h.HandleAddAccount)
	mux.HandleFunc("POST /v1/accounts/sync-local", h.HandleSyncLocal)
	mux.HandleFunc("DELETE /v1/accounts/{id}", h.HandleDeleteAccount)
	mux.HandleFunc("POST /v1/accounts/{id}/switch", h.HandleSwitchAccount)
	mux.HandleFunc("POST /v1/accounts/{id}/refresh", h.HandleRefreshAccount)

	// Pool-wide quota aggregate.
	mux.HandleFunc("GET /v1/stats", h.HandleStats)

	// Settings.
	mux.HandleFunc("GET /v1/settings", h.HandleGetSettings)
	mux.HandleFunc("PUT /v1/settings", h.HandlePutSettings)

	// Event stream (no timeout middleware concerns; long-lived connection).
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Health (no envelope consumers depend on; keep it simple).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// OpenAPI spec.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
