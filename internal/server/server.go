package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/ratelimit"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
)

// Server is the musubi HTTP server.
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Pinger, OpenAPISpec.
type Config struct {
	// Required dependencies.
	Registry *registry.Service
	Bus      *bus.Bus
	Router   *router.Router
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Pinger    Pinger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// AdminKeyHash guards the force-removal endpoints; empty disables them.
	AdminKeyHash string

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:     cfg.Registry,
		Bus:          cfg.Bus,
		Router:       cfg.Router,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:  cfg.OpenAPISpec,
		AdminKeyHash: cfg.AdminKeyHash,
		Pinger:       cfg.Pinger,
	})

	// Rate limit rules: registration floods come from addresses, heartbeat
	// floods from individual components.
	registerRL := rateLimitMiddleware(cfg.Limiter, "register", ipKeyFunc)
	heartbeatRL := rateLimitMiddleware(cfg.Limiter, "heartbeat", componentKeyFunc)

	mux := http.NewServeMux()

	// Component lifecycle.
	mux.Handle("POST /v1/components", registerRL(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /v1/components/{component_id}/heartbeat", heartbeatRL(http.HandlerFunc(h.HandleHeartbeat)))
	mux.HandleFunc("DELETE /v1/components/{component_id}", h.HandleUnregister)
	mux.HandleFunc("GET /v1/components", h.HandleQueryComponents)

	// Tool registry.
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)
	mux.HandleFunc("GET /v1/tools/{tool_id}", h.HandleGetTool)

	// Capability routing.
	mux.HandleFunc("POST /v1/route", h.HandleRoute)

	// Message bus.
	mux.HandleFunc("GET /v1/channels", h.HandleListChannels)
	mux.HandleFunc("PUT /v1/channels/{topic}", h.HandleCreateChannel)
	mux.HandleFunc("POST /v1/channels/{topic}/messages", h.HandlePublish)
	mux.HandleFunc("GET /v1/channels/{topic}/messages", h.HandleHistory)
	mux.HandleFunc("GET /v1/channels/{topic}/subscribe", h.HandleSubscribeSSE)
	mux.HandleFunc("POST /v1/channels/{topic}/subscriptions", h.HandleSubscribeWebhook)
	mux.HandleFunc("DELETE /v1/subscriptions/{subscription_id}", h.HandleUnsubscribe)

	// Admin force removal (disabled without a configured key).
	adminOnly := requireAdminKey(cfg.AdminKeyHash)
	mux.Handle("DELETE /v1/admin/components/{component_id}", adminOnly(http.HandlerFunc(h.HandleAdminEvict)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

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
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// requireAdminKey gates a route on the X-Admin-Key header matching the
// configured hash. Verification runs against a dummy hash when the header or
// configuration is absent, keeping response timing uniform.
func requireAdminKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "admin endpoints disabled")
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				auth.DummyVerify()
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing admin key")
				return
			}
			ok, err := auth.VerifyAdminKey(key, keyHash)
			if err != nil || !ok {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
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
