// Package server implements the HTTP API for the musubi coordination hub.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry     *registry.Service
	bus          *bus.Bus
	router       *router.Router
	logger       *slog.Logger
	startedAt    time.Time
	version      string
	maxBodyBytes int64
	openapiSpec  []byte
	adminKeyHash string // argon2id hash; empty disables admin endpoints
	pinger       Pinger
}

// Pinger reports snapshot backend connectivity for the health endpoint.
// Optional; nil means no snapshot backend is configured.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Router, OpenAPISpec, AdminKeyHash, Pinger.
type HandlersDeps struct {
	Registry     *registry.Service
	Bus          *bus.Bus
	Router       *router.Router
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
	OpenAPISpec  []byte
	AdminKeyHash string
	Pinger       Pinger
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		registry:     d.Registry,
		bus:          d.Bus,
		router:       d.Router,
		logger:       d.Logger,
		startedAt:    time.Now(),
		version:      d.Version,
		maxBodyBytes: d.MaxBodyBytes,
		openapiSpec:  d.OpenAPISpec,
		adminKeyHash: d.AdminKeyHash,
		pinger:       d.Pinger,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	snapshots := "disabled"
	if h.pinger != nil {
		snapshots = "connected"
		if err := h.pinger.Ping(r.Context()); err != nil {
			snapshots = "disconnected"
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"components":     h.registry.Store().Len(),
		"channels":       len(h.bus.Channels()),
		"snapshots":      snapshots,
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "openapi spec not embedded")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
