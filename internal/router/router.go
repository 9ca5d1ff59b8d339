// Package router forwards work to registered components by capability or by
// exact tool ID. Capability targets rotate round-robin across routable
// providers; failed calls move on to the next untried provider up to a retry
// bound.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
)

var routerMeter = otel.GetMeterProvider().Meter("musubi/router")

const maxResponseBody = 4 << 20 // 4 MiB cap on upstream reply bodies

// Options configures a Router.
type Options struct {
	MaxRetries     int           // extra attempts after the first (default 2)
	DefaultTimeout time.Duration // per-route deadline when the caller sets none (default 10s)
}

// Router resolves route targets against the record store and forwards the
// payload over HTTP.
type Router struct {
	store  *registry.Store
	client *http.Client
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	rr map[string]int // per-capability round-robin cursor
}

// New creates a Router. A nil client falls back to a plain http.Client;
// per-call deadlines come from the request context.
func New(store *registry.Store, client *http.Client, opts Options, logger *slog.Logger) *Router {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Router{
		store:  store,
		client: client,
		opts:   opts,
		logger: logger,
		rr:     make(map[string]int),
	}
}

// Route resolves target and forwards payload to a provider. A target
// containing ":" is an exact tool ID and goes to that tool's owner; anything
// else is a capability name served round-robin by its routable providers.
// When no provider qualifies it fails with a no-capable-component error
// before any network I/O.
func (r *Router) Route(ctx context.Context, req model.RouteRequest) (model.RouteResponse, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return model.RouteResponse{}, model.E(model.KindValidation, "route target is required")
	}

	timeout := r.opts.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.Contains(target, ":") {
		return r.routeTool(ctx, target, req.Payload)
	}
	return r.routeCapability(ctx, target, req.Payload)
}

// routeTool forwards to the single owner of an exact tool ID. No retry: the
// target names one component, so there is nobody else to try.
func (r *Router) routeTool(ctx context.Context, toolID string, payload json.RawMessage) (model.RouteResponse, error) {
	tool, ok := r.store.GetTool(toolID)
	if !ok {
		return model.RouteResponse{}, model.E(model.KindNotFound, "unknown tool %q", toolID)
	}
	owner, _, ok := r.store.Get(tool.OwnerComponentID)
	if !ok || !owner.Status.Routable() {
		return model.RouteResponse{}, model.E(model.KindNoCapableComponent,
			"tool %q has no routable provider", toolID).WithComponent(tool.OwnerComponentID)
	}

	resp, err := r.forward(ctx, owner, owner.Endpoint+"/tools/"+tool.Name, payload)
	if err != nil {
		r.count(ctx, "musubi.router.failures")
		return model.RouteResponse{}, r.classify(err, toolID, owner.ID)
	}
	resp.ToolID = toolID
	resp.Attempts = 1
	r.count(ctx, "musubi.router.routed")
	return resp, nil
}

// routeCapability picks providers round-robin and retries the next untried
// one after a failed call, up to MaxRetries extra attempts.
func (r *Router) routeCapability(ctx context.Context, capability string, payload json.RawMessage) (model.RouteResponse, error) {
	candidates := r.store.Candidates(capability)
	if len(candidates) == 0 {
		r.count(ctx, "musubi.router.no_candidates")
		return model.RouteResponse{}, model.E(model.KindNoCapableComponent,
			"no routable component provides capability %q", capability)
	}

	start := r.advance(capability, len(candidates))
	attempts := min(r.opts.MaxRetries+1, len(candidates))

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		candidate := candidates[(start+i)%len(candidates)]
		resp, err := r.forward(ctx, candidate, candidate.Endpoint+"/capabilities/"+capability, payload)
		if err != nil {
			lastErr = err
			r.logger.Warn("route attempt failed",
				"capability", capability,
				"component_id", candidate.ID,
				"attempt", i+1,
				"error", err)
			continue
		}
		resp.Attempts = i + 1
		r.count(ctx, "musubi.router.routed")
		return resp, nil
	}

	r.count(ctx, "musubi.router.failures")
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return model.RouteResponse{}, r.classify(lastErr, capability, "")
}

// advance returns the current cursor for a capability and moves it forward.
func (r *Router) advance(capability string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.rr[capability] % n
	r.rr[capability]++
	return cur
}

// forward POSTs the payload and reads the reply. HTTP 5xx counts as a failed
// attempt; any other status is returned to the caller as-is.
func (r *Router) forward(ctx context.Context, c model.Component, url string, payload json.RawMessage) (model.RouteResponse, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return model.RouteResponse{}, fmt.Errorf("router: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Musubi-Component", c.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return model.RouteResponse{}, fmt.Errorf("router: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return model.RouteResponse{}, fmt.Errorf("router: read response from %s: %w", url, err)
	}
	if resp.StatusCode >= 500 {
		return model.RouteResponse{}, fmt.Errorf("router: %s returned status %d", url, resp.StatusCode)
	}

	if !json.Valid(body) {
		quoted, merr := json.Marshal(string(body))
		if merr != nil {
			quoted = json.RawMessage(`""`)
		}
		body = quoted
	}
	return model.RouteResponse{
		ComponentID: c.ID,
		StatusCode:  resp.StatusCode,
		Body:        body,
	}, nil
}

// classify maps a transport failure onto the error model: deadline problems
// become timeout errors, everything else is an upstream error wrapping the
// cause.
func (r *Router) classify(err error, target, componentID string) error {
	kind := model.KindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = model.KindTimeout
	}
	e := model.E(kind, "route %q failed", target).WithCause(err)
	if componentID != "" {
		e = e.WithComponent(componentID)
	}
	return e
}

func (r *Router) count(ctx context.Context, name string) {
	if counter, err := routerMeter.Int64Counter(name); err == nil {
		counter.Add(ctx, 1)
	}
}
