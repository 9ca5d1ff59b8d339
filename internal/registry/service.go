package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/model"
)

// Publisher is the slice of the message bus the registry needs: best-effort
// event publication. The registry never fails an operation because an event
// could not be published.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload json.RawMessage, headers map[string]string) (model.Message, error)
}

// Health status strings accepted in heartbeat reports.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

var registryMeter = otel.GetMeterProvider().Meter("musubi/registry")

// Service validates and processes register/heartbeat/unregister requests
// against the Store, issues and checks component tokens, and publishes
// lifecycle events on the bus.
type Service struct {
	store  *Store
	tokens *auth.TokenManager
	bus    Publisher
	logger *slog.Logger
}

// NewService creates a registration service. bus may be nil in tests.
func NewService(store *Store, tokens *auth.TokenManager, bus Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, tokens: tokens, bus: bus, logger: logger}
}

// Store exposes the underlying record store for read-side collaborators
// (router, MCP surface, snapshotter).
func (s *Service) Store() *Store { return s.store }

// Register validates the request, installs (or atomically replaces) the
// component record together with its tool set, and returns a fresh token.
// Re-registering an existing ID is idempotent per ID, not additive: the old
// record and token are gone the moment the new record lands.
func (s *Service) Register(ctx context.Context, req model.RegisterRequest) (model.RegisterResponse, error) {
	if err := validateRegisterRequest(&req); err != nil {
		return model.RegisterResponse{}, err
	}

	id := req.ID
	if id == "" {
		id = model.GenerateComponentID(req.Name)
	} else if err := model.ValidateComponentID(id); err != nil {
		return model.RegisterResponse{}, model.E(model.KindValidation, "invalid component id: %v", err)
	}

	tools, err := buildToolSpecs(id, req.Tools)
	if err != nil {
		return model.RegisterResponse{}, err
	}

	now := time.Now().UTC()
	component := model.Component{
		ID:              id,
		Name:            req.Name,
		Version:         req.Version,
		Type:            req.Type,
		Endpoint:        strings.TrimRight(req.Endpoint, "/"),
		HealthEndpoint:  req.HealthEndpoint,
		Capabilities:    append([]string(nil), req.Capabilities...),
		Status:          model.StatusRegistered,
		Metadata:        req.Metadata,
		RegistrationID:  uuid.New(),
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if component.HealthEndpoint == "" {
		component.HealthEndpoint = component.Endpoint + "/health"
	}

	token, err := s.tokens.IssueToken(component.ID, component.RegistrationID)
	if err != nil {
		return model.RegisterResponse{}, fmt.Errorf("registry: issue token: %w", err)
	}

	s.store.Put(component, tools)

	s.logger.Info("component registered",
		"component_id", component.ID,
		"type", component.Type,
		"capabilities", component.Capabilities,
		"tools", len(tools))
	addCounter(ctx, "musubi.registry.registrations")

	s.publishEvent(ctx, model.TopicComponentRegistered, component)

	return model.RegisterResponse{
		ComponentID:  component.ID,
		Token:        token,
		RegisteredAt: component.RegisteredAt,
	}, nil
}

// Heartbeat records a liveness report. The reported health status takes
// effect immediately: an explicit "unhealthy" marks the component UNHEALTHY
// even if the heartbeat itself arrived on time.
func (s *Service) Heartbeat(ctx context.Context, componentID, token, healthStatus string) (model.HeartbeatResponse, error) {
	status, err := statusFromReport(healthStatus)
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	if err := s.authorize(componentID, token); err != nil {
		return model.HeartbeatResponse{}, err
	}

	var resp model.HeartbeatResponse
	ok := s.store.Mutate(componentID, func(c *model.Component) {
		c.LastHeartbeatAt = time.Now().UTC()
		c.Status = status
		resp.Status = c.Status
		resp.LastHeartbeatAt = c.LastHeartbeatAt
	})
	if !ok {
		// Authorized a moment ago but evicted since — surface as unknown.
		return model.HeartbeatResponse{}, model.E(model.KindNotFound, "unknown component").WithComponent(componentID)
	}

	addCounter(ctx, "musubi.registry.heartbeats")
	return resp, nil
}

// Unregister removes the component record and cascades removal of its tools,
// then publishes a component_removed event.
func (s *Service) Unregister(ctx context.Context, componentID, token string) error {
	if err := s.authorize(componentID, token); err != nil {
		return err
	}
	if !s.remove(ctx, componentID, "unregister") {
		return model.E(model.KindNotFound, "unknown component").WithComponent(componentID)
	}
	return nil
}

// Evict removes a component exactly as if it had unregistered, without a
// token check. Callers are the heartbeat monitor (hard TTL crossed) and the
// admin force-removal endpoint.
func (s *Service) Evict(ctx context.Context, componentID, reason string) bool {
	return s.remove(ctx, componentID, reason)
}

// Query returns summaries of components matching the filter. Pure read.
func (s *Service) Query(_ context.Context, filter model.QueryFilter) []model.ComponentSummary {
	return s.store.Query(filter)
}

func (s *Service) remove(ctx context.Context, componentID, reason string) bool {
	component, tools, ok := s.store.Delete(componentID)
	if !ok {
		return false
	}
	component.Status = model.StatusExpired

	s.logger.Info("component removed",
		"component_id", componentID,
		"reason", reason,
		"tools_removed", len(tools))
	addCounter(ctx, "musubi.registry.removals")

	s.publishEvent(ctx, model.TopicComponentRemoved, component)
	return true
}

// authorize validates the token signature and checks that the embedded
// registration ID matches the live record, so tokens from before a
// re-registration are rejected.
func (s *Service) authorize(componentID, token string) error {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return model.E(model.KindAuth, "invalid token").WithComponent(componentID).WithCause(err)
	}
	if claims.ComponentID != componentID {
		return model.E(model.KindAuth, "token does not match component").WithComponent(componentID)
	}
	component, _, ok := s.store.Get(componentID)
	if !ok {
		return model.E(model.KindNotFound, "unknown component").WithComponent(componentID)
	}
	if component.RegistrationID != claims.RegistrationID {
		return model.E(model.KindAuth, "token superseded by re-registration").WithComponent(componentID)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, topic string, component model.Component) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"component_id": component.ID,
		"name":         component.Name,
		"type":         component.Type,
		"capabilities": component.Capabilities,
		"status":       component.Status,
	})
	if err != nil {
		return
	}
	if _, err := s.bus.Publish(ctx, topic, payload, nil); err != nil {
		s.logger.Warn("registry: event publish failed", "topic", topic, "error", err)
	}
}

func validateRegisterRequest(req *model.RegisterRequest) error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"name", req.Name},
		{"version", req.Version},
		{"type", req.Type},
		{"endpoint", req.Endpoint},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return model.E(model.KindValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if err := validateEndpoint(req.Endpoint); err != nil {
		return model.E(model.KindValidation, "invalid endpoint: %v", err)
	}
	if req.HealthEndpoint != "" {
		if err := validateEndpoint(req.HealthEndpoint); err != nil {
			return model.E(model.KindValidation, "invalid health_endpoint: %v", err)
		}
	}
	for _, capability := range req.Capabilities {
		if strings.TrimSpace(capability) == "" {
			return model.E(model.KindValidation, "capabilities must not contain empty entries")
		}
	}
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https scheme (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}
	return nil
}

func buildToolSpecs(componentID string, inputs []model.ToolInput) ([]model.ToolSpec, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(inputs))
	tools := make([]model.ToolSpec, 0, len(inputs))
	for _, in := range inputs {
		if err := model.ValidateToolName(in.Name); err != nil {
			return nil, model.E(model.KindValidation, "invalid tool: %v", err).WithComponent(componentID)
		}
		if seen[in.Name] {
			return nil, model.E(model.KindValidation, "duplicate tool id %q", model.ToolID(componentID, in.Name)).WithComponent(componentID)
		}
		seen[in.Name] = true
		tools = append(tools, model.ToolSpec{
			Name:             in.Name,
			Description:      in.Description,
			Schema:           in.Schema,
			Tags:             append([]string(nil), in.Tags...),
			Category:         in.Category,
			OwnerComponentID: componentID,
		})
	}
	return tools, nil
}

func statusFromReport(healthStatus string) (model.ComponentStatus, error) {
	switch healthStatus {
	case HealthHealthy, "":
		return model.StatusHealthy, nil
	case HealthDegraded:
		return model.StatusDegraded, nil
	case HealthUnhealthy:
		return model.StatusUnhealthy, nil
	default:
		return "", model.E(model.KindValidation, "unknown health_status %q", healthStatus)
	}
}

// addCounter bumps a named counter; instruments are lazily created and
// recording is best-effort.
func addCounter(ctx context.Context, name string) {
	if counter, err := registryMeter.Int64Counter(name); err == nil {
		counter.Add(ctx, 1)
	}
}
