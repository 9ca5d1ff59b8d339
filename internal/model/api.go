package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. ComponentID is populated when the
// error concerns a specific component so operators can attribute failures.
type ErrorDetail struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ComponentID string `json:"component_id,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNoCapableComponent = "NO_CAPABLE_COMPONENT"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// ErrCodeForKind maps a hub error kind to its wire error code.
func ErrCodeForKind(kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return ErrCodeInvalidInput
	case KindAuth:
		return ErrCodeUnauthorized
	case KindNotFound:
		return ErrCodeNotFound
	case KindNoCapableComponent:
		return ErrCodeNoCapableComponent
	case KindUpstream:
		return ErrCodeUpstream
	case KindTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeInternalError
	}
}

// RegisterRequest is the request body for POST /v1/components.
type RegisterRequest struct {
	ID             string         `json:"id,omitempty"` // optional; generated from Name when empty
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	Type           string         `json:"type"`
	Endpoint       string         `json:"endpoint"`
	HealthEndpoint string         `json:"health_endpoint,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tools          []ToolInput    `json:"tools,omitempty"`
}

// ToolInput is a tool specification submitted at registration time.
// The owner is implied by the registering component.
type ToolInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Category    string         `json:"category,omitempty"`
}

// RegisterResponse is the response for POST /v1/components.
type RegisterResponse struct {
	ComponentID  string    `json:"component_id"`
	Token        string    `json:"token"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HeartbeatRequest is the request body for POST /v1/components/{id}/heartbeat.
// HealthStatus is the component's self-report: "healthy", "degraded",
// or "unhealthy".
type HeartbeatRequest struct {
	HealthStatus string `json:"health_status"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status          ComponentStatus `json:"status"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
}

// QueryFilter selects components in a registry query. Zero values match all.
type QueryFilter struct {
	Capability  string
	Type        string
	HealthyOnly bool
}

// RouteRequest is the request body for POST /v1/route. Target is either a
// literal tool ID ("component:tool") or a bare capability name.
type RouteRequest struct {
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// RouteResponse carries the upstream reply back to the caller. Body is the
// upstream response verbatim when it is valid JSON, or a JSON string of the
// raw bytes otherwise.
type RouteResponse struct {
	ComponentID string          `json:"component_id"`
	ToolID      string          `json:"tool_id,omitempty"`
	StatusCode  int             `json:"status_code"`
	Attempts    int             `json:"attempts"`
	Body        json.RawMessage `json:"body"`
}

// PublishRequest is the request body for POST /v1/channels/{topic}/messages.
type PublishRequest struct {
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CreateChannelRequest is the request body for PUT /v1/channels/{topic}.
type CreateChannelRequest struct {
	Description string `json:"description,omitempty"`
}

// SubscribeRequest is the request body for POST /v1/channels/{topic}/subscriptions.
type SubscribeRequest struct {
	URL string `json:"url"` // webhook push address
}

// SubscribeResponse returns the handle needed to unsubscribe.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
}
