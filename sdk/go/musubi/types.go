package musubi

import (
	"encoding/json"
	"time"
)

// RegisterRequest describes the component being registered. ID is optional;
// when empty the server derives one from Name.
type RegisterRequest struct {
	ID             string         `json:"id,omitempty"`
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
type ToolInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Category    string         `json:"category,omitempty"`
}

// RegisterResponse carries the assigned component ID and the bearer token
// for subsequent heartbeat and unregister calls.
type RegisterResponse struct {
	ComponentID  string    `json:"component_id"`
	Token        string    `json:"token"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status          string    `json:"status"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Component is a registry entry as returned by Query.
type Component struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Type            string    `json:"type"`
	Endpoint        string    `json:"endpoint"`
	Capabilities    []string  `json:"capabilities"`
	Status          string    `json:"status"`
	ToolCount       int       `json:"tool_count"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ToolSpec is a registered tool. Its globally unique ID is
// "owner_component_id:name".
type ToolSpec struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Schema           map[string]any `json:"schema,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Category         string         `json:"category,omitempty"`
	OwnerComponentID string         `json:"owner_component_id"`
}

// RouteResponse carries the routed component's reply. Body is the upstream
// response verbatim when it is valid JSON, or a JSON string otherwise.
type RouteResponse struct {
	ComponentID string          `json:"component_id"`
	ToolID      string          `json:"tool_id,omitempty"`
	StatusCode  int             `json:"status_code"`
	Attempts    int             `json:"attempts"`
	Body        json.RawMessage `json:"body"`
}

// MessageHeaders identify a published message.
type MessageHeaders struct {
	MessageID string            `json:"message_id"`
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Message is one bus message, as published or replayed from history.
type Message struct {
	Headers MessageHeaders  `json:"headers"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelInfo describes a bus channel.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Subscribers int       `json:"subscribers"`
	HistoryLen  int       `json:"history_len"`
}

// QueryOptions filter a component query. Zero values match everything.
type QueryOptions struct {
	Capability  string
	Type        string
	HealthyOnly bool
}

// HealthResponse is the hub's health report.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Components    int     `json:"components"`
	Channels      int     `json:"channels"`
	Snapshots     string  `json:"snapshots"`
}
