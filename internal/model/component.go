package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ComponentStatus represents the health lifecycle of a registered component.
//
// Transitions: REGISTERED → HEALTHY → DEGRADED → UNHEALTHY → EXPIRED.
// EXPIRED is terminal — the record is removed from the store in the same
// operation that assigns it.
type ComponentStatus string

const (
	StatusRegistered ComponentStatus = "REGISTERED"
	StatusHealthy    ComponentStatus = "HEALTHY"
	StatusDegraded   ComponentStatus = "DEGRADED"
	StatusUnhealthy  ComponentStatus = "UNHEALTHY"
	StatusExpired    ComponentStatus = "EXPIRED"
)

// Alive reports whether a component in this status is still registered.
func (s ComponentStatus) Alive() bool {
	return s != StatusExpired && s != ""
}

// Routable reports whether the router may select a component in this status
// as a candidate for a capability call.
func (s ComponentStatus) Routable() bool {
	return s == StatusHealthy || s == StatusRegistered
}

// Component is one registered process known to the hub.
type Component struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Type           string          `json:"type"`
	Endpoint       string          `json:"endpoint"`
	HealthEndpoint string          `json:"health_endpoint"`
	Capabilities   []string        `json:"capabilities"`
	Status         ComponentStatus `json:"status"`
	Metadata       map[string]any  `json:"metadata,omitempty"`

	// RegistrationID changes on every (re-)registration of the same ID.
	// Tokens embed it, which is what invalidates old tokens atomically
	// when a component re-registers.
	RegistrationID uuid.UUID `json:"-"`

	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// HasCapability reports whether the component advertises the named capability.
func (c *Component) HasCapability(capability string) bool {
	for _, cap := range c.Capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// ComponentSummary is the query-result projection of a Component.
// It omits the registration internals that only the registry needs.
type ComponentSummary struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Type            string          `json:"type"`
	Endpoint        string          `json:"endpoint"`
	Capabilities    []string        `json:"capabilities"`
	Status          ComponentStatus `json:"status"`
	ToolCount       int             `json:"tool_count"`
	RegisteredAt    time.Time       `json:"registered_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
}

// MaxComponentIDLen bounds component IDs so they stay usable as log fields,
// metric labels, and tool_id prefixes.
const MaxComponentIDLen = 128

// ValidateComponentID checks that a component ID conforms to the identifier
// grammar: one or more of [A-Za-z0-9_]. Dots and hyphens are rejected because
// ":" and the URL path syntax give them meaning elsewhere (tool IDs, routes).
func ValidateComponentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("component id is required")
	}
	if len(id) > MaxComponentIDLen {
		return fmt.Errorf("component id must be at most %d characters", MaxComponentIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return fmt.Errorf("component id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// GenerateComponentID derives a component ID from a display name: characters
// outside the identifier grammar are replaced with underscores and a short
// random suffix is appended so concurrent registrations of the same name
// don't collide.
func GenerateComponentID(name string) string {
	var b strings.Builder
	for i := 0; i < len(name) && b.Len() < 32; i++ {
		c := name[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("component")
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return b.String() + "_" + suffix
}
