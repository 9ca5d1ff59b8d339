package model

import (
	"fmt"
	"strings"
)

// ToolSpec describes one callable tool exposed by a component.
//
// The tool ID is always "<owner_component_id>:<name>", which makes tool IDs
// globally unique without a separate allocator and lets the store shard a
// tool lookup by its owner.
type ToolSpec struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Schema           map[string]any `json:"schema,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Category         string         `json:"category,omitempty"`
	OwnerComponentID string         `json:"owner_component_id"`
}

// ID returns the globally unique tool identifier.
func (t *ToolSpec) ID() string {
	return ToolID(t.OwnerComponentID, t.Name)
}

// ToolID composes a tool identifier from its owner and tool name.
func ToolID(componentID, name string) string {
	return componentID + ":" + name
}

// SplitToolID splits a tool identifier into owner component ID and tool name.
func SplitToolID(toolID string) (componentID, name string, err error) {
	componentID, name, ok := strings.Cut(toolID, ":")
	if !ok || componentID == "" || name == "" {
		return "", "", fmt.Errorf("malformed tool id %q: want <component_id>:<tool_name>", toolID)
	}
	return componentID, name, nil
}

// MaxToolNameLen bounds tool names; they appear in URLs and metric labels.
const MaxToolNameLen = 128

// ValidateToolName checks a tool name: non-empty, bounded, and free of the
// ":" separator and whitespace so the composed tool ID stays parseable.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLen {
		return fmt.Errorf("tool name must be at most %d characters", MaxToolNameLen)
	}
	if strings.ContainsAny(name, ": \t\n/") {
		return fmt.Errorf("tool name %q contains a reserved character", name)
	}
	return nil
}
