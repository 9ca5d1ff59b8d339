// Package mcp implements the Model Context Protocol surface for the hub.
//
// MCP-compatible AI agents get the same capabilities as the HTTP API:
// querying the component registry, browsing tools, invoking capability
// routing, and publishing to bus channels.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
)

// Server wraps the MCP server with the hub's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *registry.Service
	router    *router.Router
	bus       *bus.Bus
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(reg *registry.Service, rt *router.Router, b *bus.Bus, version string, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		router:   rt,
		bus:      b,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"musubi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// musubi://components — every live registration.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"musubi://components",
			"Registered Components",
			mcplib.WithResourceDescription("All components currently registered with the hub"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleComponentsResource,
	)

	// musubi://channels/{topic}/history — a channel's replay buffer.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"musubi://channels/{topic}/history",
			"Channel History",
			mcplib.WithTemplateDescription("Recent messages on a bus channel"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleHistoryResource,
	)
}

func (s *Server) registerTools() {
	// musubi_query — find components by capability/type/health.
	s.mcpServer.AddTool(
		mcplib.NewTool("musubi_query",
			mcplib.WithDescription("Find registered components, optionally filtered by capability, type, or health"),
			mcplib.WithString("capability", mcplib.Description("Filter by advertised capability")),
			mcplib.WithString("type", mcplib.Description("Filter by component type")),
			mcplib.WithBoolean("healthy_only", mcplib.Description("Only components eligible for routing")),
		),
		s.handleQueryTool,
	)

	// musubi_list_tools — browse the tool registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("musubi_list_tools",
			mcplib.WithDescription("List tools registered with the hub, optionally for one component"),
			mcplib.WithString("component_id", mcplib.Description("Restrict to one component's tools")),
		),
		s.handleListToolsTool,
	)

	// musubi_route — invoke a capability or exact tool.
	s.mcpServer.AddTool(
		mcplib.NewTool("musubi_route",
			mcplib.WithDescription("Route a JSON payload to a capable component. Target is a capability name or an exact tool ID (component:tool)."),
			mcplib.WithString("target", mcplib.Description("Capability name or tool ID"), mcplib.Required()),
			mcplib.WithString("payload", mcplib.Description("JSON payload to forward")),
			mcplib.WithNumber("timeout_ms", mcplib.Description("Per-call timeout in milliseconds")),
		),
		s.handleRouteTool,
	)

	// musubi_publish — publish to a bus channel.
	s.mcpServer.AddTool(
		mcplib.NewTool("musubi_publish",
			mcplib.WithDescription("Publish a JSON message to a bus channel, creating the channel if needed"),
			mcplib.WithString("topic", mcplib.Description("Channel name"), mcplib.Required()),
			mcplib.WithString("payload", mcplib.Description("JSON payload"), mcplib.Required()),
		),
		s.handlePublishTool,
	)
}

func (s *Server) handleComponentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	components := s.registry.Query(ctx, model.QueryFilter{})

	data, err := json.MarshalIndent(components, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal components: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "musubi://components",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleHistoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	topic := strings.TrimSuffix(strings.TrimPrefix(uri, "musubi://channels/"), "/history")
	if topic == "" || topic == uri {
		return nil, fmt.Errorf("mcp: invalid channel history URI: %s", uri)
	}

	history, err := s.bus.History(topic)
	if err != nil {
		return nil, fmt.Errorf("mcp: channel history: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"topic":    topic,
		"messages": history,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQueryTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.QueryFilter{
		Capability:  request.GetString("capability", ""),
		Type:        request.GetString("type", ""),
		HealthyOnly: request.GetBool("healthy_only", false),
	}

	components := s.registry.Query(ctx, filter)
	data, _ := json.Marshal(map[string]any{
		"components": components,
		"count":      len(components),
	})
	return textResult(string(data)), nil
}

func (s *Server) handleListToolsTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tools := s.registry.Store().ListTools(request.GetString("component_id", ""))
	data, _ := json.Marshal(map[string]any{
		"tools": tools,
		"count": len(tools),
	})
	return textResult(string(data)), nil
}

func (s *Server) handleRouteTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	target := request.GetString("target", "")
	if target == "" {
		return errorResult("target is required"), nil
	}

	payload := request.GetString("payload", "")
	if payload != "" && !json.Valid([]byte(payload)) {
		return errorResult("payload must be valid JSON"), nil
	}

	resp, err := s.router.Route(ctx, model.RouteRequest{
		Target:    target,
		Payload:   json.RawMessage(payload),
		TimeoutMS: request.GetInt("timeout_ms", 0),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("route failed: %v", err)), nil
	}

	data, _ := json.Marshal(resp)
	return textResult(string(data)), nil
}

func (s *Server) handlePublishTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topic := request.GetString("topic", "")
	payload := request.GetString("payload", "")
	if topic == "" || payload == "" {
		return errorResult("topic and payload are required"), nil
	}
	if !json.Valid([]byte(payload)) {
		return errorResult("payload must be valid JSON"), nil
	}

	msg, err := s.bus.Publish(ctx, topic, json.RawMessage(payload), map[string]string{"origin": "mcp"})
	if err != nil {
		return errorResult(fmt.Sprintf("publish failed: %v", err)), nil
	}

	data, _ := json.Marshal(msg.Headers)
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
