package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
	"github.com/ashita-ai/musubi/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()

	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	b := bus.New(bus.Options{}, logger)
	t.Cleanup(b.Close)

	store := registry.NewStore()
	reg := registry.NewService(store, tokens, b, logger)
	rt := router.New(store, nil, router.Options{}, logger)

	return New(reg, rt, b, "test", logger)
}

func register(t *testing.T, s *Server, id, endpoint string, tools ...model.ToolInput) {
	t.Helper()
	_, err := s.registry.Register(context.Background(), model.RegisterRequest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Type:         "worker",
		Endpoint:     endpoint,
		Capabilities: []string{"search"},
		Tools:        tools,
	})
	require.NoError(t, err)
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	var request mcplib.CallToolRequest
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestQueryTool(t *testing.T) {
	s := newTestServer(t)
	register(t, s, "worker_1", "http://worker:9000")

	result, err := s.handleQueryTool(context.Background(), callRequest(map[string]any{
		"capability": "search",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var data struct {
		Components []model.ComponentSummary `json:"components"`
		Count      int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &data))
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "worker_1", data.Components[0].ID)
}

func TestListToolsTool(t *testing.T) {
	s := newTestServer(t)
	register(t, s, "worker_1", "http://worker:9000",
		model.ToolInput{Name: "lookup"}, model.ToolInput{Name: "suggest"})

	result, err := s.handleListToolsTool(context.Background(), callRequest(map[string]any{
		"component_id": "worker_1",
	}))
	require.NoError(t, err)

	var data struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &data))
	assert.Equal(t, 2, data.Count)
}

func TestRouteTool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"answer":42}`)
	}))
	defer upstream.Close()

	s := newTestServer(t)
	register(t, s, "worker_1", upstream.URL, model.ToolInput{Name: "lookup"})

	result, err := s.handleRouteTool(context.Background(), callRequest(map[string]any{
		"target":  "worker_1:lookup",
		"payload": `{"q":"x"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var resp model.RouteResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Equal(t, "worker_1", resp.ComponentID)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Body))
}

func TestRouteToolNoCandidates(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRouteTool(context.Background(), callRequest(map[string]any{
		"target": "summarize",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRouteToolValidation(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRouteTool(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRouteTool(context.Background(), callRequest(map[string]any{
		"target":  "search",
		"payload": "{not json",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPublishTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handlePublishTool(context.Background(), callRequest(map[string]any{
		"topic":   "tasks",
		"payload": `{"task":"index"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var headers model.MessageHeaders
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &headers))
	assert.Equal(t, "tasks", headers.Topic)

	history, err := s.bus.History("tasks")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "mcp", history[0].Headers.Extra["origin"])
}

func TestComponentsResource(t *testing.T) {
	s := newTestServer(t)
	register(t, s, "worker_1", "http://worker:9000")

	var request mcplib.ReadResourceRequest
	request.Params.URI = "musubi://components"
	contents, err := s.handleComponentsResource(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, "worker_1")
}

func TestHistoryResource(t *testing.T) {
	s := newTestServer(t)
	_, err := s.bus.Publish(context.Background(), "tasks", json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)

	var request mcplib.ReadResourceRequest
	request.Params.URI = "musubi://channels/tasks/history"
	contents, err := s.handleHistoryResource(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"topic": "tasks"`)

	request.Params.URI = "musubi://bogus"
	_, err = s.handleHistoryResource(context.Background(), request)
	require.Error(t, err)
}
