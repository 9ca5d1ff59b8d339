package registry_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingBus captures events published by the registry.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload json.RawMessage, _ map[string]string) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return model.NewMessage(topic, payload, nil), nil
}

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

func newService(t *testing.T) (*registry.Service, *recordingBus) {
	t.Helper()
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)
	bus := &recordingBus{}
	return registry.NewService(registry.NewStore(), tokens, bus, testLogger()), bus
}

func registerReq(id string, caps ...string) model.RegisterRequest {
	return model.RegisterRequest{
		ID:           id,
		Name:         "Test " + id,
		Version:      "0.1.0",
		Type:         "worker",
		Endpoint:     "http://localhost:9000",
		Capabilities: caps,
	}
}

func TestRegisterAndQuery(t *testing.T) {
	svc, bus := newService(t)
	ctx := context.Background()

	resp, err := svc.Register(ctx, registerReq("worker_1", "search"))
	require.NoError(t, err)
	assert.Equal(t, "worker_1", resp.ComponentID)
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.RegisteredAt.IsZero())

	got := svc.Query(ctx, model.QueryFilter{Capability: "search"})
	require.Len(t, got, 1)
	assert.Equal(t, "worker_1", got[0].ID)
	assert.Equal(t, model.StatusRegistered, got[0].Status)

	assert.Equal(t, []string{model.TopicComponentRegistered}, bus.published())
}

func TestRegisterGeneratesID(t *testing.T) {
	svc, _ := newService(t)

	req := registerReq("", "search")
	req.Name = "Search Frontend"
	resp, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, model.ValidateComponentID(resp.ComponentID))
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*model.RegisterRequest)
	}{
		{"missing name", func(r *model.RegisterRequest) { r.Name = "" }},
		{"missing version", func(r *model.RegisterRequest) { r.Version = "" }},
		{"missing type", func(r *model.RegisterRequest) { r.Type = "" }},
		{"missing endpoint", func(r *model.RegisterRequest) { r.Endpoint = "" }},
		{"bad endpoint scheme", func(r *model.RegisterRequest) { r.Endpoint = "ftp://x" }},
		{"bad id grammar", func(r *model.RegisterRequest) { r.ID = "has-hyphen" }},
		{"empty capability entry", func(r *model.RegisterRequest) { r.Capabilities = []string{"search", " "} }},
		{"bad tool name", func(r *model.RegisterRequest) {
			r.Tools = []model.ToolInput{{Name: "has:colon"}}
		}},
		{"duplicate tool", func(r *model.RegisterRequest) {
			r.Tools = []model.ToolInput{{Name: "lookup"}, {Name: "lookup"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := registerReq("worker_1", "search")
			tt.mutate(&req)
			_, err := svc.Register(ctx, req)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindValidation), "got %v", err)
		})
	}
}

func TestRegisterDefaultsHealthEndpoint(t *testing.T) {
	svc, _ := newService(t)

	req := registerReq("worker_1", "search")
	req.Endpoint = "http://worker:9000/"
	_, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	c, _, ok := svc.Store().Get("worker_1")
	require.True(t, ok)
	assert.Equal(t, "http://worker:9000", c.Endpoint)
	assert.Equal(t, "http://worker:9000/health", c.HealthEndpoint)
}

func TestRegisterInstallsTools(t *testing.T) {
	svc, _ := newService(t)

	req := registerReq("search_1", "search")
	req.Tools = []model.ToolInput{
		{Name: "lookup", Description: "Look up a document"},
		{Name: "suggest"},
	}
	_, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	tool, ok := svc.Store().GetTool("search_1:lookup")
	require.True(t, ok)
	assert.Equal(t, "search_1", tool.OwnerComponentID)
	assert.Len(t, svc.Store().ListTools("search_1"), 2)
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Register(ctx, registerReq("worker_1", "search"))
	require.NoError(t, err)

	hb, err := svc.Heartbeat(ctx, "worker_1", resp.Token, "healthy")
	require.NoError(t, err)
	assert.Equal(t, model.StatusHealthy, hb.Status)

	// An explicit unhealthy report takes effect immediately.
	hb, err = svc.Heartbeat(ctx, "worker_1", resp.Token, "unhealthy")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnhealthy, hb.Status)

	hb, err = svc.Heartbeat(ctx, "worker_1", resp.Token, "degraded")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDegraded, hb.Status)

	_, err = svc.Heartbeat(ctx, "worker_1", resp.Token, "on-fire")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestHeartbeatAuth(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Register(ctx, registerReq("worker_1", "search"))
	require.NoError(t, err)

	_, err = svc.Heartbeat(ctx, "worker_1", "garbage-token", "healthy")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAuth))

	_, err = svc.Heartbeat(ctx, "unknown", resp.Token, "healthy")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAuth))
}

func TestReRegistrationInvalidatesOldToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, registerReq("worker_1", "search"))
	require.NoError(t, err)

	second, err := svc.Register(ctx, registerReq("worker_1", "search"))
	require.NoError(t, err)
	require.Equal(t, 1, svc.Store().Len(), "re-registration must replace, not duplicate")

	_, err = svc.Heartbeat(ctx, "worker_1", first.Token, "healthy")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAuth), "old token must fail after re-registration, got %v", err)

	_, err = svc.Heartbeat(ctx, "worker_1", second.Token, "healthy")
	require.NoError(t, err)
}

func TestUnregisterCascadesTools(t *testing.T) {
	svc, bus := newService(t)
	ctx := context.Background()

	req := registerReq("search_1", "search")
	req.Tools = []model.ToolInput{{Name: "lookup"}}
	resp, err := svc.Register(ctx, req)
	require.NoError(t, err)

	require.NoError(t, svc.Unregister(ctx, "search_1", resp.Token))

	assert.Empty(t, svc.Query(ctx, model.QueryFilter{}))
	assert.Empty(t, svc.Store().ListTools(""))
	_, ok := svc.Store().GetTool("search_1:lookup")
	assert.False(t, ok)

	assert.Equal(t, []string{model.TopicComponentRegistered, model.TopicComponentRemoved}, bus.published())

	// Second unregister: the component is gone, so the token no longer
	// matches a live registration.
	err = svc.Unregister(ctx, "search_1", resp.Token)
	require.Error(t, err)
}

func TestConcurrentReRegistrationNoDuplicates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := svc.Register(ctx, registerReq("worker_1", "search"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := svc.Query(ctx, model.QueryFilter{Capability: "search"})
	require.Len(t, got, 1, "concurrent re-registration must never duplicate a component")
}
