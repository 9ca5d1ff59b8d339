package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/ratelimit"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
	"github.com/ashita-ai/musubi/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	srv *server.Server
	bus *bus.Bus
}

func newFixture(t *testing.T, mutate func(*server.Config)) *fixture {
	t.Helper()

	logger := testLogger()
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	b := bus.New(bus.Options{}, logger)
	t.Cleanup(b.Close)

	store := registry.NewStore()
	svc := registry.NewService(store, tokens, b, logger)

	cfg := server.Config{
		Registry:            svc,
		Bus:                 b,
		Router:              router.New(store, nil, router.Options{MaxRetries: 2}, logger),
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{srv: server.New(cfg), bus: b}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func registerBody(id, endpoint string, caps ...string) model.RegisterRequest {
	return model.RegisterRequest{
		ID:           id,
		Name:         "Test " + id,
		Version:      "1.0.0",
		Type:         "worker",
		Endpoint:     endpoint,
		Capabilities: caps,
	}
}

func (f *fixture) register(t *testing.T, req model.RegisterRequest) model.RegisterResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/components", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[model.RegisterResponse](t, rec)
}

func TestRegisterEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.register(t, registerBody("worker_1", "http://worker:9000", "search"))
	assert.Equal(t, "worker_1", resp.ComponentID)
	assert.NotEmpty(t, resp.Token)
}

func TestRegisterValidationError(t *testing.T) {
	f := newFixture(t, nil)

	body := registerBody("worker_1", "", "search")
	rec := f.do(t, http.MethodPost, "/v1/components", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/components", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.register(t, registerBody("worker_1", "http://worker:9000", "search"))

	rec := f.do(t, http.MethodPost, "/v1/components/worker_1/heartbeat",
		model.HeartbeatRequest{HealthStatus: "healthy"},
		map[string]string{"Authorization": "Bearer " + reg.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hb := decodeData[model.HeartbeatResponse](t, rec)
	assert.Equal(t, model.StatusHealthy, hb.Status)

	// Missing token.
	rec = f.do(t, http.MethodPost, "/v1/components/worker_1/heartbeat", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale token after re-registration.
	f.register(t, registerBody("worker_1", "http://worker:9000", "search"))
	rec = f.do(t, http.MethodPost, "/v1/components/worker_1/heartbeat",
		model.HeartbeatRequest{HealthStatus: "healthy"},
		map[string]string{"Authorization": "Bearer " + reg.Token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryComponents(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, registerBody("search_1", "http://a:9000", "search"))
	f.register(t, registerBody("sum_1", "http://b:9000", "summarize"))

	rec := f.do(t, http.MethodGet, "/v1/components?capability=search", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData[struct {
		Components []model.ComponentSummary `json:"components"`
		Count      int                      `json:"count"`
	}](t, rec)
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "search_1", data.Components[0].ID)
}

func TestUnregisterEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.register(t, registerBody("worker_1", "http://worker:9000", "search"))

	rec := f.do(t, http.MethodDelete, "/v1/components/worker_1", nil,
		map[string]string{"Authorization": "Bearer " + reg.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/components", nil, nil)
	data := decodeData[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Zero(t, data.Count)
}

func TestToolEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	body := registerBody("search_1", "http://worker:9000", "search")
	body.Tools = []model.ToolInput{{Name: "lookup", Description: "Find documents"}}
	f.register(t, body)

	rec := f.do(t, http.MethodGet, "/v1/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[struct {
		Tools []model.ToolSpec `json:"tools"`
		Count int              `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodGet, "/v1/tools/search_1:lookup", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tool := decodeData[model.ToolSpec](t, rec)
	assert.Equal(t, "lookup", tool.Name)
	assert.Equal(t, "search_1", tool.OwnerComponentID)

	rec = f.do(t, http.MethodGet, "/v1/tools/search_1:missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/lookup", r.URL.Path)
		fmt.Fprint(w, `{"answer":42}`)
	}))
	defer upstream.Close()

	f := newFixture(t, nil)
	body := registerBody("search_1", upstream.URL, "search")
	body.Tools = []model.ToolInput{{Name: "lookup"}}
	f.register(t, body)

	rec := f.do(t, http.MethodPost, "/v1/route",
		model.RouteRequest{Target: "search_1:lookup", Payload: json.RawMessage(`{"q":"x"}`)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	routed := decodeData[model.RouteResponse](t, rec)
	assert.Equal(t, "search_1", routed.ComponentID)
	assert.JSONEq(t, `{"answer":42}`, string(routed.Body))
}

func TestRouteNoCapableComponent(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/route",
		model.RouteRequest{Target: "summarize"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeNoCapableComponent, detail.Code)
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/v1/channels/tasks",
		model.CreateChannelRequest{Description: "work items"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Idempotent re-create.
	rec = f.do(t, http.MethodPut, "/v1/channels/tasks", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/channels/tasks/messages",
		model.PublishRequest{Payload: json.RawMessage(`{"task":"index"}`)}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	headers := decodeData[model.MessageHeaders](t, rec)
	assert.Equal(t, "tasks", headers.Topic)

	rec = f.do(t, http.MethodGet, "/v1/channels/tasks/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeData[struct {
		Messages []model.Message `json:"messages"`
		Count    int             `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, history.Count)

	rec = f.do(t, http.MethodGet, "/v1/channels/missing/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishRequiresPayload(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/channels/tasks/messages", model.PublishRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	received := make(chan model.Message, 4)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg model.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		received <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/channels/tasks/subscriptions",
		model.SubscribeRequest{URL: sink.URL}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decodeData[model.SubscribeResponse](t, rec)
	require.NotEmpty(t, sub.SubscriptionID)

	f.do(t, http.MethodPost, "/v1/channels/tasks/messages",
		model.PublishRequest{Payload: json.RawMessage(`{"n":1}`)}, nil)

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the message")
	}

	rec = f.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.SubscriptionID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.SubscriptionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "second unsubscribe hits an unknown handle")
}

func TestSubscribeSSEStreamsMessages(t *testing.T) {
	f := newFixture(t, nil)
	live := httptest.NewServer(f.srv.Handler())
	defer live.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, live.URL+"/v1/channels/tasks/subscribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish once the subscription is attached, then read frames until the
	// event arrives.
	_, err = f.bus.Publish(context.Background(), "tasks", json.RawMessage(`{"task":"index"}`), nil)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine, "no SSE data frame before stream end: %v", scanner.Err())

	var msg model.Message
	require.NoError(t, json.Unmarshal([]byte(dataLine), &msg))
	assert.Equal(t, "tasks", msg.Headers.Topic)
	assert.JSONEq(t, `{"task":"index"}`, string(msg.Payload))
}

func TestAdminEvict(t *testing.T) {
	keyHash, err := auth.HashAdminKey("sekrit")
	require.NoError(t, err)

	f := newFixture(t, func(cfg *server.Config) { cfg.AdminKeyHash = keyHash })
	f.register(t, registerBody("worker_1", "http://worker:9000", "search"))

	// No key.
	rec := f.do(t, http.MethodDelete, "/v1/admin/components/worker_1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	rec = f.do(t, http.MethodDelete, "/v1/admin/components/worker_1", nil,
		map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Right key removes the component without its token.
	rec = f.do(t, http.MethodDelete, "/v1/admin/components/worker_1", nil,
		map[string]string{"X-Admin-Key": "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/v1/admin/components/worker_1", nil,
		map[string]string{"X-Admin-Key": "sekrit"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodDelete, "/v1/admin/components/worker_1", nil,
		map[string]string{"X-Admin-Key": "anything"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 2)
	t.Cleanup(func() { _ = limiter.Close() })

	f := newFixture(t, func(cfg *server.Config) { cfg.Limiter = limiter })

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/components",
			registerBody("worker_1", "http://worker:9000", "search"), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/components",
		registerBody("worker_1", "http://worker:9000", "search"), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, rec).Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, registerBody("worker_1", "http://worker:9000", "search"))

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData[map[string]any](t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.EqualValues(t, 1, data["components"])
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var envelope model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "req-123", envelope.Meta.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
