package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// upstream is a fake provider that records hits and serves a scripted reply.
type upstream struct {
	srv    *httptest.Server
	hits   atomic.Int64
	status atomic.Int64
	mu     sync.Mutex
	paths  []string
}

func newUpstream(t *testing.T, reply string) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.mu.Lock()
		u.paths = append(u.paths, r.URL.Path)
		u.mu.Unlock()

		code := int(u.status.Load())
		w.WriteHeader(code)
		if code < 500 {
			fmt.Fprint(w, reply)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) lastPath() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.paths) == 0 {
		return ""
	}
	return u.paths[len(u.paths)-1]
}

func addComponent(s *registry.Store, id, endpoint string, caps []string, tools ...string) {
	now := time.Now().UTC()
	specs := make([]model.ToolSpec, 0, len(tools))
	for _, name := range tools {
		specs = append(specs, model.ToolSpec{Name: name, OwnerComponentID: id})
	}
	s.Put(model.Component{
		ID:              id,
		Name:            id,
		Version:         "1.0.0",
		Type:            "worker",
		Endpoint:        endpoint,
		Capabilities:    caps,
		Status:          model.StatusHealthy,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}, specs)
}

func newRouter(s *registry.Store, opts router.Options) *router.Router {
	return router.New(s, nil, opts, testLogger())
}

func TestRouteToolTarget(t *testing.T) {
	up := newUpstream(t, `{"answer":42}`)
	s := registry.NewStore()
	addComponent(s, "search_1", up.srv.URL, []string{"search"}, "lookup")

	r := newRouter(s, router.Options{})
	resp, err := r.Route(context.Background(), model.RouteRequest{
		Target:  "search_1:lookup",
		Payload: json.RawMessage(`{"q":"hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "search_1", resp.ComponentID)
	assert.Equal(t, "search_1:lookup", resp.ToolID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Body))
	assert.Equal(t, "/tools/lookup", up.lastPath())
}

func TestRouteUnknownTool(t *testing.T) {
	r := newRouter(registry.NewStore(), router.Options{})

	_, err := r.Route(context.Background(), model.RouteRequest{Target: "nobody:tool"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestRouteCapabilityTarget(t *testing.T) {
	up := newUpstream(t, `"done"`)
	s := registry.NewStore()
	addComponent(s, "sum_1", up.srv.URL, []string{"summarize"})

	r := newRouter(s, router.Options{})
	resp, err := r.Route(context.Background(), model.RouteRequest{
		Target:  "summarize",
		Payload: json.RawMessage(`{"text":"..."}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "sum_1", resp.ComponentID)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "/capabilities/summarize", up.lastPath())
}

func TestRouteNoCandidatesFailsWithoutNetworkCall(t *testing.T) {
	up := newUpstream(t, `"never"`)
	s := registry.NewStore()

	// A provider exists but is not routable.
	addComponent(s, "sum_1", up.srv.URL, []string{"summarize"})
	s.Mutate("sum_1", func(c *model.Component) { c.Status = model.StatusUnhealthy })

	r := newRouter(s, router.Options{})
	_, err := r.Route(context.Background(), model.RouteRequest{Target: "summarize"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNoCapableComponent), "got %v", err)
	assert.Equal(t, int64(0), up.hits.Load(), "must fail before any network I/O")
}

func TestRouteRoundRobinDistribution(t *testing.T) {
	s := registry.NewStore()
	ups := make([]*upstream, 3)
	for i := range ups {
		ups[i] = newUpstream(t, `"ok"`)
		addComponent(s, fmt.Sprintf("worker_%d", i), ups[i].srv.URL, []string{"search"})
	}

	r := newRouter(s, router.Options{})
	for i := 0; i < 9; i++ {
		_, err := r.Route(context.Background(), model.RouteRequest{Target: "search"})
		require.NoError(t, err)
	}

	for i, up := range ups {
		assert.Equal(t, int64(3), up.hits.Load(), "provider %d share", i)
	}
}

func TestRouteRetriesNextCandidateOn5xx(t *testing.T) {
	s := registry.NewStore()
	broken := newUpstream(t, "")
	broken.status.Store(http.StatusInternalServerError)
	healthy := newUpstream(t, `"ok"`)

	addComponent(s, "worker_0", broken.srv.URL, []string{"search"})
	addComponent(s, "worker_1", healthy.srv.URL, []string{"search"})

	r := newRouter(s, router.Options{MaxRetries: 2})

	// Route enough times that the cursor lands on the broken provider at
	// least once; every call must still succeed via failover.
	for i := 0; i < 4; i++ {
		resp, err := r.Route(context.Background(), model.RouteRequest{Target: "search"})
		require.NoError(t, err)
		assert.Equal(t, "worker_1", resp.ComponentID)
	}
	assert.Positive(t, broken.hits.Load(), "broken provider was tried")
}

func TestRouteExhaustedRetriesIsUpstreamError(t *testing.T) {
	s := registry.NewStore()
	for i := 0; i < 3; i++ {
		up := newUpstream(t, "")
		up.status.Store(http.StatusBadGateway)
		addComponent(s, fmt.Sprintf("worker_%d", i), up.srv.URL, []string{"search"})
	}

	r := newRouter(s, router.Options{MaxRetries: 2})
	_, err := r.Route(context.Background(), model.RouteRequest{Target: "search"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindUpstream), "got %v", err)
}

func TestRouteClientErrorReturnedVerbatim(t *testing.T) {
	// A 4xx is the provider answering, not failing: no retry, reply passed
	// through.
	up := newUpstream(t, `{"error":"bad request"}`)
	up.status.Store(http.StatusBadRequest)
	s := registry.NewStore()
	addComponent(s, "worker_0", up.srv.URL, []string{"search"})

	r := newRouter(s, router.Options{MaxRetries: 2})
	resp, err := r.Route(context.Background(), model.RouteRequest{Target: "search"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"bad request"}`, string(resp.Body))
	assert.Equal(t, int64(1), up.hits.Load())
}

func TestRouteTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	s := registry.NewStore()
	addComponent(s, "worker_0", slow.URL, []string{"search"})

	r := newRouter(s, router.Options{MaxRetries: 0})
	start := time.Now()
	_, err := r.Route(context.Background(), model.RouteRequest{
		Target:    "search",
		TimeoutMS: 50,
	})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRouteNonJSONReplyIsQuoted(t *testing.T) {
	up := newUpstream(t, "plain text")
	s := registry.NewStore()
	addComponent(s, "worker_0", up.srv.URL, []string{"search"})

	r := newRouter(s, router.Options{})
	resp, err := r.Route(context.Background(), model.RouteRequest{Target: "search"})
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(resp.Body))
}

func TestRouteEmptyTarget(t *testing.T) {
	r := newRouter(registry.NewStore(), router.Options{})
	_, err := r.Route(context.Background(), model.RouteRequest{Target: "  "})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))
}
