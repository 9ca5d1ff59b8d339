package musubi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the musubi hub (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Subscribe always uses a dedicated
	// timeout-free client, so a global timeout here is safe.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the musubi coordination hub.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client

	mu          sync.RWMutex
	componentID string
	token       string
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("musubi: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// ComponentID returns the ID assigned by the last successful Register call,
// or empty if the client has not registered.
func (c *Client) ComponentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.componentID
}

// Register registers this component with the hub and stores the returned
// token for Heartbeat and Unregister. Re-registering replaces the previous
// registration and invalidates its token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/v1/components", req, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.componentID = resp.ComponentID
	c.token = resp.Token
	c.mu.Unlock()

	return &resp, nil
}

// Heartbeat reports liveness. healthStatus is "healthy", "degraded",
// "unhealthy", or empty for a bare liveness ping.
func (c *Client) Heartbeat(ctx context.Context, healthStatus string) (*HeartbeatResponse, error) {
	id, token, err := c.credentials()
	if err != nil {
		return nil, err
	}

	var body any
	if healthStatus != "" {
		body = map[string]string{"health_status": healthStatus}
	}

	var resp HeartbeatResponse
	if err := c.postAuth(ctx, "/v1/components/"+url.PathEscape(id)+"/heartbeat", token, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartHeartbeat sends a heartbeat every interval until ctx is cancelled or
// stop is called. Individual failures are reported on the returned channel
// and do not stop the loop; the hub's registration TTL decides when the
// component is considered gone.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) (errs <-chan error, stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan error, 1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Heartbeat(ctx, ""); err != nil {
					select {
					case ch <- err:
					default:
					}
				}
			}
		}
	}()

	return ch, cancel
}

// Unregister removes this component's registration and its tools.
func (c *Client) Unregister(ctx context.Context) error {
	id, token, err := c.credentials()
	if err != nil {
		return err
	}
	if err := c.deleteAuth(ctx, "/v1/components/"+url.PathEscape(id), token); err != nil {
		return err
	}

	c.mu.Lock()
	c.componentID = ""
	c.token = ""
	c.mu.Unlock()
	return nil
}

// Query retrieves registered components, optionally filtered.
func (c *Client) Query(ctx context.Context, opts *QueryOptions) ([]Component, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Capability != "" {
			params.Set("capability", opts.Capability)
		}
		if opts.Type != "" {
			params.Set("type", opts.Type)
		}
		if opts.HealthyOnly {
			params.Set("healthy_only", "true")
		}
	}

	path := "/v1/components"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Components []Component `json:"components"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}

// ListTools lists registered tools, optionally restricted to one component.
func (c *Client) ListTools(ctx context.Context, componentID string) ([]ToolSpec, error) {
	path := "/v1/tools"
	if componentID != "" {
		path += "?component_id=" + url.QueryEscape(componentID)
	}
	var resp struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// GetTool retrieves one tool by its composite ID ("component_id:tool_name").
func (c *Client) GetTool(ctx context.Context, toolID string) (*ToolSpec, error) {
	var resp ToolSpec
	if err := c.get(ctx, "/v1/tools/"+url.PathEscape(toolID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Route forwards payload to a provider of the target capability, or to the
// owner of an exact tool ID ("component:tool"). timeoutMS of zero uses the
// hub's default route timeout.
func (c *Client) Route(ctx context.Context, target string, payload json.RawMessage, timeoutMS int) (*RouteResponse, error) {
	body := map[string]any{"target": target}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	if timeoutMS > 0 {
		body["timeout_ms"] = timeoutMS
	}
	var resp RouteResponse
	if err := c.post(ctx, "/v1/route", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateChannel creates a bus channel. Creation is idempotent; the returned
// bool reports whether the channel was newly created.
func (c *Client) CreateChannel(ctx context.Context, topic, description string) (bool, error) {
	var body any
	if description != "" {
		body = map[string]string{"description": description}
	}
	var resp struct {
		Created bool `json:"created"`
	}
	if err := c.put(ctx, "/v1/channels/"+url.PathEscape(topic), body, &resp); err != nil {
		return false, err
	}
	return resp.Created, nil
}

// ListChannels lists bus channels.
func (c *Client) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var resp struct {
		Channels []ChannelInfo `json:"channels"`
	}
	if err := c.get(ctx, "/v1/channels", &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Publish publishes a JSON payload to a channel, creating it if needed.
// The returned headers carry the assigned message ID and timestamp.
func (c *Client) Publish(ctx context.Context, topic string, payload json.RawMessage, headers map[string]string) (*MessageHeaders, error) {
	body := map[string]any{"payload": payload}
	if len(headers) > 0 {
		body["headers"] = headers
	}
	var resp MessageHeaders
	if err := c.post(ctx, "/v1/channels/"+url.PathEscape(topic)+"/messages", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History reads a channel's replay buffer, oldest first.
func (c *Client) History(ctx context.Context, topic string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "/v1/channels/"+url.PathEscape(topic)+"/messages", &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SubscribeWebhook registers a webhook push subscription and returns its ID
// for later cancellation with Unsubscribe.
func (c *Client) SubscribeWebhook(ctx context.Context, topic, webhookURL string) (string, error) {
	var resp struct {
		SubscriptionID string `json:"subscription_id"`
	}
	body := map[string]string{"url": webhookURL}
	if err := c.post(ctx, "/v1/channels/"+url.PathEscape(topic)+"/subscriptions", body, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

// Unsubscribe cancels a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return c.deleteAuth(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), "")
}

// Subscribe opens a Server-Sent Events stream for the topic and delivers
// each message on the returned channel until ctx is cancelled or the
// connection drops. The channel is closed on return.
//
// A dedicated timeout-free HTTP client carries the stream so the Config
// timeout cannot sever it.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/channels/"+url.PathEscape(topic)+"/subscribe", nil)
	if err != nil {
		return nil, fmt.Errorf("musubi: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musubi: subscribe %s: %w", topic, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health checks the hub's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) credentials() (id, token string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.componentID == "" || c.token == "" {
		return "", "", fmt.Errorf("musubi: not registered (call Register first)")
	}
	return c.componentID, c.token, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the hub's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the hub's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, "", body, dest)
}

func (c *Client) postAuth(ctx context.Context, path, token string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, token, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, "", body, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, "", nil, dest)
}

func (c *Client) deleteAuth(ctx context.Context, path, token string) error {
	return c.send(ctx, http.MethodDelete, path, token, nil, nil)
}

func (c *Client) send(ctx context.Context, method, path, token string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("musubi: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("musubi: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("musubi: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("musubi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the hub's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("musubi: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
