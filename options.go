package musubi

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	logger      *slog.Logger
	version     string
	snapshotDSN string
	snapshotURL string
	adminAPIKey string
	channels    []channelSpec
	subscribers []subscriberSpec
}

type channelSpec struct {
	topic       string
	description string
}

type subscriberSpec struct {
	topic  string
	target Subscriber
}

// WithPort overrides the TCP port from config (MUSUBI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSnapshotPath overrides the SQLite snapshot file path from config
// (MUSUBI_SNAPSHOT_PATH env var). Mutually exclusive with WithSnapshotURL.
func WithSnapshotPath(path string) Option {
	return func(o *resolvedOptions) { o.snapshotDSN = path }
}

// WithSnapshotURL overrides the Postgres snapshot DSN from config
// (MUSUBI_SNAPSHOT_URL env var). Mutually exclusive with WithSnapshotPath.
func WithSnapshotURL(url string) Option {
	return func(o *resolvedOptions) { o.snapshotURL = url }
}

// WithAdminAPIKey enables the force-removal endpoints, overriding
// MUSUBI_ADMIN_API_KEY. An empty key leaves them disabled.
func WithAdminAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.adminAPIKey = key }
}

// WithChannel pre-creates a bus channel before the hub starts serving, so
// embedding applications can guarantee well-known topics exist on boot.
// Multiple channels may be registered.
func WithChannel(topic, description string) Option {
	return func(o *resolvedOptions) {
		o.channels = append(o.channels, channelSpec{topic: topic, description: description})
	}
}

// WithSubscriber attaches an in-process subscriber to a topic, creating the
// channel if needed. Multiple subscribers may be registered; each receives
// every message published to its topic.
func WithSubscriber(topic string, target Subscriber) Option {
	return func(o *resolvedOptions) {
		o.subscribers = append(o.subscribers, subscriberSpec{topic: topic, target: target})
	}
}
