// Package musubi is the public API for embedding the musubi coordination hub.
//
// Applications that want the hub in-process (single-binary deployments,
// integration tests) import this package instead of shelling out to the
// musubi binary:
//
//	app, err := musubi.New(
//	    musubi.WithVersion(version),
//	    musubi.WithLogger(logger),
//	    musubi.WithSubscriber("tasks", mySubscriber),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: musubi (root) imports
// internal/*, but internal/* never imports musubi (root). Public types
// (Message, Subscriber) are standalone with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of
// the boundary.
package musubi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/musubi/api"
	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/config"
	"github.com/ashita-ai/musubi/internal/mcp"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/ratelimit"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
	"github.com/ashita-ai/musubi/internal/server"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/telemetry"
)

// Message is one bus message as seen by embedded subscribers.
type Message struct {
	MessageID string            `json:"message_id"`
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// Subscriber receives messages published to a topic the subscriber was
// attached to with WithSubscriber. Deliver is called from the bus's delivery
// goroutine; returning an error counts as a failed delivery (the message is
// not redelivered).
type Subscriber interface {
	Deliver(ctx context.Context, msg Message) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, msg Message) error

// Deliver calls f.
func (f SubscriberFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

// App is the musubi hub lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	bus          *bus.Bus
	monitor      *registry.Monitor
	runner       *storage.Runner // nil when snapshots are disabled
	snap         storage.Snapshotter
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the hub: loads configuration, wires the registry, bus,
// router, snapshot store, and HTTP server, and restores the last snapshot.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.snapshotDSN != "" {
		cfg.SnapshotPath = o.snapshotDSN
		cfg.SnapshotURL = ""
	}
	if o.snapshotURL != "" {
		cfg.SnapshotURL = o.snapshotURL
		cfg.SnapshotPath = ""
	}
	if o.adminAPIKey != "" {
		cfg.AdminAPIKey = o.adminAPIKey
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("musubi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath, cfg.TokenLifetime)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	b := bus.New(bus.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		QueueCapacity:   cfg.QueueCapacity,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)

	store := registry.NewStore()
	reg := registry.NewService(store, tokens, b, logger)
	monitor := registry.NewMonitor(reg, cfg.HeartbeatInterval, cfg.SoftTTL, cfg.HardTTL, logger)
	rt := router.New(store, nil, router.Options{
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: cfg.DefaultRouteTimeout,
	}, logger)

	// Snapshot backend.
	var snap storage.Snapshotter
	var pinger server.Pinger
	switch {
	case cfg.SnapshotPath != "":
		sq, err := storage.OpenSQLite(context.Background(), cfg.SnapshotPath)
		if err != nil {
			b.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		snap = sq
	case cfg.SnapshotURL != "":
		pg, err := storage.OpenPostgres(context.Background(), cfg.SnapshotURL, logger)
		if err != nil {
			b.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		snap = pg
		pinger = pg
	}

	var runner *storage.Runner
	if snap != nil {
		runner = storage.NewRunner(snap, store, b, cfg.SnapshotInterval, logger)
		if err := runner.Restore(context.Background()); err != nil {
			_ = snap.Close(context.Background())
			b.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: restore: %w", err)
		}
	}

	// Pre-create channels and attach embedded subscribers after restore, so
	// option-declared channels coexist with restored history.
	for _, ch := range o.channels {
		b.CreateChannel(ch.topic, ch.description)
	}
	for _, sub := range o.subscribers {
		b.Subscribe(sub.topic, subscriberAdapter{target: sub.target})
	}

	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashAdminKey(cfg.AdminAPIKey)
		if err != nil {
			if snap != nil {
				_ = snap.Close(context.Background())
			}
			b.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash admin key: %w", err)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RegisterRatePerMin > 0 || cfg.HeartbeatRatePerMin > 0 {
		rules := make(map[string]ratelimit.Limiter, 2)
		if cfg.RegisterRatePerMin > 0 {
			rules["register"] = ratelimit.NewMemoryLimiter(
				float64(cfg.RegisterRatePerMin)/60, cfg.RegisterRatePerMin)
		}
		if cfg.HeartbeatRatePerMin > 0 {
			rules["heartbeat"] = ratelimit.NewMemoryLimiter(
				float64(cfg.HeartbeatRatePerMin)/60, cfg.HeartbeatRatePerMin)
		}
		limiter = ratelimit.NewRuleLimiter(rules)
	}

	mcpSrv := mcp.New(reg, rt, b, version, logger)

	srv := server.New(server.Config{
		Registry:            reg,
		Bus:                 b,
		Router:              rt,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Pinger:              pinger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminKeyHash:        adminKeyHash,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		bus:          b,
		monitor:      monitor,
		runner:       runner,
		snap:         snap,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the hub's root HTTP handler for mounting into an existing
// server or driving with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Publish publishes a message to a bus channel from the embedding
// application, creating the channel if needed.
func (a *App) Publish(ctx context.Context, topic string, payload json.RawMessage, headers map[string]string) (Message, error) {
	msg, err := a.bus.Publish(ctx, topic, payload, headers)
	if err != nil {
		return Message{}, err
	}
	return toPublicMessage(msg), nil
}

// Run starts the heartbeat monitor, the snapshot loop, and the HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown has already been called — callers should not call it
// separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.monitor.Start(gctx)
		return nil
	})
	if a.runner != nil {
		g.Go(func() error {
			a.runner.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains the HTTP server, closes the bus (final snapshot is taken
// by the runner on context cancellation), and releases the limiter, the
// snapshot store, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("musubi shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.bus.Close()
	_ = a.limiter.Close()
	if a.snap != nil {
		_ = a.snap.Close(context.Background())
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("musubi stopped")
	return nil
}

// subscriberAdapter wraps a public Subscriber to satisfy bus.Subscriber.
// It converts internal model types to public musubi types at the boundary.
type subscriberAdapter struct {
	target Subscriber
}

func (a subscriberAdapter) Deliver(ctx context.Context, msg model.Message) error {
	return a.target.Deliver(ctx, toPublicMessage(msg))
}

// toPublicMessage converts an internal model.Message to the public
// musubi.Message. Lives here because this is the only file that imports both
// sides of the boundary.
func toPublicMessage(msg model.Message) Message {
	return Message{
		MessageID: msg.Headers.MessageID.String(),
		Topic:     msg.Headers.Topic,
		Timestamp: msg.Headers.Timestamp,
		Headers:   msg.Headers.Extra,
		Payload:   msg.Payload,
	}
}
