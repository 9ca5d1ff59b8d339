package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/musubi/api"
	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/config"
	"github.com/ashita-ai/musubi/internal/mcp"
	"github.com/ashita-ai/musubi/internal/ratelimit"
	"github.com/ashita-ai/musubi/internal/registry"
	"github.com/ashita-ai/musubi/internal/router"
	"github.com/ashita-ai/musubi/internal/server"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MUSUBI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("musubi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Token manager. With no key paths configured an ephemeral Ed25519 pair is
	// generated, which invalidates all tokens on restart; snapshots keep
	// registrations but components must re-register to obtain fresh tokens.
	tokens, err := auth.NewTokenManager(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath, cfg.TokenLifetime)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.TokenPrivateKeyPath == "" {
		logger.Info("token keys: ephemeral (tokens do not survive restart)")
	}

	// Message bus.
	b := bus.New(bus.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		QueueCapacity:   cfg.QueueCapacity,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)
	defer b.Close()

	// Registry, heartbeat monitor, and capability router share one store.
	store := registry.NewStore()
	reg := registry.NewService(store, tokens, b, logger)
	monitor := registry.NewMonitor(reg, cfg.HeartbeatInterval, cfg.SoftTTL, cfg.HardTTL, logger)
	rt := router.New(store, nil, router.Options{
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: cfg.DefaultRouteTimeout,
	}, logger)

	// Snapshot backend (optional — disabled when neither path nor URL is set).
	var snap storage.Snapshotter
	var pinger server.Pinger
	switch {
	case cfg.SnapshotPath != "":
		sq, err := storage.OpenSQLite(ctx, cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		snap = sq
		logger.Info("snapshots: sqlite", "path", cfg.SnapshotPath)
	case cfg.SnapshotURL != "":
		pg, err := storage.OpenPostgres(ctx, cfg.SnapshotURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		snap = pg
		pinger = pg
		logger.Info("snapshots: postgres")
	default:
		logger.Info("snapshots: disabled (components re-register after restart)")
	}

	var runner *storage.Runner
	if snap != nil {
		defer func() { _ = snap.Close(context.Background()) }()
		runner = storage.NewRunner(snap, store, b, cfg.SnapshotInterval, logger)
		if err := runner.Restore(ctx); err != nil {
			return fmt.Errorf("storage: restore: %w", err)
		}
	}

	// Admin surface.
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashAdminKey(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("auth: hash admin key: %w", err)
		}
		logger.Info("admin endpoints: enabled")
	} else {
		logger.Info("admin endpoints: disabled (no MUSUBI_ADMIN_API_KEY)")
	}

	// Rate limiting. Registration floods are keyed by source address,
	// heartbeat floods by component ID; each rule gets its own bucket rate.
	var limiter ratelimit.Limiter
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
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token buckets)",
			"register_per_min", cfg.RegisterRatePerMin,
			"heartbeat_per_min", cfg.HeartbeatRatePerMin)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server, mounted at /mcp.
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

	// Run the HTTP server, the heartbeat monitor, and the snapshot loop under
	// one group; any server error tears the rest down through gctx.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	if runner != nil {
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("musubi shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("musubi stopped")
	return nil
}
