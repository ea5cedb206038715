package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/server"
	"github.com/openinfer/modelfront/internal/service"
	"github.com/openinfer/modelfront/internal/store/memory"
	"github.com/openinfer/modelfront/internal/store/postgres"
	"github.com/openinfer/modelfront/internal/store/sqlite3"
	"github.com/openinfer/modelfront/internal/usagelog"
)

var (
	name    = "modelfront"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.OAuth2.SecretKey == "" {
		return fmt.Errorf("oauth2 secret_key is required")
	}

	registry := config.NewRegistry(cfg)

	// Select the store backend.
	var store service.Store
	switch {
	case cfg.Database != nil && cfg.Database.SQLite != "":
		store, err = sqlite3.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
	case cfg.Database != nil && cfg.Database.Host != "":
		store, err = postgres.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
	default:
		slog.Warn("no database configured, using in-memory store")
		store = memory.New()
	}
	defer store.Close()

	// Seeding failure is logged but not fatal: the service can still serve
	// previously created accounts.
	if err := auth.EnsureDefaultAdmin(ctx, store, cfg.OAuth2.DefaultAdmin); err != nil {
		slog.Error("default admin seeding failed", "error", err)
	}

	// Usage accounting pipeline with store re-creation on connection loss.
	usageOpts := []usagelog.Option{
		usagelog.WithBatchSize(cfg.Logging.BatchSize),
		usagelog.WithFlushInterval(cfg.Logging.FlushInterval),
	}
	if cfg.Database != nil && cfg.Database.Host != "" && cfg.Database.SQLite == "" {
		dbCfg := cfg.Database
		usageOpts = append(usageOpts, usagelog.WithStoreFactory(func(ctx context.Context) (service.UsageStorer, error) {
			return postgres.New(ctx, dbCfg)
		}))
	}

	usage := usagelog.New(store, cfg.Logging.UsageFallbackPath, usageOpts...)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		usage.Shutdown(shutdownCtx)
	}()

	tokens := auth.NewManager(registry, store, store)

	srv, err := server.New(cfg, registry, store, tokens, usage)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}
