// Package main is the entry point for the convoflow orchestration server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/internal/api"
	"github.com/convoflow/convoflow/internal/config"
	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/mcp"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/orchestrator"
	"github.com/convoflow/convoflow/internal/pipeline"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/backend"
	"github.com/convoflow/convoflow/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting convoflow", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	st, err := newStore(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	be := backend.NewOpenAIClient(backend.ClientOptions{
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})

	accessor := memory.NewAccessor(st, be, newContextCache(cfg.Cache), logger)
	accessor.Model = cfg.Context.SummaryModel
	if cfg.Context.MaxMemoryEntries > 0 {
		accessor.MaxEntries = cfg.Context.MaxMemoryEntries
	}

	ctxManager := contextmgr.NewManager(accessor, accessor, logger)

	registry, err := mcp.NewRegistry(cfg.MCP, logger)
	if err != nil {
		logger.Error("failed to initialize tool servers", "error", err)
		os.Exit(1)
	}
	cfgManager.OnChange(func(newCfg *config.Config) {
		if err := registry.UpdateConfig(newCfg.MCP); err != nil {
			logger.Error("failed to apply tool server config", "error", err)
		}
	})
	go func() {
		connectCtx, connectCancel := context.WithTimeout(ctx, 2*time.Minute)
		defer connectCancel()
		registry.ConnectAll(connectCtx)
	}()

	orch := orchestrator.New(orchestrator.Config{
		Backend:  be,
		Tools:    registryTools{registry},
		Executor: pipeline.New(registry, st, logger),
		Context:  ctxManager,
		Memory:   accessor,
		Messages: st,
		Logger:   logger,
	})

	handler := api.NewHandler(orch, registry, logger)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	_ = registry.Close()
	_ = cfgManager.Close()
	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := store.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	}
	return store.NewMemStore(), nil
}

func newContextCache(cfg config.CacheConfig) memory.ContextCache {
	if cfg.Backend == "redis" {
		return memory.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
	}
	return memory.NewLocalCache()
}

// registryTools adapts the registry to the orchestrator's tool provider.
type registryTools struct {
	registry *mcp.Registry
}

func (t registryTools) GetAllTools(_ context.Context) []types.Tool {
	return t.registry.GetAllTools()
}
