// OpsConductor pipeline server — HTTP ingress for the four-stage
// decision pipeline, cache management API, and trace reads.
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

	"github.com/joho/godotenv"

	"github.com/opsconductor/opsconductor/pkg/api"
	"github.com/opsconductor/opsconductor/pkg/assets"
	"github.com/opsconductor/opsconductor/pkg/automation"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
	"github.com/opsconductor/opsconductor/pkg/slack"
	"github.com/opsconductor/opsconductor/pkg/storage"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", "./deploy/opsconductor.yaml"),
		"Path to configuration file")
	envPath := flag.String("env-file",
		getEnv("ENV_FILE", "./deploy/.env"),
		"Path to .env file")
	flag.Parse()

	// Load the environment before logging setup: LOG_LEVEL may come from
	// the .env file.
	envErr := godotenv.Load(*envPath)
	config.SetupLogging()

	if envErr != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", envErr)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Masking service (applies to observations, asset attributes, traces)
	masker := masking.NewService(cfg.Masking)

	// 3. Cache manager (Redis tier; degrades to misses when unreachable)
	cacheMgr, err := cache.NewManager(ctx, cfg.Cache)
	if err != nil {
		slog.Error("Failed to initialize cache manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cacheMgr.Close(); err != nil {
			slog.Error("Error closing cache manager", "error", err)
		}
	}()

	// 4. Optional trace persistence
	var (
		store  *storage.Store
		traces *storage.TraceStore
	)
	if cfg.Storage.DatabaseURL != "" {
		store, err = storage.NewStore(ctx, cfg.Storage)
		if err != nil {
			slog.Error("Failed to connect to trace database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing trace store", "error", err)
			}
		}()
		traces = storage.NewTraceStore(store, masker)
		slog.Info("Trace persistence enabled")
	} else {
		slog.Info("Trace persistence disabled (no database_url)")
	}

	var cleaner *storage.Cleaner
	if store != nil {
		cleaner = storage.NewCleaner(store, cfg.Storage)
		cleaner.Start(ctx)
		defer cleaner.Stop()
	}

	// 5. LLM client; per-call records flow into the trace store when enabled
	var recorder llm.Recorder
	if traces != nil {
		recorder = traces
	}
	llmClient := llm.NewClient(cfg.LLM, recorder)
	defer llmClient.Close()
	slog.Info("LLM client initialized",
		"base_url", cfg.LLM.BaseURL,
		"model", cfg.LLM.Model,
		"context_window", cfg.LLM.ContextWindow)

	// 6. Tool catalog with optional hot reload. A swap invalidates the plan
	// cache so stale tool versions cannot serve another request.
	toolStore, err := tools.NewStore(cfg.Tools.CatalogPath)
	if err != nil {
		slog.Error("Failed to load tool catalog", "path", cfg.Tools.CatalogPath, "error", err)
		os.Exit(1)
	}
	if cfg.Tools.IsHotReload() {
		err := toolStore.StartWatching(func(old, current *tools.Catalog) {
			swapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if n, err := cacheMgr.InvalidateStage(swapCtx, "stage_c"); err == nil {
				slog.Info("Plan cache invalidated after catalog reload",
					"entries", n, "old_version", old.Version, "new_version", current.Version)
			}
		})
		if err != nil {
			slog.Error("Failed to start catalog watcher", "error", err)
			os.Exit(1)
		}
		defer toolStore.Stop()
	}

	// 7. External service clients
	assetL1 := cache.NewAssetL1(cfg.Cache.AssetL1TTL(), cfg.Cache.AssetL1MaxEntries)
	assetProvider := assets.NewProvider(cfg.Assets, cacheMgr, assetL1, masker)
	autoClient := automation.NewClient(cfg.Automation)
	if autoClient.Enabled() {
		slog.Info("Automation service configured", "base_url", cfg.Automation.BaseURL)
	} else {
		slog.Info("Automation service not configured — plans stay advisory")
	}

	// 8. Optional Slack notifications
	var notifier pipeline.Notifier
	if svc := slack.NewService(cfg.Slack, masker); svc != nil {
		notifier = svc
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	var sink pipeline.TraceSink
	if traces != nil {
		sink = traces
	}

	// 9. Orchestrator and HTTP server
	orch := pipeline.NewOrchestrator(
		llmClient, cacheMgr, assetProvider, autoClient, toolStore,
		masker, sink, notifier, cfg)

	httpServer := api.NewServer(cfg, orch, cacheMgr, store, traces)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("OpsConductor started", "summary", cfg.Stats().String())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting requests, drain in-flight
	// pipelines, then let the deferred closes run.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
