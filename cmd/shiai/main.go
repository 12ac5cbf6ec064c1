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

	"github.com/shiai-ai/shiai/internal/config"
	"github.com/shiai-ai/shiai/internal/provider"
	"github.com/shiai-ai/shiai/internal/ratelimit"
	"github.com/shiai-ai/shiai/internal/rubric"
	"github.com/shiai-ai/shiai/internal/server"
	"github.com/shiai-ai/shiai/internal/service/jobs"
	"github.com/shiai-ai/shiai/internal/storage"
	"github.com/shiai-ai/shiai/internal/telemetry"
	"github.com/shiai-ai/shiai/internal/tournament"
	"github.com/shiai-ai/shiai/internal/workorder"
	"github.com/shiai-ai/shiai/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHIAI_LOG_LEVEL") == "debug" {
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

	slog.Info("shiai starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// The scoring rubric is required; a malformed rubric is a startup
	// failure, never a silent renormalization.
	rubricCfg, err := rubric.Load(cfg.RubricPath)
	if err != nil {
		return fmt.Errorf("rubric: %w", err)
	}
	slog.Info("rubric loaded", "path", cfg.RubricPath, "categories", len(rubricCfg.Categories))

	registry := newProviderRegistry(ctx, cfg, logger)
	if len(registry.IDs()) == 0 {
		logger.Warn("no generation providers configured; generation jobs will fail")
	} else {
		logger.Info("generation providers ready", "providers", registry.IDs())
	}

	// Event broker, work-order manager, scheduler, job runner.
	broker := server.NewBroker(logger)
	manager := workorder.NewManager(db, logger, broker)
	scheduler := tournament.NewScheduler(registry, rubricCfg, cfg.DefaultCallTimeout, logger)
	runner := jobs.NewRunner(manager, scheduler, registry, db, logger)

	// Orders left pending or running by a previous process crashed with
	// it; their goroutines are gone, so mark them failed before accepting
	// traffic.
	if err := manager.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted work orders: %w", err)
	}

	// History retention.
	go runner.RetentionLoop(ctx, cfg.RetentionInterval, cfg.RetentionMaxAge)

	// Rate limiter for mutating endpoints.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Runner:              runner,
			Manager:             manager,
			Broker:              broker,
			DB:                  db,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Limiter:      limiter,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("shiai shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	return nil
}

// newProviderRegistry builds the adapter registry for the configured mode.
// "auto" enables every provider with usable credentials, preferring local
// Ollama when it answers a probe.
func newProviderRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) *provider.Registry {
	var adapters []provider.Adapter

	addAnthropic := func() {
		if cfg.AnthropicAPIKey == "" {
			logger.Error("ANTHROPIC_API_KEY required for the anthropic provider")
			return
		}
		logger.Info("provider: anthropic", "model", cfg.AnthropicModel)
		adapters = append(adapters, provider.NewAnthropic("anthropic", cfg.AnthropicAPIKey, cfg.AnthropicModel, ""))
	}
	addOpenAI := func() {
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required for the openai provider")
			return
		}
		logger.Info("provider: openai", "model", cfg.OpenAIModel)
		adapters = append(adapters, provider.NewOpenAI("openai", cfg.OpenAIAPIKey, cfg.OpenAIModel, ""))
	}
	addOllama := func() {
		logger.Info("provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		adapters = append(adapters, provider.NewOllama("ollama", cfg.OllamaURL, cfg.OllamaModel))
	}

	switch cfg.ProviderMode {
	case "anthropic":
		addAnthropic()
	case "openai":
		addOpenAI()
	case "ollama":
		addOllama()
	case "all":
		addAnthropic()
		addOpenAI()
		addOllama()
	default: // "auto"
		if cfg.AnthropicAPIKey != "" {
			addAnthropic()
		}
		if cfg.OpenAIAPIKey != "" {
			addOpenAI()
		}
		probe := provider.NewOllama("ollama", cfg.OllamaURL, cfg.OllamaModel)
		if probe.Reachable(ctx) {
			logger.Info("provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			adapters = append(adapters, probe)
		}
	}

	return provider.NewRegistry(adapters...)
}
