// Package main is the CLI entry point of the agentic orchestrator.
//
// Agentic connects WhatsApp gateway processes to AI providers (Gemini,
// OpenAI) with per-session serialized turns, tool execution, keyword
// flows and inactivity automations.
//
// # Basic Usage
//
// Start the core:
//
//	agentic serve
//
// Apply the database schema:
//
//	agentic migrate
//
// # Environment Variables
//
//   - DATABASE_URL: Postgres DSN (required)
//   - REDIS_URL: Redis connection URL (default redis://localhost:6379)
//   - GEMINI_API_KEY / OPENAI_API_KEY: provider credentials
//   - PRIMARY_AI_PROVIDER / FALLBACK_AI_PROVIDER / FALLBACK_MODEL
//   - LOCK_TTL, CONV_TTL_SECONDS, CONV_MAX_MESSAGES, CONV_PG_HISTORY_DAYS
//   - AUTOMATION_CHECK_INTERVAL_MS, BOT_TIMEZONE, METRICS_ADDR, LOG_LEVEL
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentic-mx/agentic/internal/agent"
	"github.com/agentic-mx/agentic/internal/automation"
	"github.com/agentic-mx/agentic/internal/bus"
	"github.com/agentic-mx/agentic/internal/config"
	"github.com/agentic-mx/agentic/internal/convstore"
	"github.com/agentic-mx/agentic/internal/flows"
	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/media"
	"github.com/agentic-mx/agentic/internal/observability"
	"github.com/agentic-mx/agentic/internal/providers"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/internal/tools"
	"github.com/agentic-mx/agentic/internal/transport"
	"github.com/agentic-mx/agentic/pkg/models"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentic",
		Short:        "Agentic - WhatsApp AI bot orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator core",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := storage.NewPostgresStoreWithDB(db)
	defer store.Close()

	rdb, err := kv.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("dial redis: %w", err)
	}
	defer rdb.Close()
	kvStore := kv.NewRedisStore(rdb)

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	events := bus.New()
	metrics := observability.NewMetrics()
	conv := convstore.New(kvStore, store.Conversations, convstore.Config{
		TTL:         cfg.ConversationTTL,
		MaxMessages: cfg.MaxMessages,
		HistoryDays: cfg.HistoryDays,
	})
	gateway := transport.NewGateway(rdb)
	registry := tools.NewRegistry(store.Tools)
	executor := tools.NewExecutor(store, conv, gateway, tools.WithTimezone(tz))

	chat, err := buildChat(ctx, cfg)
	if err != nil {
		return err
	}

	flowEngine := flows.New(store, kvStore, gateway,
		flows.WithTimezone(tz),
		flows.WithMetrics(metrics),
	)
	engine := agent.New(store, kvStore, conv, registry, executor, chat, gateway,
		agent.WithMedia(buildMedia(cfg)),
		agent.WithTriggerSink(flowEngine),
		agent.WithBus(events),
		agent.WithMetrics(metrics),
		agent.WithLockTTL(cfg.LockTTL),
	)
	sweeper := automation.New(store, kvStore, engine,
		automation.WithInterval(cfg.AutomationInterval),
		automation.WithMetrics(metrics),
	)
	consumer := transport.NewConsumer(rdb, store, engine, flowEngine,
		transport.WithConsumerBus(events),
		transport.WithConsumerMetrics(metrics),
	)

	if err := flowEngine.RecoverRunningExecutions(ctx); err != nil {
		slog.Warn("flow recovery failed", "error", err)
	}
	go sweeper.Run(ctx)
	go serveMetrics(ctx, cfg.MetricsAddr)

	slog.Info("agentic core started",
		"version", version,
		"primary_provider", cfg.PrimaryProvider,
		"fallback_provider", cfg.FallbackProvider)
	return consumer.Run(ctx)
}

// buildChat wires the configured primary and fallback provider
// clients. A missing fallback credential degrades to no failover
// rather than refusing to start.
func buildChat(ctx context.Context, cfg *config.Config) (*providers.Failover, error) {
	primary, err := buildClient(ctx, cfg, cfg.PrimaryProvider)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}
	fallback, err := buildClient(ctx, cfg, cfg.FallbackProvider)
	if err != nil {
		slog.Warn("fallback provider unavailable", "provider", cfg.FallbackProvider, "error", err)
		fallback = nil
	}
	return providers.NewFailover(primary, fallback, cfg.FallbackModel), nil
}

func buildClient(ctx context.Context, cfg *config.Config, provider models.AIProvider) (providers.ChatClient, error) {
	switch provider {
	case models.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return providers.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	case models.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIClient(cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// buildMedia wires audio, vision and PDF preprocessing. Without an
// OpenAI key only PDF extraction is available.
func buildMedia(cfg *config.Config) *media.Preprocessor {
	var transcriber media.Transcriber
	var vision media.VisionDescriber
	if cfg.OpenAIAPIKey != "" {
		om := media.NewOpenAIMedia(cfg.OpenAIAPIKey, "")
		transcriber = om
		vision = om
	}
	return media.NewPreprocessor(transcriber, vision, media.NewPDFText())
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
