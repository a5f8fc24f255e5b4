// Package main is the CLI entry point for the Attaché agent service.
//
// Attaché is a conversational agent with a durable Postgres memory: the
// model can manage its own tables in a privilege-restricted schema,
// schedule future work for itself through pg_cron, and maintain versioned
// standing instructions per conversation.
//
// # Basic Usage
//
// Start the server:
//
//	attache serve --config attache.yaml
//
// Apply database migrations:
//
//	attache migrate up
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/agent/providers"
	"github.com/coldbrewlabs/attache/internal/config"
	"github.com/coldbrewlabs/attache/internal/gateway"
	"github.com/coldbrewlabs/attache/internal/memory"
	openaiembed "github.com/coldbrewlabs/attache/internal/memory/embeddings/openai"
	"github.com/coldbrewlabs/attache/internal/prompts"
	"github.com/coldbrewlabs/attache/internal/sandbox"
	"github.com/coldbrewlabs/attache/internal/scheduler"
	"github.com/coldbrewlabs/attache/internal/storage"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "attache",
		Short:        "Attaché - conversational agent with a durable Postgres memory",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "attache.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting attache",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.Provider,
	)

	store, err := storage.Open(cfg.Database.URL, &storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	sb, err := sandbox.New(store.DB(), sandbox.Config{
		Role:             cfg.Sandbox.Role,
		Schema:           cfg.Sandbox.Schema,
		StatementTimeout: cfg.Sandbox.StatementTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}

	callbackURL := strings.TrimRight(cfg.Server.PublicURL, "/") + "/v1/directives"
	bridge := scheduler.New(sb, callbackURL, logger)

	embedder, err := openaiembed.New(openaiembed.Config{
		APIKey: cfg.LLM.APIKey,
		Model:  cfg.LLM.EmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("init embeddings: %w", err)
	}

	assembler := memory.New(store, embedder, cfg.Memory.SimilarityThreshold, logger)
	promptStore := prompts.New(store.DB())

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}
	logger.Info("llm provider ready", "provider", provider.Name(), "model", cfg.LLM.Model)

	server := gateway.NewServer(cfg, gateway.Deps{
		Store:     store,
		Sandbox:   sb,
		Bridge:    bridge,
		Prompts:   promptStore,
		Assembler: assembler,
		Provider:  provider,
		Embedder:  embedder,
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		<-errCh
	}

	logger.Info("attache stopped")
	return nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return providers.NewOpenAIProvider(cfg.LLM.APIKey), nil
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	cmd.AddCommand(buildMigrateUpCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := storage.Open(cfg.Database.URL, storage.DefaultPoolConfig())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "attache.yaml", "Path to configuration file")
	return cmd
}
