// Command asystentd is the voice-assistant backend's entry point: it wires
// identity, tiered memory, the plugin registry, the LLM gateway and
// dispatcher, the rate limiter, and the REST/WebSocket transport into one
// running server, plus a standalone `migrate` subcommand for applying the
// SQLite schema.
//
// Grounded on the reference gateway's cmd/nexus/main.go cobra root-command
// structure, scoped down to this server's two subcommands — no
// channels/skills/MCP/onboarding/service-manager commands, since those
// surfaces are out of scope here.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tymektm/asystent-server/internal/config"
	"github.com/tymektm/asystent-server/internal/dispatcher"
	"github.com/tymektm/asystent-server/internal/identity"
	"github.com/tymektm/asystent-server/internal/llm"
	"github.com/tymektm/asystent-server/internal/memory"
	"github.com/tymektm/asystent-server/internal/observability"
	"github.com/tymektm/asystent-server/internal/orchestrator"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/internal/ratelimit"
	"github.com/tymektm/asystent-server/internal/storage"
	"github.com/tymektm/asystent-server/internal/transport"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "asystentd",
		Short:        "Voice-assistant backend: memory, plugin dispatch, and transport",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "asystentd.yaml", "path to the configuration file")

	root.AddCommand(buildServeCmd(&configPath))
	root.AddCommand(buildMigrateCmd(&configPath))
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQLite schema to database.path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(*configPath)
		},
	}
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("migration applied", "path", cfg.Database.Path)
	return nil
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()
	tracer := observability.NewTracer("asystentd")

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	idStore := identity.NewSQLStore(db)
	idSvc := identity.NewService(idStore, identity.Config{
		SessionTTL:         time.Duration(cfg.Security.SessionTTLSeconds) * time.Second,
		MaxSessionsPerUser: cfg.Security.MaxSessionsPerUser,
		Logger:             logger,
	})

	passwordFile := os.Getenv("ASYSTENTD_ADMIN_PASSWORD_FILE")
	if passwordFile == "" {
		passwordFile = "admin-password.txt"
	}
	adminEmail := os.Getenv("ASYSTENTD_ADMIN_EMAIL")
	if adminEmail == "" {
		adminEmail = "admin@localhost"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := idSvc.BootstrapAdmin(ctx, adminEmail, passwordFile); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	repo := memory.NewSQLRepository(db)
	mem := memory.NewManager(repo, memory.Config{
		ShortTermWindow: time.Duration(cfg.Memory.ShortTermMinutes) * time.Minute,
		ShortTermTokens: cfg.Memory.ShortTermTokens,
		LongTermTopK:    cfg.Memory.LongTermTopK,
		MidnightTZ:      cfg.Memory.MidnightTZ,
		Logger:          logger,
	})
	scheduler := memory.NewScheduler(mem)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start memory scheduler: %w", err)
	}
	defer scheduler.Stop()

	reg := plugins.NewRegistry(time.Duration(cfg.Plugins.TimeoutSeconds)*time.Second, logger)
	if err := reg.Register(plugins.WeatherDescriptor(), plugins.NewWeatherHandler(plugins.DefaultWeatherLookup)); err != nil {
		logger.Warn("failed to register built-in weather plugin", "error", err)
	}
	whitelist := make(map[string]bool, len(cfg.Plugins.Whitelist))
	for _, name := range cfg.Plugins.Whitelist {
		whitelist[name] = true
	}
	for _, loadErr := range plugins.DiscoverDirectory(ctx, reg, plugins.DiscoverConfig{
		Dir:              cfg.Plugins.Dir,
		Whitelist:        whitelist,
		MaxFileSizeBytes: cfg.Plugins.MaxFileSizeBytes,
	}, builtinResolver) {
		logger.Warn("plugin discovery problem", "error", loadErr)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}
	gateway := llm.NewGateway(provider, llm.GatewayConfig{Logger: logger})
	disp := dispatcher.New(gateway, reg, dispatcher.Config{Logger: logger, Metrics: metrics, Tracer: tracer})
	policy := ratelimit.NewPolicy(ratelimit.PolicyConfig{
		FreeRequestsPerMonth: cfg.RateLimiting.FreeRequestsPerMonth,
		FreeRequestsPerMin:   cfg.RateLimiting.FreeRequestsPerMin,
		PaidRequestsPerMin:   cfg.RateLimiting.PaidRequestsPerMin,
		Metrics:              metrics,
	})

	orch := orchestrator.New(mem, reg, disp, policy, orchestrator.Config{
		MaxTokensFree: cfg.AI.MaxTokensFree,
		MaxTokensPaid: cfg.AI.MaxTokensPaid,
		DefaultModel:  cfg.AI.Model,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})

	srv := transport.New(idSvc, mem, reg, orch, transport.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Logger:  logger,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	return srv.Stop(shutdownCtx)
}

// builtinResolver maps a discovered plugin manifest's name to its
// compiled-in handler; only the weather sample ships with this binary.
func builtinResolver(name string) (plugins.Handler, bool) {
	switch name {
	case "weather":
		return plugins.NewWeatherHandler(plugins.DefaultWeatherLookup), true
	default:
		return nil, false
	}
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.AI.Provider {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: cfg.AI.APIKey, DefaultModel: cfg.AI.Model})
	default:
		return llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: cfg.AI.APIKey, DefaultModel: cfg.AI.Model})
	}
}
