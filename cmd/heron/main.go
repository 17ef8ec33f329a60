// Heron - Subsidy fraud detection for agricultural POS networks.
// Copyright (c) 2026 opensource.agri
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-agri/heron/internal/api"
	"github.com/opensource-agri/heron/internal/batch"
	"github.com/opensource-agri/heron/internal/bus"
	"github.com/opensource-agri/heron/internal/cache"
	"github.com/opensource-agri/heron/internal/domain"
	"github.com/opensource-agri/heron/internal/entitlement"
	"github.com/opensource-agri/heron/internal/flagstore"
	"github.com/opensource-agri/heron/internal/repository"
	"github.com/opensource-agri/heron/internal/rules"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HERON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Multi-node deployment via environment
	if os.Getenv("HERON_CLUSTER") == "true" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}
	applyEnvOverrides(cfg)

	// Scheme rules come from a JSON file; without them every redemption
	// classifies as UNENTITLED.
	if path := os.Getenv("HERON_SCHEMES"); path != "" {
		schemes, err := loadSchemes(path)
		if err != nil {
			slog.Error("failed to load scheme rules", "path", path, "error", err)
			os.Exit(1)
		}
		cfg.Schemes = schemes
		slog.Info("scheme rules loaded", "path", path, "count", len(schemes.Schemes))
	} else {
		slog.Warn("no scheme rules configured - set HERON_SCHEMES to a scheme JSON file")
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"period", cfg.Batch.Period,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize audit-rule engine
	engine, err := rules.NewEngine(cfg.Batch.MaxWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", len(engine.GetLoadedRules()))

	// Initialize entitlement service
	ents := entitlement.NewService(entitlement.NewCalculator(cfg.Schemes), repo, cacheImpl)
	slog.Info("entitlement service initialized", "schemes", len(cfg.Schemes.Schemes))

	// Initialize flag store and warm it from persisted flags
	flags := flagstore.New(repo)
	for _, tenantID := range tenantList() {
		if err := flags.Warm(ctx, tenantID); err != nil {
			slog.Warn("failed to warm flag store", "tenant_id", tenantID, "error", err)
			continue
		}
		slog.Info("flag store warmed", "tenant_id", tenantID, "flags", flags.Count(tenantID))
	}

	// Initialize batch runner
	runner := batch.NewRunner(repo, cacheImpl, busImpl, flags, engine, ents)
	slog.Info("batch runner initialized", "max_workers", cfg.Batch.MaxWorkers)

	// Initialize Server
	srv := api.NewServer(cfg, repo, cacheImpl, busImpl, engine, runner, flags, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// applyEnvOverrides applies per-setting environment overrides on top of the
// selected base configuration.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("HERON_DB_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("HERON_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("HERON_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("HERON_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("HERON_PERIOD"); v != "" {
		cfg.Batch.Period = v
	}
	if v := os.Getenv("HERON_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// tenantList returns the tenants to warm at startup.
func tenantList() []string {
	raw := os.Getenv("HERON_TENANTS")
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// loadSchemes reads a scheme-rule set from a JSON file.
func loadSchemes(path string) (domain.SchemeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SchemeSet{}, err
	}
	var schemes domain.SchemeSet
	if err := json.Unmarshal(data, &schemes); err != nil {
		return domain.SchemeSet{}, fmt.Errorf("invalid scheme JSON: %w", err)
	}
	return schemes, nil
}

// loadRulesFromDatabase loads audit rules from the database into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                🪶 HERON                   ║")
	fmt.Println("  ║     Subsidy Fraud Detection Engine        ║")
	fmt.Println("  ║     Every redemption, cross-checked.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /batches           - Run a fraud-detection batch")
	fmt.Println("    GET  /batches/{id}      - Get a batch report")
	fmt.Println("    POST /score             - Score a feature vector")
	fmt.Println("    POST /models/train      - Train a model artifact")
	fmt.Println("    GET  /models/latest     - Latest model metadata")
	fmt.Println("    GET  /flags             - Top risk flags")
	fmt.Println("    GET  /flags/{entityID}  - Risk flag with signal breakdown")
	fmt.Println("    GET  /rules             - List audit rules")
	fmt.Println("    POST /rules             - Create an audit rule")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
