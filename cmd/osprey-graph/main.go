// Osprey Graph - Graph-exposure scoring for transaction networks.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/api"
	"github.com/opensource-finance/osprey-graph/internal/bus"
	"github.com/opensource-finance/osprey-graph/internal/cache"
	"github.com/opensource-finance/osprey-graph/internal/config"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/investigate"
	"github.com/opensource-finance/osprey-graph/internal/pipeline"
	"github.com/opensource-finance/osprey-graph/internal/repository"
	"github.com/opensource-finance/osprey-graph/internal/rules"
	"github.com/opensource-finance/osprey-graph/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration (.env, OSPREY_CONFIG file, environment)
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting osprey-graph",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"policy", cfg.Scoring.Policy,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"investigator", cfg.Investigator.Type,
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

	// Initialize Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Load rules from database, seeding the fixed cutoffs for the expression policy
	if err := loadRulesFromDatabase(ctx, repo, engine, cfg.Scoring.Policy); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Investigator
	lib := investigate.DefaultLibrary()
	if cfg.Investigator.ActionsFile != "" {
		lib, err = investigate.LoadLibrary(cfg.Investigator.ActionsFile)
		if err != nil {
			slog.Error("failed to load action library", "path", cfg.Investigator.ActionsFile, "error", err)
			os.Exit(1)
		}
	}
	inv, err := investigate.New(cfg.Investigator, lib, busImpl)
	if err != nil {
		// The API answers 503 on investigate; scoring still works.
		slog.Warn("investigator not available", "type", cfg.Investigator.Type, "error", err)
		inv = nil
	} else {
		slog.Info("investigator initialized", "type", inv.Name())
	}

	// Initialize Scoring Pipeline
	processor := pipeline.NewProcessor(cfg.Scoring, pipeline.Deps{
		Repo:   repo,
		Cache:  cacheImpl,
		Engine: engine,
		Logger: logger,
	})
	slog.Info("scoring pipeline initialized",
		"policy", cfg.Scoring.Policy,
		"compute_2hop", cfg.Scoring.Compute2Hop,
		"min_severity", cfg.Scoring.MinSeverity,
	)

	tenantIDs := parseTenants(os.Getenv("OSPREY_TENANTS"))

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("OSPREY_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, processor)

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Serve investigation requests published by bus investigators elsewhere.
	var investigateSubs []domain.Subscription
	if serveType := os.Getenv("OSPREY_INVESTIGATE_WORKER"); serveType != "" {
		investigateSubs = serveInvestigations(ctx, cfg, serveType, lib, busImpl, tenantIDs)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:         repo,
		Cache:        cacheImpl,
		Engine:       engine,
		Processor:    processor,
		Investigator: inv,
		Version:      Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("osprey-graph is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async consumers first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	for _, sub := range investigateSubs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe investigator", "topic", sub.Topic(), "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("osprey-graph shutdown complete")
}

// loadRulesFromDatabase loads rules from the database into the engine.
// Rules are configured via POST /rules. An empty database under the
// expression policy starts with the builtin fixed-cutoff rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, policy domain.ScoringPolicy) error {
	dbRules, err := repo.ListRuleConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		dbRules = nil // Start without stored rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	if policy == domain.PolicyExpression {
		slog.Info("no rules in database - loading builtin rules")
		return engine.LoadRules(rules.BuiltinRules())
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

// serveInvestigations answers investigate requests on the bus with a local
// investigator of the given type.
func serveInvestigations(ctx context.Context, cfg *domain.Config, serveType string, lib investigate.Library, eventBus domain.EventBus, tenantIDs []string) []domain.Subscription {
	if serveType == investigate.TypeBus {
		slog.Error("investigate worker cannot forward to another bus investigator")
		return nil
	}

	invCfg := cfg.Investigator
	invCfg.Type = serveType
	responder, err := investigate.New(invCfg, lib, nil)
	if err != nil {
		slog.Error("failed to initialize investigate worker", "type", serveType, "error", err)
		return nil
	}

	if len(tenantIDs) == 0 {
		tenantIDs = []string{worker.GlobalTenantID}
	}

	var subs []domain.Subscription
	for _, tenantID := range tenantIDs {
		sub, err := investigate.Serve(ctx, eventBus, tenantID, responder)
		if err != nil {
			slog.Error("failed to serve investigations", "tenant_id", tenantID, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	slog.Info("investigate worker started", "type", responder.Name(), "tenant_count", len(subs))
	return subs
}

func parseTenants(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              OSPREY GRAPH                 ║")
	fmt.Println("  ║    Graph Exposure Scoring Engine          ║")
	fmt.Println("  ║    Follow the money one hop further.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Policy:   %s\n", cfg.Scoring.Policy)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /graph                          - Store the tenant graph")
	fmt.Println("    POST /features                       - Compute exposure features")
	fmt.Println("    POST /calibrations                   - Calibrate percentile thresholds")
	fmt.Println("    GET  /calibrations/latest            - Latest calibration")
	fmt.Println("    POST /score                          - Score feature records")
	fmt.Println("    POST /alerts                         - Filter and project alerts")
	fmt.Println("    POST /pipeline/run                   - Features, score and alerts in one call")
	fmt.Println("    GET  /transactions/{id}/score        - Latest score of a transaction")
	fmt.Println("    GET  /transactions/{id}/evidence     - Neighbors and typology hints")
	fmt.Println("    POST /transactions/{id}/investigate  - Investigation report")
	fmt.Println("    GET  /rules                          - List loaded rules")
	fmt.Println("    POST /rules                          - Create a new rule")
	fmt.Println("    POST /rules/reload                   - Hot-reload rules from database")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println("    GET  /metrics                        - Prometheus metrics")
	fmt.Println()
}
