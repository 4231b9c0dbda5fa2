package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"prism/internal/backend"
	"prism/internal/bandit"
	"prism/internal/budget"
	"prism/internal/cache"
	"prism/internal/chat"
	"prism/internal/config"
	"prism/internal/gateway"
	"prism/internal/maintenance"
	"prism/internal/models"
	"prism/internal/monitoring"
	"prism/internal/orchestrator"
	"prism/internal/perf"
	"prism/internal/provider"
	"prism/internal/ratelimit"
	"prism/internal/store"
	"prism/internal/version"
	"prism/internal/websearch"
)

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runCheckConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: port=%d, %d budget tiers, %d router arms\n",
		cfg.Port, len(cfg.Budget.Tiers), len(cfg.Router.Arms))
	return nil
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting prism gateway",
		zap.String("version", version.Full()),
		zap.Int("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.New()

	// Cache: the remote tier is optional; without it the layer runs
	// fast-tier-only and reports degraded health.
	var remote *cache.RemoteCache
	if cfg.Cache.RemoteURL != "" {
		remote, err = cache.NewRemoteCache(cfg.Cache.RemoteURL, cfg.Cache.MaxConnections, logger)
		if err != nil {
			logger.Warn("remote cache unavailable, continuing without it", zap.Error(err))
			remote = nil
		}
	}
	layer := cache.NewLayer(cfg.Cache.FastMaxSize, remote, logger, cache.WithObserver(metrics))
	defer layer.Close()

	// Inference backend and model pool.
	client := backend.NewClient(backend.Config{
		Host:           cfg.Backend.Host,
		MaxRetries:     cfg.Backend.MaxRetries,
		RequestTimeout: cfg.Backend.RequestTimeout,
		HealthTimeout:  cfg.Backend.HealthTimeout,
	}, logger)
	defer client.Close()

	manager := models.NewManager(client, models.Config{
		DefaultModel:  cfg.Models.DefaultModel,
		FallbackModel: cfg.Models.FallbackModel,
		PreloadTiers:  cfg.Models.PreloadTiers,
	}, logger, models.WithObserver(metrics))
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("model pool initialization failed: %w", err)
	}

	// Audit store doubles as the budget layer's long-horizon usage source.
	audit, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	optimizer := budget.NewOptimizer(cfg.Budget, manager, layer, logger,
		budget.WithUsageSource(audit))

	// Search providers.
	searcher, err := provider.NewBraveSearch(provider.BraveConfig{
		APIKey:         cfg.Search.BraveAPIKey,
		Endpoint:       cfg.Search.BraveEndpoint,
		DefaultResults: cfg.Search.ResultCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("search provider: %w (set BRAVE_API_KEY)", err)
	}
	if err := searcher.Initialize(ctx); err != nil {
		return fmt.Errorf("search provider: %w", err)
	}
	defer searcher.Close()
	searcher.SetObserver(metrics)

	scraper := provider.NewPageScraper(cfg.Search.ScrapeTimeout, logger)
	scraper.SetObserver(metrics)

	// Query graphs.
	chatGraph, err := chat.NewGraph(manager, optimizer, layer, chat.Config{
		NodeTimeout:     cfg.Runtime.NodeTimeout,
		MaxPathLength:   cfg.Runtime.MaxPathLength,
		ResponseTTL:     time.Duration(cfg.Cache.ResponsesTTL) * time.Second,
		ConversationTTL: time.Duration(cfg.Cache.ConversationsTTL) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	searchGraph, err := websearch.NewGraph(searcher, scraper, manager, optimizer, layer, websearch.Config{
		ResultCount:     cfg.Search.ResultCount,
		MaxEnhance:      cfg.Search.MaxEnhance,
		EnhanceParallel: cfg.Search.EnhanceParallel,
		ScrapeTimeout:   cfg.Search.ScrapeTimeout,
		NodeTimeout:     cfg.Runtime.NodeTimeout,
		MaxPathLength:   cfg.Runtime.MaxPathLength,
		CacheTTL:        cfg.Search.CacheTTL,
		RoutingTTL:      time.Duration(cfg.Cache.RoutingTTL) * time.Second,
	}, logger)
	if err != nil {
		return err
	}

	// Adaptive router, restored from its last persisted posteriors.
	router := bandit.NewRouter(bandit.Config{
		Arms:               cfg.Router.Arms,
		MinExplorationRate: cfg.Router.MinExplorationRate,
	}, layer, logger)
	if router.Load(ctx) {
		logger.Info("router state restored")
	}

	tracker := perf.NewTracker(perf.DefaultTargets())

	orch := orchestrator.New(router, chatGraph, searchGraph, optimizer, tracker, metrics,
		orchestrator.Config{
			DefaultBudget:  0.1,
			RequestTimeout: cfg.Runtime.RequestTimeout,
		}, logger, orchestrator.WithAudit(audit))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(time.Minute, cfg.RateLimit.RequestsPerMinute)
	}

	scheduler := maintenance.New(layer, limiter, router, tracker, optimizer, audit,
		maintenance.Config{}, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	srv := gateway.New(orch, limiter, metrics, tracker, router, layer, manager, client,
		gateway.Config{Port: cfg.Port}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	router.Save(shutdownCtx)
	return nil
}
