package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

func main() {
	configFile := flag.String("config", ConfigFileFromEnv(), "configuration file")
	issueToken := flag.String("issue-admin-token", "", "print an admin token for this subject and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := NewAdminAuth(cfg.JWT).GenerateAdminToken(*issueToken)
		if err != nil {
			fmt.Printf("Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := InitLogger(
		cfg.Observability.ServiceName,
		cfg.Observability.ServiceVersion,
		cfg.Monitoring.LogLevel,
		cfg.Observability.LogFormat,
	); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger := GetLogger()
	defer logger.Sync()

	logger.Info("Starting depiction map",
		zap.String("version", cfg.Observability.ServiceVersion),
		zap.String("config", *configFile),
	)

	if err := run(cfg); err != nil {
		logger.Fatal("Depiction map stopped", zap.Error(err))
	}
	logger.Info("Application shutdown completed")
}

func run(cfg *Config) error {
	logger := GetLogger()

	if cfg.Observability.EnableMetrics {
		if err := InitMetrics(cfg.Observability.ServiceName); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	var stopTracing func(context.Context) error
	if cfg.Observability.EnableTracing {
		stop, err := InitTracing(cfg.Observability.ServiceName, cfg.Observability.ServiceVersion, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", zap.Error(err))
		} else {
			stopTracing = stop
			logger.Info("Tracing initialized", zap.String("endpoint", cfg.Observability.JaegerEndpoint))
		}
	}

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	storage, err := NewStorage(appCtx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	overrides, err := LoadOverrides(cfg.Sources.OverridesFile)
	if err != nil {
		return fmt.Errorf("failed to load overrides: %w", err)
	}
	cache := NewCategoryCache(appCtx, cfg.Redis)

	pool := NewWorkerPool(cfg.Sources.MaxWorkers)
	pool.Start()

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	sourceSet := NewSourceSet(sources, storage, overrides, cache, pool, cfg.Sources.FetchTimeout)
	if err := sourceSet.Preload(appCtx); err != nil {
		return fmt.Errorf("failed to preload storage: %w", err)
	}

	socket := NewSocketSurface(cfg.Map.LoadTimeout)
	layers := NewLayerManager(socket)
	refresher := NewRefreshController(layers, cfg.Map.ClusterOptions())
	controller := NewMapController(
		NewDataLoader(cfg.HTTP.NewClient(cfg.Map.LoadTimeout)),
		refresher,
		layers,
		NewStatusBoard(socket),
		cfg.Map.DatasetURL,
		cfg.Map.DefaultFilters,
	)
	socket.Bind(controller)
	if cfg.Map.Category != "" {
		sourceSet.OnPublish(controller.FollowCategory(appCtx, cfg.Map.Category, cfg.Map.LoadTimeout))
	}
	go func() {
		if err := socket.Serve(); err != nil {
			logger.Error("Socket server stopped", zap.Error(err))
		}
	}()

	health := NewHealthMonitor(cfg.Monitoring.HealthCheckInterval, socket.Clients, healthChecks(storage, cache)...)
	go health.Start()

	rateLimiter := NewRateLimiter(cfg.RateLimiting.PerIPLimit, cfg.RateLimiting.Window)
	shutdownManager := NewShutdownManager(nil, cfg.Server.GracefulShutdownTimeout)

	router, err := NewRouter(&Server{
		Config:      cfg,
		Controller:  controller,
		Sources:     sourceSet,
		Socket:      socket,
		Auth:        NewAdminAuth(cfg.JWT),
		RateLimiter: rateLimiter,
		Health:      health,
		Shutdown:    shutdownManager,
		BaseContext: appCtx,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdownManager.SetServer(server)

	shutdownManager.AddShutdownHandler(ShutdownHandler{
		Name: "update_loop",
		Handler: func(ctx context.Context) error {
			cancelApp()
			return nil
		},
		Priority: 1,
	})
	shutdownManager.AddCloser("socket", 1, 5*time.Second, socket.Close)
	shutdownManager.AddCloser("worker_pool", 2, 15*time.Second, pool.Stop)
	shutdownManager.AddCloser("storage", 3, 10*time.Second, storage.Close)
	shutdownManager.AddCloser("redis", 3, 5*time.Second, cache.Close)
	shutdownManager.AddCloser("rate_limiter", 4, time.Second, rateLimiter.Stop)
	shutdownManager.AddCloser("health_monitor", 4, time.Second, health.Stop)
	if stopTracing != nil {
		shutdownManager.AddShutdownHandler(ShutdownHandler{
			Name:     "tracing",
			Handler:  stopTracing,
			Priority: 5,
			Timeout:  5 * time.Second,
		})
	}

	applyConfig := func(next *Config) {
		refresher.SetClusterOptions(next.Map.ClusterOptions())
	}
	stopSignals := SetupSignalHandling(shutdownManager, func() {
		next, err := ReloadConfig()
		if err != nil {
			logger.Error("Failed to reload configuration", zap.Error(err))
			return
		}
		applyConfig(next)
		logger.Info("Configuration reloaded successfully")
	})
	defer stopSignals()

	if GetEnvBool("DEPICT_WATCH_CONFIG", false) {
		stopWatch, err := WatchConfig(applyConfig)
		if err != nil {
			logger.Error("Failed to start config watcher", zap.Error(err))
		} else {
			shutdownManager.AddCloser("config_watcher", 4, time.Second, stopWatch)
		}
	}

	if cfg.Observability.EnableMetrics {
		go reportSystemMetrics(appCtx, cfg.Monitoring.MetricsInterval)
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			go shutdownManager.StartGracefulShutdown()
		}
	}()

	// The page dataset is usually served by this process, so load it once
	// the listener accepts connections.
	go func() {
		ctx, cancel := context.WithTimeout(appCtx, cfg.Map.LoadTimeout)
		defer cancel()
		if err := controller.Start(ctx); err != nil {
			logger.Warn("Initial dataset load failed", zap.Error(err))
		}
	}()
	if cfg.Sources.Enabled {
		go sourceSet.Run(appCtx, cfg.Sources.CheckInterval)
	}

	shutdownManager.WaitForShutdown()
	return nil
}

func buildSources(cfg *Config) ([]*Source, error) {
	client := cfg.HTTP.NewClient(cfg.Sources.FetchTimeout)
	sources := make([]*Source, 0, len(cfg.Sources.Entries))
	for _, entry := range cfg.Sources.Entries {
		fetcher, err := NewFetcher(client, cfg.Sources, entry)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", entry.Name, err)
		}
		breaker := NewCircuitBreaker("source:"+entry.Name, cfg.CircuitBreaker)
		sources = append(sources, NewSource(entry.Name, entry.File, entry.Categories, fetcher, breaker))
	}
	return sources, nil
}

func healthChecks(storage Storage, cache *CategoryCache) []HealthCheck {
	checks := []HealthCheck{{Name: "storage", Critical: true, Check: storage.Ping}}
	redis := HealthCheck{Name: "redis"}
	if cache.Available() {
		redis.Check = cache.Ping
	}
	return append(checks, redis)
}

func reportSystemMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GetMetricsCollector().UpdateSystemMetrics()
		}
	}
}
