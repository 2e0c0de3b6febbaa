package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ticker_daemon/internal/bootstrap"
	"ticker_daemon/internal/credentials"
	"ticker_daemon/internal/exchange"
	"ticker_daemon/internal/infrastructure/health"
	"ticker_daemon/internal/infrastructure/metrics"
	"ticker_daemon/internal/storage/postgres"
	redisstore "ticker_daemon/internal/storage/redis"
	"ticker_daemon/internal/ticker"
	"ticker_daemon/pkg/telemetry"
)

var version = "dev"

var (
	configFile  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("tickerd %s\n", version)
		return
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}
	// Missing config file is fine; env vars and defaults carry the daemon.
	if _, err := os.Stat(*configFile); err != nil {
		*configFile = ""
	}

	// 1. Config + logger
	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger
	cfg := app.Cfg
	logger.Info("starting tickerd", "version", version, "admin", cfg.App.AdminMail)

	// 2. Telemetry
	tel, err := telemetry.Setup("ticker_daemon")
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// 3. Backing services
	ctx := context.Background()
	redisClient, err := redisstore.Connect(ctx, cfg.Cache.RedisURL, logger)
	if err != nil {
		logger.Fatal("cache backend unavailable", "error", err)
	}
	defer redisClient.Close()

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("configuration store unavailable", "error", err)
	}
	defer pool.Close()

	tickCache := redisstore.NewTickCache(redisClient, logger)
	procCache := redisstore.NewProcessCache(redisClient, logger)
	store := postgres.NewStore(pool, logger)

	// 4. Engine wiring
	healthReporter := ticker.NewHealthReporter(procCache, logger)
	manager := ticker.NewManager(tickCache, healthReporter, logger)
	factory := exchange.NewFactory(cfg.Exchanges)
	resolver := credentials.NewResolver(cfg.Exchanges, logger)

	daemon := ticker.NewDaemon(ticker.DaemonConfig{
		AdminMail:          cfg.App.AdminMail,
		SupervisorInterval: time.Duration(cfg.Collector.SupervisorInterval) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Collector.HeartbeatInterval) * time.Second,
		Handler: ticker.HandlerOptions{
			MaxAttempts: cfg.Collector.ReconnectMaxAttempts,
			MaxDelay:    time.Duration(cfg.Collector.ReconnectMaxDelay) * time.Second,
		},
	}, store, procCache, manager, healthReporter, factory, resolver, logger)

	refresher := ticker.NewRefresher(store, daemon, manager, logger,
		time.Duration(cfg.Collector.InitialRefreshDelay)*time.Second,
		time.Duration(cfg.App.SymbolRefreshInterval)*time.Second)

	// 5. Operational HTTP surface
	healthMgr := health.NewManager(logger)
	healthMgr.Register("redis", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return redisClient.Ping(pingCtx).Err()
	})
	healthMgr.Register("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})

	if cfg.Telemetry.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, daemon, logger)
		metricsServer.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(stopCtx)
		}()
	}

	// 6. Run until signal
	if err := app.Run(daemon, refresher); err != nil {
		logger.Error("tickerd exited with error", "error", err)
		os.Exit(1)
	}
}
