package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acmacalister/webproxy"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./webproxy.yaml, ~/.webproxy/webproxy.yaml, /etc/webproxy/webproxy.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Generate example config mode
	if *genConfig {
		if err := webproxy.WriteExampleConfig("webproxy.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated webproxy.yaml")
		return
	}

	cfg, err := webproxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *webproxy.Config) error {
	logger, closeLog, err := webproxy.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	var metrics *webproxy.Metrics
	if cfg.Metrics.Enabled {
		metrics = webproxy.NewMetrics()
	}

	// Blocklist
	loader, err := cfg.BuildPatternLoader()
	if err != nil {
		return fmt.Errorf("build pattern loader: %w", err)
	}

	blocker, err := webproxy.NewURLBlockerWithPatterns()
	if err != nil {
		return err
	}
	blocker.OnReload = func(count int) {
		logger.Info("blocklist reloaded", "patterns", count)
		if metrics != nil {
			metrics.SetBlocklistPatterns(count)
			metrics.RecordBlocklistReload()
		}
	}
	blocker.OnError = func(err error) {
		logger.Warn("blocklist load failed", "error", err)
		if metrics != nil {
			metrics.RecordBlocklistReloadError()
		}
	}

	if err := blocker.LoadInitial(context.Background(), loader); err != nil {
		logger.Warn("blocklist load failed, using inline patterns", "error", err)
		if err := blocker.Replace(cfg.Blocklist.Patterns); err != nil {
			return fmt.Errorf("blocklist patterns: %w", err)
		}
	}
	logger.Info("blocklist loaded", "patterns", blocker.Count())
	if metrics != nil {
		metrics.SetBlocklistPatterns(blocker.Count())
	}

	// Cache
	store, err := cfg.BuildStore(metrics)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	var cache *webproxy.Memoizer
	if store != nil {
		cache = webproxy.NewMemoizer(store)
		logger.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"ttl", cfg.Cache.TTL,
			"policy", store.Policy().String(),
			"compression", cfg.Cache.Compression,
		)
	}

	connector := cfg.BuildConnector()
	connector.Logger = logger

	handler := &webproxy.Handler{
		Blocker:        blocker,
		Cache:          cache,
		Connector:      connector,
		OverrideTarget: cfg.Server.OverrideTarget,
		BufferSize:     cfg.Server.BufferSize,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Logger:         logger,
		AccessLog:      webproxy.NewAccessLogger(logger),
		Metrics:        metrics,
	}

	health := webproxy.NewHealthChecker()
	if len(cfg.Blocklist.Sources) > 0 {
		health.AddCheck("blocklist", webproxy.BlocklistCheck(blocker))
	}

	proxy := webproxy.NewProxy(cfg.Server.Addr(), handler)
	proxy.MaxWorkers = cfg.Server.MaxWorkers
	proxy.Backlog = cfg.Server.MaxConnections
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.HealthChecker = health

	if cfg.Server.RateLimit.Enabled {
		rl := webproxy.NewRateLimiter(cfg.Server.RateLimit.Rate, cfg.Server.RateLimit.Burst)
		defer rl.Close()
		proxy.RateLimiter = rl
		logger.Info("rate limiting enabled", "rate", cfg.Server.RateLimit.Rate, "burst", cfg.Server.RateLimit.Burst)
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Blocklist.ReloadInterval > 0 && len(cfg.Blocklist.Sources) > 0 {
		cancel := blocker.StartAutoReload(ctx, loader, cfg.Blocklist.ReloadInterval)
		defer cancel()
		logger.Info("blocklist auto-reload enabled", "interval", cfg.Blocklist.ReloadInterval)
	}

	sighup := webproxy.WatchSIGHUP(blocker, loader, logger)
	defer sighup.Cancel()

	var admin *webproxy.AdminAPI
	if cfg.Admin.Enabled {
		admin = webproxy.NewAdminAPI(proxy)
		admin.Logger = logger
		admin.MaxConns = cfg.Admin.MaxConns
		admin.ReloadFunc = func(ctx context.Context) error {
			return blocker.Reload(ctx, loader)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := proxy.ListenAndServe()
		if errors.Is(err, webproxy.ErrProxyClosed) {
			return nil
		}
		return err
	})

	if admin != nil {
		g.Go(func() error {
			return admin.ListenAndServe(cfg.Admin.Addr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if admin != nil {
			_ = admin.Shutdown(shutdownCtx)
		}
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Warn("connections still open at shutdown deadline", "error", err)
		}
		return nil
	})

	return g.Wait()
}
