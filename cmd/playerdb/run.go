package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/config"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/platform/hytale"
	"github.com/nodecraft/playerdb/internal/platform/minecraft"
	"github.com/nodecraft/playerdb/internal/platform/steam"
	"github.com/nodecraft/playerdb/internal/platform/xbox"
	"github.com/nodecraft/playerdb/internal/server"
	"github.com/nodecraft/playerdb/internal/storage/sqlite"
	"github.com/nodecraft/playerdb/internal/telemetry"
	"github.com/nodecraft/playerdb/internal/upstream"
	"github.com/nodecraft/playerdb/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting playerdb", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Detached work outlives the response that spawned it: cache writes, the
	// edge secondary-key write, analytics.
	detacher := worker.NewDetacher()
	facade := cache.NewFacade(store, cfg.Cache.Bypass, detacher.Go)
	if cfg.Cache.Bypass {
		slog.Warn("persistent cache reads bypassed")
	}

	edge, err := cache.NewResponseCache(cfg.Cache.EdgeMaxSize)
	if err != nil {
		return err
	}

	client := upstream.NewClient(upstream.WithContainerProxies(cfg.Upstream.ContainerProxies))

	manager := hytale.NewManager(store, client, hytale.ManagerConfig{
		RefreshToken: cfg.Hytale.RefreshToken,
		ProfileUUID:  cfg.Hytale.ProfileUUID,
		PoolMin:      cfg.Hytale.PoolMin,
		PoolMax:      cfg.Hytale.PoolMax,
	})

	registry := platform.NewRegistry()
	registry.Register(playerdb.PlatformMinecraft, minecraft.New(client, facade, minecraft.Config{
		RawTLS:        cfg.Upstream.RawTLSEnabled,
		ProxyURL:      cfg.Upstream.MinecraftProxyURL,
		VendorAPIBase: cfg.Upstream.VendorAPIBase,
		VendorKey:     cfg.Keys.Nodecraft,
	}))
	registry.Register(playerdb.PlatformSteam, steam.New(client, facade, cfg.Keys.Steam))
	registry.Register(playerdb.PlatformXbox, xbox.New(client, facade, cfg.Keys.Xbox))
	registry.Register(playerdb.PlatformHytale, hytale.New(client, facade, manager, hytale.Config{
		RawTLS:        cfg.Upstream.RawTLSEnabled,
		VendorAPIBase: cfg.Upstream.VendorAPIBase,
		VendorKey:     cfg.Keys.Nodecraft,
	}))

	analytics := worker.NewAnalyticsRecorder(store)
	runner := worker.NewRunner(
		analytics,
		worker.NewRotationWorker(manager, store),
	)

	handler := server.New(server.Deps{
		Registry:       registry,
		EdgeCache:      edge,
		Analytics:      analytics,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Detach:         detacher.Go,
		ReadyCheck:     store.Ping,
		RequestTimeout: cfg.Server.RequestTimeout,
		Debug:          cfg.Debug,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	if metrics != nil {
		go pollGauges(workerCtx, metrics, manager, analytics)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("playerdb ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain their buffers on cancellation; wait so the final analytics
	// batch lands. Detached cache writes are waited on last.
	cancelWorkers()
	if err := <-workerErr; err != nil {
		slog.Error("worker error during shutdown", "error", err)
	}
	if err := detacher.Drain(shutdownCtx); err != nil {
		slog.Warn("detached work abandoned", "error", err.Error())
	}

	slog.Info("playerdb stopped")
	return nil
}

// pollGauges samples the session pool and analytics queue sizes.
func pollGauges(ctx context.Context, m *telemetry.Metrics, manager *hytale.Manager, analytics *worker.AnalyticsRecorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			size, limit := manager.PoolSize()
			m.SessionPoolSize.Set(float64(size))
			m.SessionPoolLimit.Set(float64(limit))
			m.AnalyticsQueue.Set(float64(analytics.QueueLen()))
		case <-ctx.Done():
			return
		}
	}
}
