package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"diamond-pricer/internal/cache"
	"diamond-pricer/internal/cfg"
	"diamond-pricer/internal/common"
	"diamond-pricer/internal/metrics"
	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/schema"
	"diamond-pricer/internal/server"
	"diamond-pricer/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := schema.Diamonds(c.SchemaRules...)
	if err != nil {
		log.Fatal().Err(err).Msg("schema rules invalid")
	}

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	loader, closeLoader, err := initializeLoader(c, s)
	if err != nil {
		log.Fatal().Err(err).Msg("bundle store initialization failed")
	}
	defer closeLoader()

	opts := []ml.ServiceOption{
		ml.WithMetrics(mw),
		ml.WithPredictTimeout(c.PredictTimeout),
	}
	resultCache, closeCache := initializeCache(ctx, c)
	if resultCache != nil {
		opts = append(opts, ml.WithCache(resultCache))
	}
	defer closeCache()

	svc := ml.NewService(s, loader, opts...)
	// A missing bundle is not fatal: the service reports unavailable until
	// a reload succeeds.
	if err := svc.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("starting without a bundle")
	}

	startMetricsServer(ctx, c)

	srv := server.New(svc, mw, server.Config{
		Port:         c.HTTPPort,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("prediction server failed")
			cancel()
		}
	}()

	var wg sync.WaitGroup
	startReloader(ctx, &wg, svc, c.ReloadInterval)

	waitForShutdown(ctx, cancel, &wg, srv)
}

func setupLogging(c cfg.Settings) {
	zerolog.SetGlobalLevel(c.ZerologLevel())
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeLoader picks the bundle store configured by BUNDLE_STORE.
func initializeLoader(c cfg.Settings, s *schema.Schema) (ml.BundleLoader, func(), error) {
	loadOpts := []ml.LoadOption{ml.WithRemoteTimeout(c.RemoteTimeout)}

	switch c.BundleStore {
	case common.BundleStoreBolt:
		log.Info().Str("path", c.DataPath).Str("pinned", c.BundleVersion).Msg("serving bundles from bolt store")
		return storage.OpenLoader(c.DataPath, c.BundleVersion, s, loadOpts...), func() {}, nil
	default:
		log.Info().Str("dir", c.BundleDir).Str("pinned", c.BundleVersion).Msg("serving bundles from directory")
		return ml.CatalogLoader(c.BundleDir, c.BundleVersion, s, loadOpts...), func() {}, nil
	}
}

// initializeCache returns nil when caching is disabled or the backend is
// unreachable.
func initializeCache(ctx context.Context, c cfg.Settings) (ml.ResultCache, func()) {
	switch c.CacheBackend {
	case common.CacheMemory:
		mc := cache.NewMemory(c.CacheSize, c.CacheTTL)
		return mc, func() { mc.Close() }
	case common.CacheRedis:
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rc, err := cache.NewRedis(connectCtx, cache.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			TTL:      c.CacheTTL,
		})
		if err != nil {
			log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("redis cache unavailable, continuing without cache")
			return nil, func() {}
		}
		return rc, func() { rc.Close() }
	default:
		return nil, func() {}
	}
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startReloader reloads the bundle on SIGHUP and, when interval > 0, on a
// timer.
func startReloader(ctx context.Context, wg *sync.WaitGroup, svc *ml.Service, interval time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		tick = ticker.C
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			ticker.Stop()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info().Msg("SIGHUP received, reloading bundle")
			case <-tick:
			}
			// Reload logs its own failures and keeps the current bundle.
			_ = svc.Reload(ctx)
		}
	}()
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, srv *server.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown prediction server")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
