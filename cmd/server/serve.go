package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	apihttp "ytkara/internal/api/http"
	"ytkara/internal/app"
	"ytkara/internal/metrics"
	"ytkara/internal/services/media/cache"
	"ytkara/internal/services/media/fetcher/ytdlp"
	"ytkara/internal/services/media/probe/ffprobe"
	"ytkara/internal/services/session"
	"ytkara/internal/telemetry"
	"ytkara/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Duration("gracePeriod", cfg.CacheGracePeriod),
		slog.Int("retainHistory", cfg.CacheRetainHistory),
		slog.Int("fetchWorkers", cfg.FetchWorkers),
		slog.String("stateStore", cfg.StateStore),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	store, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := session.NewManager(session.Options{
		Store:        store,
		HistoryLimit: cfg.StateHistoryLimit,
		Logger:       logger,
	})
	if err := manager.Restore(ctx); err != nil {
		logger.Warn("session restore failed, starting empty", slog.String("error", err.Error()))
	}

	prober := ffprobe.New(cfg.FFProbePath)
	fetcher := ytdlp.New(ytdlp.Options{
		Binary:             cfg.YTDLPPath,
		Format:             cfg.YTDLPFormat,
		ExtractorArgs:      cfg.YTDLPExtractorArgs,
		CookiesFromBrowser: cfg.YTDLPCookiesFromBrowser,
		CookiesFile:        cfg.YTDLPCookiesFile,
		Timeout:            cfg.FetchTimeout,
	}, prober, logger)

	mediaCache, err := cache.New(cache.Config{
		Root:          cfg.CacheDir,
		GracePeriod:   cfg.CacheGracePeriod,
		RetainHistory: cfg.CacheRetainHistory,
		Workers:       cfg.FetchWorkers,
		FetchTimeout:  cfg.FetchTimeout,
	}, fetcher, logger)
	if err != nil {
		return fmt.Errorf("media cache init: %w", err)
	}

	cacheSync := usecase.NewCacheSync(mediaCache, logger)
	manager.OnChange(cacheSync.OnSnapshot)
	// Warm the cache for a restored queue.
	cacheSync.Notify(manager.Playback())

	go manager.Run(rootCtx, cfg.StateSaveInterval)

	janitor := &usecase.CacheJanitor{
		Cache:        mediaCache,
		State:        manager.Playback,
		Logger:       logger,
		MinFreeBytes: cfg.CacheMinFreeBytes,
		Interval:     cfg.CacheSweepInterval,
	}
	go janitor.Run(rootCtx)
	if cfg.CacheMinFreeBytes > 0 {
		logger.Info("cache janitor: free space threshold",
			slog.String("minFree", humanize.IBytes(uint64(cfg.CacheMinFreeBytes))),
		)
	}

	handler := apihttp.NewServer(mediaCache,
		apihttp.WithSession(manager),
		apihttp.WithLogger(logger),
		apihttp.WithPublicPort(publicPort(cfg)),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /api/video blocks for the whole fetch and /media streams files.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			serveErr = err
		}
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	mediaCache.Close()
	cacheSync.Wait()
	if err := manager.Save(shutdownCtx); err != nil {
		logger.Warn("final session save failed", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return serveErr
}

// publicPort is the port advertised to clients: PUBLIC_PORT, or the port of
// HTTP_ADDR.
func publicPort(cfg app.Config) int {
	if cfg.PublicPort > 0 {
		return cfg.PublicPort
	}
	_, portRaw, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return 0
	}
	return port
}
