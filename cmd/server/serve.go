package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"salesdash/backend/internal/cache"
	"salesdash/backend/internal/config"
	"salesdash/backend/internal/forecast"
	"salesdash/backend/internal/httpapi"
	"salesdash/backend/internal/logging"
	"salesdash/backend/internal/metrics"
	"salesdash/backend/internal/service"
	"salesdash/backend/internal/store"
	"salesdash/backend/internal/store/memory"
	pgstore "salesdash/backend/internal/store/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(contextOrBackground(parent), 10*time.Second)
	defer cancel()

	m := metrics.New()
	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		pg.OnRetry(m.SaleIDRetry)
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository selected", zap.String("repository", "postgres"))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository selected", zap.String("repository", "memory"))
	}

	var cacheStore cache.Cache = cache.NoopCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache selected", zap.String("cache", "redis"))
		}
	} else {
		logger.Info("cache selected", zap.String("cache", "noop"))
	}

	forecaster := forecast.New(cfg.ForecastURL, cfg.ForecastTimeout(), cacheStore, cfg.ForecastCacheTTL(), logger)
	forecaster.OnOutcome(m.ForecastOutcome)
	closers = append(closers, forecaster.Close)
	if cfg.ForecastURL == "" {
		logger.Warn("FORECAST_URL not set, dashboards are served without forecasts")
	}

	svc := service.New(repo, forecaster, cacheStore, service.Options{
		StoreTimeout:    cfg.StoreTimeout(),
		BarcodeCacheTTL: cfg.BarcodeCacheTTL(),
		MaxBatchItems:   cfg.MaxBatchItems,
		Metrics:         m,
	}, logger)
	verifier := httpapi.NewTokenVerifier(cfg.AuthSecret, cfg.AuthIssuer)
	api := httpapi.New(svc, verifier, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		WriteRatePerMinute: cfg.WriteRatePerMinute,
		Metrics:            m,
	}, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("salesdash backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case <-sig:
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return runErr
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
