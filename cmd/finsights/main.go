package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"finsights/internal/amqp"
	"finsights/internal/backend"
	"finsights/internal/budget"
	"finsights/internal/cli"
	"finsights/internal/cohort"
	"finsights/internal/config"
	apphttp "finsights/internal/http"
	"finsights/internal/ledger"
	applog "finsights/internal/log"
	"finsights/internal/percentile"
	"finsights/internal/ports"
	"finsights/internal/quota"
	"finsights/internal/telemetry"
	"finsights/internal/worker"
)

const (
	serviceName     = "finsights"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cli.LoadEnvFile()

	bootLogger := cli.SetupLogger("info", "text")
	cfg := cli.LoadAndValidateConfig(bootLogger)
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	logger.Info("Starting finsights",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"ledger_source", cfg.LedgerSource,
		"cache", cfg.CacheBackend)

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}

	store, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", backendCfg.Type)
		os.Exit(1)
	}

	summaryCache, err := backend.CreateCache[budget.Summary](ctx, logger, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize summary cache", "error", err, "cache", backendCfg.CacheType)
		os.Exit(1)
	}

	budgetOpts := []budget.Option{
		budget.WithDefaultTrendWindow(cfg.TrendWindow),
		budget.WithRetryBackoff(cfg.RetryBackoff),
	}
	if summaryCache.Cache != nil {
		budgetOpts = append(budgetOpts, budget.WithCache(summaryCache.Cache, store.Versions))
	}
	budgetSvc := budget.NewService(ledger.NewReader(store.Ledger, cfg.RetryBackoff), store.Store, budgetOpts...)

	index := cohort.NewIndex(store.Store, cfg.RetryBackoff)
	cohortWorker := worker.NewCohortWorker(index, cfg.CohortRefreshInterval)

	checks := map[string]ports.Pinger{"store": store.Store}

	// The publisher stays a nil interface without AMQP so that events are
	// skipped rather than sent to a nil client.
	var (
		events     percentile.EventPublisher
		amqpClient *amqp.Client
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		events = amqpClient
		checks["amqp"] = amqpClient
	} else {
		logger.Info("AMQP disabled - cohort changes stay local until the next refresh")
	}

	rankingSvc := percentile.NewService(index, store.Store, store.Store, store.Store, events, cfg.MinCohortSize, cfg.RetryBackoff)
	quotaSvc := quota.NewService(store.Store, quotaPolicy(cfg), cfg.QuotaLookback, cfg.RetryBackoff)

	srv := apphttp.NewServer(
		apphttp.Config{
			Addr:               ":" + cfg.Port,
			RequestTimeout:     cfg.RequestTimeout,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		},
		apphttp.Services{
			Budget:  budgetSvc,
			Ranking: rankingSvc,
			Quota:   quotaSvc,
			Checks:  checks,
		},
		applog.New(applog.Config{Handler: logger.Handler(), Component: applog.ComponentHTTP}),
	)
	srv.MaxHeaderBytes = 1 << 16

	var background sync.WaitGroup
	runCtx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		background.Wait()
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close error", "error", err)
			}
		}
		if summaryCache.Cleanup != nil {
			if err := summaryCache.Cleanup(); err != nil {
				logger.Warn("Cache cleanup error", "error", err)
			}
		}
		if store.Cleanup != nil {
			if err := store.Cleanup(); err != nil {
				logger.Warn("Backend cleanup error", "error", err)
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown error", "error", err)
		}
	})

	background.Add(2)
	go func() {
		defer background.Done()
		start := time.Now()
		if err := index.WarmUp(runCtx); err != nil && runCtx.Err() == nil {
			// Brackets that failed load lazily on first use.
			logger.Warn("Cohort warm-up incomplete", "error", err)
			return
		}
		logger.Info("Cohort index warmed up", "duration", time.Since(start), "sizes", index.Sizes())
	}()
	go func() {
		defer background.Done()
		cohortWorker.RunRefresh(runCtx)
	}()

	if amqpClient != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			err := amqpClient.ConsumeCohortEvents(runCtx, cohortWorker.HandleCohortEvent)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Cohort event consumption stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err, "port", cfg.Port)
			os.Exit(1)
		}
	}()

	cli.WaitForShutdown(runCtx, done)
	slog.Info("Server stopped gracefully")
}

func quotaPolicy(cfg *config.Config) quota.Policy {
	return quota.Policy{
		Baseline:   cfg.QuotaBaseline,
		Min:        cfg.QuotaMin,
		Max:        cfg.QuotaMax,
		TargetRate: cfg.QuotaTargetRate,
	}
}
