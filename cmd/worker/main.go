package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"registrar/internal/app"
	"registrar/internal/config"
	"registrar/internal/logger"
)

// Worker runs the reconciliation scheduler and consumes queued report refreshes.
func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Warn().Msg("QUEUE_BACKEND is not redis; this worker will only see its own messages")
	}
	if cfg.LockBackend != "redis" {
		log.Warn().Msg("LOCK_BACKEND is not redis; run the scheduler in one process only")
	}

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// Check chat gateway health on startup
	if !cfg.ChatSkip {
		if err := a.Chat.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("Chat gateway not available; side effects will fail until it recovers")
		} else {
			log.Info().Msg("Chat gateway connected")
		}
	}

	sched, err := a.StartScheduler()
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler init failed")
	}
	defer sched.Stop()

	// metrics only; the admin API lives in cmd/api
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if err := a.Worker().Run(ctx, a.Queue); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped with error")
	}
}
