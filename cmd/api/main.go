package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"registrar/internal/api"
	"registrar/internal/app"
	"registrar/internal/config"
	"registrar/internal/httpmiddleware"
	"registrar/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
		if cfg.JWTSigningKey == "dev-signing-secret-change" {
			log.Fatal().Msg("JWT_SIGNING_KEY must be set in production")
		}
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.QueueBackend != "redis" {
		// no separate worker can reach an in-memory queue
		go func() { _ = a.Worker().Run(ctx, a.Queue) }()
	}
	if cfg.SchedulerEnabled {
		sched, err := a.StartScheduler()
		if err != nil {
			return err
		}
		defer sched.Stop()
	}

	checks := map[string]api.HealthCheck{"db": a.DB.Healthy}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy
	}
	if !cfg.ChatSkip {
		checks["chat"] = func(ctx context.Context) bool { return a.Chat.Health(ctx) == nil }
	}

	server := api.New(api.Options{
		Service:     a.Service,
		Reports:     a.Publisher,
		Queue:       a.Queue,
		Checks:      checks,
		Metrics:     promhttp.Handler(),
		Limiter:     httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, nil),
		CORSOrigins: cfg.CORSOrigins,
		JWTKey:      cfg.JWTSigningKey,
		JWTIssuer:   cfg.JWTIssuer,
		AccessTTL:   cfg.AccessTTL,
		AdminKey:    cfg.AdminAPIKey,
		Log:         log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		return err
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server forced shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Background jobs still running at shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}
