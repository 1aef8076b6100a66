// Package app wires the shared runtime of the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"registrar/internal/attendance"
	"registrar/internal/chatclient"
	"registrar/internal/config"
	"registrar/internal/lock"
	"registrar/internal/metrics"
	"registrar/internal/queue"
	"registrar/internal/report"
	"registrar/internal/scheduler"
	"registrar/internal/store"
	"registrar/internal/worker"
)

// App is one process's view of the system. Service, Reconciler and Publisher
// share a single Locker and SettingsCache.
type App struct {
	Config     config.App
	DB         *store.DB
	Redis      *store.Redis
	Queue      queue.Queue
	Locker     attendance.Locker
	Cache      *attendance.SettingsCache
	Chat       *chatclient.Client
	Metrics    *metrics.Metrics
	Publisher  *report.Publisher
	Service    *attendance.Service
	Reconciler *attendance.Reconciler
	Log        zerolog.Logger
}

// New connects to storage, runs migrations and builds every component.
func New(ctx context.Context, cfg config.App, reg prometheus.Registerer, log zerolog.Logger) (*App, error) {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db migrate failed: %w", err)
	}

	a := &App{Config: cfg, DB: db, Log: log}
	if cfg.QueueBackend == "redis" || cfg.LockBackend == "redis" {
		a.Redis, err = store.NewRedis(ctx, store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis connect failed: %w", err)
		}
	}

	if cfg.QueueBackend == "redis" {
		a.Queue = queue.NewRedisQueue(a.Redis.Client, "registrar:queue")
	} else {
		a.Queue = queue.NewInMemory(64)
	}
	if cfg.LockBackend == "redis" {
		a.Locker = lock.NewRedis(a.Redis.Client, "", 0)
	} else {
		a.Locker = lock.NewLocal()
	}

	repo := attendance.NewRepository(db.Client, db.Dialect)
	a.Cache = attendance.NewSettingsCache(repo, cfg.DefaultUTCOffset)
	if cfg.QueueBackend == "redis" {
		// other processes hold their own caches
		a.Cache.OnChange = worker.Broadcast(a.Queue, log)
	}
	a.Chat = chatclient.New(cfg.ChatGatewayURL, cfg.ChatGatewayToken, cfg.ExternalTimeout, cfg.ChatSkip)
	a.Metrics = metrics.New(reg)

	a.Publisher = report.NewPublisher(report.Options{
		Cache:     a.Cache,
		Store:     repo,
		Messages:  a.Chat,
		Directory: a.Chat,
		Locker:    a.Locker,
		Timeout:   cfg.ExternalTimeout,
		Metrics:   a.Metrics,
		Log:       log,
	})
	deps := attendance.Deps{
		Store:           repo,
		Cache:           a.Cache,
		Locker:          a.Locker,
		Directory:       a.Chat,
		Messages:        a.Chat,
		Effects:         attendance.NewEffects(a.Chat, a.Chat, cfg.ExternalTimeout, cfg.SideEffectDelay, a.Metrics, log),
		Refresher:       a.Publisher,
		Metrics:         a.Metrics,
		Log:             log,
		ExternalTimeout: cfg.ExternalTimeout,
	}
	a.Service = attendance.NewService(deps)
	a.Reconciler = attendance.NewReconciler(deps)
	return a, nil
}

// ReconcileJob is the reconciliation tick as a scheduler job.
func (a *App) ReconcileJob() scheduler.Func {
	return scheduler.Func{JobName: "reconcile", Fn: a.Reconciler.Tick}
}

// Scheduler returns a scheduler running the reconciliation tick every
// TickInterval.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Log)
	if err := s.Every(a.Config.TickInterval, a.ReconcileJob()); err != nil {
		return nil, err
	}
	return s, nil
}

// StartScheduler runs one catch-up tick for anything missed while the process
// was down, then starts the periodic schedule.
func (a *App) StartScheduler() (*scheduler.Scheduler, error) {
	s, err := a.Scheduler()
	if err != nil {
		return nil, err
	}
	if err := s.RunNow(a.ReconcileJob()); err != nil {
		a.Log.Warn().Err(err).Msg("startup reconcile failed")
	}
	s.Start()
	return s, nil
}

// Worker returns a queue worker bound to this process's publisher and cache.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.Publisher, a.Cache, 0, a.Log)
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.DB.Close()
}
