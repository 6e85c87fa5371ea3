package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/auth"
	"github.com/dev-xo/remix-saas-sub001/internal/billing"
	"github.com/dev-xo/remix-saas-sub001/internal/config"
	"github.com/dev-xo/remix-saas-sub001/internal/database"
	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/httpserver"
	"github.com/dev-xo/remix-saas-sub001/internal/logging"
	"github.com/dev-xo/remix-saas-sub001/internal/migrations"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/session"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
	"github.com/dev-xo/remix-saas-sub001/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbProvider := database.NewProvider(cfg.DatabaseURL)
	defer dbProvider.Close()

	database.LogTarget(logger, "primary", cfg.DatabaseURL)
	db, err := dbProvider.Get(ctx)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := migrations.UpWithDirtyFix(db, logger); err != nil {
		logger.Fatal("failed to apply database migrations", zap.Error(err))
	}

	users, err := store.New(db)
	if err != nil {
		logger.Fatal("failed to create store", zap.Error(err))
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		logger.Fatal("failed to create plan store", zap.Error(err))
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		logger.Fatal("failed to create job store", zap.Error(err))
	}

	gateway := stripe.NewClient(cfg.StripeSecretKey, stripe.WithLogger(logger))

	publisher := events.Connect(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	defer publisher.Close()

	var memorySessions *session.MemoryStore
	var sessionStore session.Store
	if cfg.RedisURL != "" {
		rdb, err := session.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		sessionStore = session.NewRedisStore(rdb)
		logger.Info("sessions stored in redis")
	} else {
		logger.Warn("REDIS_URL not set, sessions are kept in memory")
		memorySessions = session.NewMemoryStore()
		sessionStore = memorySessions
	}
	sessions := session.NewManager(sessionStore, session.Config{
		CookieName: cfg.SessionCookieName,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.CookieSecure,
	})

	svc, err := billing.NewService(billing.Dependencies{
		Gateway:       gateway,
		Users:         users,
		Subscriptions: users,
		Plans:         plans,
		Jobs:          jobs,
		Events:        publisher,
		DeletePolicy:  models.DeletePolicy(cfg.UserDeletePolicy),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create billing service", zap.Error(err))
	}

	var providers []auth.Provider
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHub(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.CallbackURL("github")))
	}
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.CallbackURL("google")))
	}
	registry := auth.NewRegistry(providers...)
	if len(providers) == 0 {
		logger.Warn("no social login providers configured")
	} else {
		logger.Info("social login enabled", zap.Strings("providers", registry.Names()))
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(workerCfg, jobs, logger)
	jobWorker.RegisterHandlers(svc.ReconcileHandlers())

	scheduler, err := worker.NewScheduler(jobs, worker.SchedulerConfig{
		CleanupSchedule: cfg.JobCleanupSchedule,
		StaleSchedule:   cfg.StaleJobSchedule,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create job scheduler", zap.Error(err))
	}
	if memorySessions != nil {
		err := scheduler.Schedule("@every 10m", "session sweep", func() {
			if n := memorySessions.DeleteExpired(); n > 0 {
				logger.Debug("expired sessions removed", zap.Int("removed", n))
			}
		})
		if err != nil {
			logger.Fatal("failed to schedule session sweep", zap.Error(err))
		}
	}

	srv := httpserver.New(cfg, httpserver.Dependencies{
		Users:         users,
		Plans:         plans,
		Subscriptions: users,
		Jobs:          jobs,
		Gateway:       gateway,
		Billing:       svc,
		Providers:     registry,
		Sessions:      sessions,
		Events:        publisher,
		Worker:        jobWorker,
		Scheduler:     scheduler,
	}, logger)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	<-stopped
	logger.Info("server stopped")
}
