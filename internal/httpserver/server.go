package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/config"
	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/handlers"
	"github.com/dev-xo/remix-saas-sub001/internal/middleware"
	"github.com/dev-xo/remix-saas-sub001/internal/session"
	"github.com/dev-xo/remix-saas-sub001/internal/worker"
)

// UserStore is the user repository surface the routes need.
type UserStore interface {
	handlers.AuthUserStore
	handlers.ThemeUpdater
	handlers.UserReader
	handlers.BillingUsers
	handlers.UserLister
}

// PlanStore is the plan repository surface the routes need.
type PlanStore interface {
	handlers.PlanAdminStore
	handlers.PlanReader
}

// BillingService runs the billing workflows behind the user and webhook routes.
type BillingService interface {
	handlers.BillingWorkflows
	handlers.AccountDeleter
	handlers.WebhookProcessor
}

// Dependencies bundles everything the router wires together. Jobs, Worker
// and Scheduler are optional.
type Dependencies struct {
	Users         UserStore
	Plans         PlanStore
	Subscriptions handlers.SubscriptionReader
	Jobs          handlers.JobStore
	Gateway       handlers.CheckoutGateway
	Billing       BillingService
	Providers     handlers.ProviderRegistry
	Sessions      *session.Manager
	Events        events.Publisher
	Worker        *worker.Worker
	Scheduler     *worker.Scheduler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	scheduler  *worker.Scheduler
	logger     *zap.Logger
	jobsCtx    context.Context
	cancel     context.CancelFunc
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(logger)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.AccessLog(logger))
	router.Use(chimiddleware.Recoverer)

	if origins := cfg.Origins(); len(origins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if deps.Sessions != nil {
		router.Use(middleware.LoadSession(deps.Sessions, logger))
	}

	router.Get("/healthz", handlers.Health)
	router.Get("/api/plans", handlers.ListPlans(deps.Plans, true, logger))
	router.Post("/api/webhooks/stripe", handlers.StripeWebhook(cfg.StripeWebhookSecret, deps.Billing, logger))
	router.Post("/resources/user/theme", handlers.Theme(deps.Users, cfg.CookieSecure, logger))

	if deps.Providers != nil && deps.Sessions != nil {
		authHandler := &handlers.AuthHandler{
			Providers:       deps.Providers,
			Sessions:        deps.Sessions,
			Users:           deps.Users,
			Billing:         deps.Billing,
			Events:          deps.Events,
			SuccessRedirect: cfg.AuthSuccessRedirect,
			Logger:          logger,
		}
		authHandler.RegisterRoutes(router)
	}

	billingHandler := &handlers.BillingHandler{
		Plans:         deps.Plans,
		Users:         deps.Users,
		Subscriptions: deps.Subscriptions,
		Gateway:       deps.Gateway,
		Billing:       deps.Billing,
		AppBaseURL:    cfg.AppBaseURL,
		ReturnPath:    cfg.AuthSuccessRedirect,
		Logger:        logger,
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Post("/resources/user/delete-user", handlers.DeleteUser(deps.Billing, deps.Sessions, logger))
		r.Get("/api/me", handlers.Me(deps.Users, logger))
		billingHandler.RegisterRoutes(r)
	})

	if cfg.AdminToken != "" {
		router.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(cfg.AdminToken))
			r.Get("/api/admin/users", handlers.Users(deps.Users, logger))
			r.Get("/api/admin/plans", handlers.ListPlans(deps.Plans, false, logger))
			r.Post("/api/admin/plans", handlers.CreatePlan(deps.Plans, logger))
			r.Patch("/api/admin/plans/{id}", handlers.UpdatePlan(deps.Plans, logger))
			r.Delete("/api/admin/plans/{id}", handlers.DeletePlan(deps.Plans, logger))
			if deps.Jobs != nil {
				jobHandler := &handlers.JobHandler{Store: deps.Jobs, Logger: logger}
				jobHandler.RegisterRoutes(r)
			}
		})
	} else {
		logger.Warn("ADMIN_TOKEN not set, admin routes disabled")
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     zap.NewStdLog(logger),
	}

	jobsCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: srv,
		worker:     deps.Worker,
		scheduler:  deps.Scheduler,
		logger:     logger,
		jobsCtx:    jobsCtx,
		cancel:     cancel,
	}
}

// Start begins serving HTTP traffic and starts the background jobs.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	if s.worker != nil {
		s.logger.Info("starting job worker", zap.String("worker_id", s.worker.ID()))
		s.worker.Start(s.jobsCtx)
	}
	if s.scheduler != nil {
		s.scheduler.Start()
	}

	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then drains the worker and scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	if s.worker != nil {
		s.logger.Info("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Warn("worker shutdown", zap.Error(werr))
		}
	}
	s.cancel()
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
