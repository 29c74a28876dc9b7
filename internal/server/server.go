// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it connects storage, the mailing-list
// client, services, handlers, middleware and routes. It decides:
// - Which backend stores leads (SQLite file or Postgres)
// - Where rate-limit windows live (process memory or Redis)
// - Which URL patterns map to which handler functions
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → repository.Store ─┐
//	              → ratelimit.Counter ─┼→ services → handlers → chi routes
//	              → zoho.Subscriber ──┘
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes), rather than scattered across the codebase. The CLI
// reuses the same wiring for the resync command.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/leadsync/internal/auth"
	"github.com/sakif/leadsync/internal/config"
	"github.com/sakif/leadsync/internal/handler"
	"github.com/sakif/leadsync/internal/inflight"
	"github.com/sakif/leadsync/internal/metrics"
	"github.com/sakif/leadsync/internal/middleware"
	"github.com/sakif/leadsync/internal/ratelimit"
	"github.com/sakif/leadsync/internal/repository"
	"github.com/sakif/leadsync/internal/repository/postgres"
	sqliteRepo "github.com/sakif/leadsync/internal/repository/sqlite"
	"github.com/sakif/leadsync/internal/service"
	"github.com/sakif/leadsync/internal/turnstile"
	"github.com/sakif/leadsync/internal/zoho"
)

// Rate-limit policies.
const (
	subscribeWindow = 60 * time.Second
	subscribeMax    = 15
	loginWindow     = 10 * time.Minute
	loginMax        = 5
)

// outboundTimeout bounds every call to Zoho and the identity provider.
const outboundTimeout = 15 * time.Second

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database pool and, when configured, the Redis client.
// Close releases both; Start calls it during graceful shutdown.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	store   repository.Store
	redis   *redis.Client
	metrics *metrics.Recorder

	leads         *service.LeadService
	subscriptions *service.SubscriptionService
	accounts      *service.AccountService
	logins        *service.LoginService
	verifier      *turnstile.Verifier

	provider *auth.Provider
	sessions *auth.SessionService
}

// New creates a Server from cfg.
//
// DEPENDENCY INJECTION & WIRING:
//  1. Open the store (sqlite.New or postgres.New, migrations included)
//  2. Pick the rate-limit counter (Redis when REDIS_URL is set)
//  3. Build the subscriber (live Zoho client, or a dry run in TEST_MODE)
//  4. Build the services on top of those
//  5. Wire handlers to routes
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// === CREATE DATABASE ===
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
	}

	counter, err := s.openCounter(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening rate-limit counter: %w", err)
	}
	onLimit := ratelimit.WithLimitHook(s.metrics.RateLimited)
	subscribeLimiter := ratelimit.New("subscribe", counter, subscribeWindow, subscribeMax, onLimit)
	loginLimiter := ratelimit.New("login", counter, loginWindow, loginMax, onLimit)

	httpClient := &http.Client{Timeout: outboundTimeout}
	subscriber := s.metrics.InstrumentSubscriber(s.newSubscriber(httpClient))

	// === SERVICES ===
	s.leads = service.NewLeadService(store, store, subscriber, loginLimiter, logger)
	s.subscriptions = service.NewSubscriptionService(subscriber, subscribeLimiter, logger)
	s.accounts = service.NewAccountService(store, s.subscriptions, &inflight.Guard{}, logger)
	s.verifier = turnstile.New(cfg.TurnstileSecretKey, cfg.TurnstileSiteKey, logger)

	if cfg.AuthEnabled() {
		s.sessions, err = auth.NewSessionService(cfg.SessionSecret)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating session service: %w", err)
		}
		s.provider = auth.NewProvider(cfg.AuthDomain, cfg.AuthClientID, cfg.AuthClientSecret, cfg.AuthCallbackURL, httpClient)
		s.logins = service.NewLoginService(store, s.leads, s.accounts, s.provider, cfg.PasswordlessCooldown, logger)
	} else {
		logger.Warn("SESSION_SECRET, AUTH_DOMAIN or AUTH_CLIENT_ID not set; login routes are disabled")
	}

	s.setupRoutes()
	return s, nil
}

// openStore picks the backend named by DB_DRIVER.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.DBDriver == "postgres" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return db, nil
	}

	// Ensure the data directory exists (like `mkdir -p`).
	if !strings.Contains(cfg.DBPath, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// openCounter returns a Redis-backed counter when REDIS_URL is set, so every
// instance shares one budget, and a process-local one otherwise.
func (s *Server) openCounter(ctx context.Context) (ratelimit.Counter, error) {
	if s.config.RedisURL == "" {
		return ratelimit.NewMemoryCounter(nil), nil
	}

	opts, err := redis.ParseURL(s.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	s.redis = client
	return ratelimit.NewRedisCounter(client, ""), nil
}

func (s *Server) newSubscriber(httpClient *http.Client) zoho.Subscriber {
	if s.config.TestMode {
		s.logger.Warn("TEST_MODE is on; Zoho subscribes are logged, not sent")
		return zoho.DryRun{Logger: s.logger}
	}
	zc := s.config.Zoho
	tokens := zoho.NewTokenManager(zc.ClientID, zc.ClientSecret, zc.RefreshToken, zc.TokenURL, httpClient,
		zoho.WithRefreshHook(s.metrics.TokenRefreshed),
	)
	return zoho.NewClient(zc, tokens, httpClient, s.logger)
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                          → database ping
// GET    /metrics                          → Prometheus scrape
// GET    /api/v1/lead/config               → Turnstile site key
// POST   /api/v1/lead                      → signup-form capture
// POST   /api/v1/auth/passwordless-start   → register before login
// POST   /api/v1/auth/retry                → re-sync an unsynced lead
// POST   /api/v1/zoho/subscribe            → public subscribe
//
// When login is configured:
// GET    /api/v1/auth/passwordless-login   → gated redirect to the provider
// GET    /auth/callback                    → provider callback
// GET    /api/v1/auth/post-login           → post-login user sync
// GET    /api/v1/auth/me                   → current user
// POST   /api/v1/auth/subscribe            → subscribe the current user
// POST   /auth/logout                      → clear the session
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns a unique ID to each request (for tracing)
// 2. RealIP: extracts the real client IP from proxy headers; the rate
//    limits key on it
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
// 5. CORS, then metrics
func (s *Server) setupRoutes() {
	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	if len(s.config.CORSAllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	s.router.Use(s.metrics.Middleware)
	if s.sessions != nil {
		s.router.Use(auth.LoadSession(s.sessions))
	}

	// === Operations ===
	healthHandler := handler.NewHealthHandler(s.store, s.logger)
	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	// === API Routes ===
	leadHandler := handler.NewLeadHandler(s.leads, s.verifier, s.logger)
	subscribeHandler := handler.NewSubscribeHandler(s.subscriptions, s.logger)

	// Auth routes only exist when login is configured.
	var authHandler *handler.AuthHandler
	if s.logins != nil {
		authHandler = handler.NewAuthHandler(s.provider, s.sessions, s.logins, s.accounts,
			s.config.BaseURL, s.config.IsProduction(), s.logger)
		s.router.Get("/auth/callback", authHandler.HandleCallback)
		s.router.Post("/auth/logout", authHandler.HandleLogout)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/lead/config", leadHandler.HandleFormConfig)
		r.Post("/lead", leadHandler.HandleCapture)
		r.Post("/auth/passwordless-start", leadHandler.HandlePasswordlessStart)
		r.Post("/auth/retry", leadHandler.HandleRetry)
		r.Post("/zoho/subscribe", subscribeHandler.HandleSubscribe)

		if authHandler != nil {
			r.Get("/auth/passwordless-login", authHandler.HandlePasswordlessLogin)
			r.Get("/auth/post-login", authHandler.HandlePostLogin)
			r.Get("/auth/me", authHandler.HandleMe)
			r.Post("/auth/subscribe", authHandler.HandleSubscribe)
		}
	})
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Leads exposes the lead service for the CLI.
func (s *Server) Leads() *service.LeadService {
	return s.leads
}

// Close releases the database pool and the Redis client.
func (s *Server) Close() error {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("closing redis", slog.String("error", err.Error()))
		}
	}
	return s.store.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Close the database and Redis connections
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // one subscribe may refresh a token and retry
		IdleTimeout:  60 * time.Second,
	}

	// Channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBDriver),
			slog.Bool("testMode", s.config.TestMode),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
