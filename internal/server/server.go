package server

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	billinghandler "github.com/eddieom08-star/sema-slim-companion-sub000/internal/billing/handler"
	billingstripe "github.com/eddieom08-star/sema-slim-companion-sub000/internal/billing/stripe"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/entitlement"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/handler"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/middleware"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

// Per-user consume traffic beyond this is a client bug, not real usage.
const (
	userRateLimit  = 60
	userRateWindow = time.Minute
)

type Server struct {
	db           *sql.DB
	entitlementH *handler.EntitlementHandler
	webhookH     *billinghandler.WebhookHandler
	clientStore  *store.APIClientStore
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

type Config struct {
	Stripe    billingstripe.Config
	CacheTTL  time.Duration
	CacheSize int
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	subs := store.NewSubscriptionStore(db)
	balances := store.NewTokenBalanceStore(db)
	usage := store.NewFeatureUsageStore(db)
	clients := store.NewAPIClientStore(db)

	ents, err := entitlement.NewService(db, subs, balances, usage, entitlement.Config{
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
	}, logger.With("component", "entitlement"))
	if err != nil {
		return nil, fmt.Errorf("entitlement service: %w", err)
	}

	stripeClient := billingstripe.NewClient(cfg.Stripe)

	return &Server{
		db:           db,
		entitlementH: handler.NewEntitlementHandler(ents, balances, logger.With("component", "entitlement_handler")),
		webhookH:     billinghandler.NewWebhookHandler(stripeClient, subs, balances, ents, logger.With("component", "webhook")),
		clientStore:  clients,
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes: webhook deliveries are authenticated by signature,
	// not API key.
	outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected API routes.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/entitlements", s.entitlementH.Get)
	apiMux.HandleFunc("POST /api/features/{feature}/check", s.entitlementH.Check)
	apiMux.HandleFunc("POST /api/features/{feature}/consume", s.entitlementH.Consume)
	apiMux.HandleFunc("POST /api/streak-shields/use", s.entitlementH.UseStreakShield)
	apiMux.HandleFunc("GET /api/tokens/transactions", s.entitlementH.Transactions)

	rateLimit := middleware.RateLimitPerUser(s.rateLimiter, userRateLimit, userRateWindow)
	requireKey := middleware.RequireAPIKey(s.clientStore)
	outerMux.Handle("/api/", requireKey(rateLimit(apiMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
