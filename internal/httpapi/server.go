// Package httpapi exposes the hub over HTTP: JSON bodies, bearer auth, the
// shared error envelope, and per-scope rate limiting at the edge.
package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/ai"
	"github.com/careerpulse/hub/internal/auth"
	"github.com/careerpulse/hub/internal/billing"
	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/keys"
	"github.com/careerpulse/hub/internal/metrics"
	"github.com/careerpulse/hub/internal/pool"
	"github.com/careerpulse/hub/internal/ratelimit"
)

// Server holds every singleton the handlers need.
type Server struct {
	auth     *auth.Service
	ledger   *energy.Ledger
	billing  *billing.Service
	chat     *ai.Orchestrator
	store    *events.Store
	limiter  *ratelimit.Limiter
	tier     *cache.Tier
	keys     *keys.Manager
	registry *metrics.Registry
	pools    map[string]*pool.Executor
	db       *sql.DB

	requestTimeout time.Duration
	log            zerolog.Logger
}

// Deps bundles the constructor arguments.
type Deps struct {
	Auth           *auth.Service
	Ledger         *energy.Ledger
	Billing        *billing.Service
	Chat           *ai.Orchestrator
	Events         *events.Store
	Limiter        *ratelimit.Limiter
	Cache          *cache.Tier
	Keys           *keys.Manager
	Metrics        *metrics.Registry
	Pools          map[string]*pool.Executor
	DB             *sql.DB
	RequestTimeout time.Duration
}

// NewServer wires the router.
func NewServer(d Deps, logger zerolog.Logger) *Server {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	return &Server{
		auth:           d.Auth,
		ledger:         d.Ledger,
		billing:        d.Billing,
		chat:           d.Chat,
		store:          d.Events,
		limiter:        d.Limiter,
		tier:           d.Cache,
		keys:           d.Keys,
		registry:       d.Metrics,
		pools:          d.Pools,
		db:             d.DB,
		requestTimeout: d.RequestTimeout,
		log:            logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(s.limitGlobal)
	r.Use(s.limitBy(ratelimit.ScopeIPGeneral))

	// Unauthenticated surface.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{}))

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)

	// Bearer-protected surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/auth/me", s.handleMe)

		r.Group(func(r chi.Router) {
			r.Use(s.limitUser(ratelimit.ScopeAPIEnergy))
			r.Post("/energy/can-perform", s.handleCanPerform)
			r.Post("/energy/consume", s.handleConsume)
			r.Post("/energy/refund", s.handleRefund)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limitUser(ratelimit.ScopeAPIGeneral))
			r.Post("/billing/create-intent", s.handleCreateIntent)
			r.Post("/billing/confirm", s.handleConfirm)
			r.Post("/billing/refund", s.handleBillingRefund)
			r.Post("/ai/chat", s.handleChat)
			r.Get("/events/{user_id}", s.handleEvents)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/cache", s.handleMonitoringCache)
			r.Get("/pools", s.handleMonitoringPools)
			r.Get("/ratelimit", s.handleMonitoringRateLimit)
			r.Get("/keys", s.handleMonitoringKeys)
			r.Get("/alerts", s.handleMonitoringAlerts)
			r.Get("/system", s.handleMonitoringSystem)
		})
	})

	return r
}
