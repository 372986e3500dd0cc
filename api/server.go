/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters, labelled by route pattern
  5. CORS:       Cross-origin requests for the frontend
  6. RateLimit:  Per-client token bucket
  7. Auth:       Bearer token -> points.Actor (all /api routes)
  8. Role:       Per route group

ROUTE GROUPS:
  /api/driver/*     driver
  /api/sponsor/*    sponsor
  /api/admin/*      admin
  /api/scenarios/*  admin (demo data, resets the store)
  /healthz          public
  /metrics          public

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification and role guards
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/points"
)

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimiter    *RateLimiter // nil disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.Middleware)
		// Buckets are keyed by actor, so the limiter follows Auth.
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware)
		}

		// Driver routes
		r.Route("/driver", func(r chi.Router) {
			r.Use(RequireRole(points.RoleDriver))
			r.Get("/catalog", h.DriverCatalog)
			r.Post("/catalog/purchase", h.Purchase)
			r.Get("/catalog/{itemID}", h.DriverCatalogItem)
			r.Get("/orders", h.DriverOrders)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)
			r.Get("/points/balance", h.DriverBalance)
			r.Get("/points/history", h.DriverHistory)
			r.Get("/points/history-monthly", h.DriverMonthlyHistory)
		})

		// Sponsor routes
		r.Route("/sponsor", func(r chi.Router) {
			r.Use(RequireRole(points.RoleSponsor))
			r.Get("/drivers", h.SponsorDrivers)
			r.Get("/drivers/{driverID}/points/history", h.SponsorDriverHistory)
			r.Post("/points/add", h.AddPoints)
			r.Post("/points/deduct", h.DeductPoints)
			r.Get("/reward-defaults", h.GetRewardDefaults)
			r.Put("/reward-defaults", h.UpdateRewardDefaults)
			r.Get("/reward-defaults/history", h.RewardValueHistory)
			r.Get("/orders", h.SponsorOrders)
			r.Post("/orders/{orderID}/ship", h.ShipOrder)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)
			r.Get("/catalog", h.SponsorCatalog)
			r.Post("/catalog", h.AddCatalogItem)
			r.Put("/catalog/{itemID}", h.UpdateCatalogItem)
			r.Delete("/catalog/{itemID}", h.RemoveCatalogItem)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(points.RoleAdmin))
			r.Put("/drivers/{driverID}", h.EnrollDriver)
			r.Post("/earnings", h.Earn)
			r.Post("/orders/{orderID}/ship", h.ShipOrder)
			r.Post("/daily-awards", h.TriggerDailyAwards)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(RequireRole(points.RoleAdmin))
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
