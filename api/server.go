/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/dashboard/*   Tenant dashboard reads
  /api/events/*      CRM event intake
  /api/admin/*       Flag and recompute administration
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Dashboard reads
		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/overview", h.GetOverview)
			r.Get("/trends", h.GetTrends)
			r.Get("/funnel", h.GetFunnel)
			r.Get("/pipeline-summary", h.GetPipelineSummary)
			r.Get("/insights", h.GetInsights)
		})

		// Event intake
		r.Route("/events", func(r chi.Router) {
			r.Post("/stage-change", h.PostStageChange)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/flags/{tenantId}", h.GetFlag)
			r.Put("/flags/{tenantId}", h.PutFlag)
			r.Post("/recompute", h.PostRecompute)
			r.Get("/divergences", h.GetDivergences)
		})
	})

	// Observability
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.GetHealth)

	return r
}
