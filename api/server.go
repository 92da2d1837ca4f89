/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator UI

ROUTE GROUPS:
  /api/customers/*      Customer directory, status, live transactions
  /api/archive/*        Legacy archive import
  /api/grants/*         Grant queries and lifecycle operations
  /api/definitions/*    Reward catalog
  /api/admin/*          Sweep, delivery, re-evaluation, welcome audit
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the operator network only.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Put("/{id}", h.UpdateCustomerContact)
			r.Get("/{id}/status", h.GetCustomerStatus)
			r.Post("/{id}/evaluate", h.EvaluateCustomer)
			r.Get("/{id}/tier-history", h.GetTierHistory)
			r.Get("/{id}/grants", h.ListCustomerGrants)
			r.Post("/{id}/transactions", h.RecordTransaction)
			r.Patch("/{id}/transactions/{txid}", h.UpdatePaymentState)
		})

		r.Post("/archive/import", h.ImportArchive)

		r.Route("/grants", func(r chi.Router) {
			r.Get("/", h.ListGrants)
			r.Post("/approve-batch", h.ApproveBatch)
			r.Post("/redeem", h.RedeemGrant)
			r.Get("/{id}", h.GetGrant)
			r.Post("/{id}/approve", h.ApproveGrant)
			r.Post("/{id}/cancel", h.CancelGrant)
		})

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", h.ListDefinitions)
			r.Put("/{category}", h.SaveDefinition)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.Sweep)
			r.Post("/deliver", h.Deliver)
			r.Post("/reevaluate", h.Reevaluate)
			r.Get("/audit/welcome", h.AuditWelcome)
			r.Post("/audit/welcome", h.AuditWelcome)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
