/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Secure:     Security headers (unrolled/secure)
  5. CORS:       Cross-origin requests for frontends
  6. Metrics:    Prometheus request count and latency
  Writes (POST/PUT/DELETE under /api) are additionally rate limited per IP.

ROUTE GROUPS:
  /api/products/*       Registry, ledger, balance, verify, repair
  /api/transactions/*   Record, edit, delete, value
  /api/summary          Period summaries
  /api/audit/*          Audit history and on-demand runs
  /api/scenarios/*      Demo scenarios
  /metrics, /healthz    Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins     []string // default: any
	RateLimitPerMinute int      // writes per IP; 0 disables
	SSLRedirect        bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        opts.SSLRedirect,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Retry-After"},
	}))
	r.Use(h.Metrics.Middleware)

	writes := func(next http.Handler) http.Handler { return next }
	if opts.RateLimitPerMinute > 0 {
		writes = httprate.Limit(opts.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			}),
		)
	}

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.With(writes).Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Get("/{id}/ledger", h.GetProductLedger)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/verify", h.VerifyProduct)
			r.With(writes).Post("/{id}/repair", h.RepairProduct)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListLedger)
			r.With(writes).Post("/", h.RecordTransaction)
			r.With(writes).Put("/{id}", h.EditTransaction)
			r.With(writes).Delete("/{id}", h.DeleteTransaction)
			r.Get("/{id}/value", h.GetTransactionValue)
		})

		r.Get("/summary", h.GetSummary)

		// Audit routes
		r.Route("/audit", func(r chi.Router) {
			r.Get("/runs", h.ListAuditRuns)
			r.With(writes).Post("/run", h.RunAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(writes).Post("/load", h.LoadScenario)
			r.With(writes).Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
