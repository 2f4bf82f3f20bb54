package http

import (
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vpnpower/server/internal/http/handlers"
	"github.com/vpnpower/server/internal/middleware"
)

// Handlers groups every endpoint handler the router mounts
type Handlers struct {
	Auth         *handlers.AuthHandler
	Subscription *handlers.SubscriptionHandler
	Alias        *handlers.AliasHandler
	Nodes        *handlers.NodesHandler
}

// Secrets are the shared secrets guarding service endpoints
type Secrets struct {
	Admin string
	Link  string
}

// NewRouter creates a new HTTP router with all routes configured.
// limiter guards issuance and alias creation; nil disables it.
func NewRouter(h Handlers, secrets Secrets, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(os.Stdout))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// Issuance and alias creation
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(middleware.RateLimitMiddleware(limiter, middleware.GetIPKey))
		}
		r.Post("/api/oneclick", h.Auth.HandleOneClickPost)
		r.Get("/oneclick", h.Auth.HandleOneClickGet)
		r.Get("/api/alias/create", h.Alias.HandleCreate)
		r.Post("/api/alias/create", h.Alias.HandleCreate)
	})

	// Redemption
	r.Get("/sub/vless", h.Subscription.HandleVless)
	r.Get("/sub/{token}", h.Subscription.HandleLegacy)
	r.Get("/s/{alias}", h.Alias.HandleResolve)

	// Node identity sync authenticates inside the handler: the secret may
	// arrive in the query string.
	r.Get("/api/nodes/active-uuids", h.Nodes.HandleActiveUUIDs)

	r.With(middleware.RequireSecret(secrets.Link, middleware.LinkSecretHeader, "")).
		Post("/link", h.Auth.HandleLink)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.RequireSecret(secrets.Admin, middleware.AdminSecretHeader, ""))
		r.Put("/nodes", h.Nodes.HandleUpsertNode)
		r.Post("/accounts/{externalID}/rotate", h.Auth.HandleRotate)
	})

	return r
}
