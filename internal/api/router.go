// Package api implements the HTTP surface of spec §6: the chi router,
// request-scoped middleware, the JSON error envelope, and the handlers
// that drive internal/ingestion.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayhook/webhookd/internal/api/middleware"
	"github.com/relayhook/webhookd/internal/logging"
	"github.com/relayhook/webhookd/internal/metrics"
)

// NewRouter builds the full route table: the one health check, the
// application/endpoint/event administrative routes, and the Prometheus
// exposition endpoint.
func NewRouter(h *Handlers, logger *logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))

	r.Get("/v1/health_check", h.healthCheck)
	r.Get("/v1/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1/application", func(r chi.Router) {
		r.Post("/", h.createApplication)
		r.Route("/{app_id}", func(r chi.Router) {
			r.Post("/event", h.ingestEvent)
			r.Route("/endpoint", func(r chi.Router) {
				r.Post("/", h.createEndpoint)
				r.Post("/{ep_id}/disable", h.disableEndpoint)
				r.Post("/{ep_id}/enable", h.enableEndpoint)
			})
		})
	})

	return r
}
