// Package api serves the HTTP interface used by the web frontend: project
// CRUD and upload, targeting, batch control, progress polling, results and
// export.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/scout-interest/scout/internal/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// APIKey enables bearer auth on /api routes when set.
	APIKey       string
	CORSOrigins  []string
	AuthThrottle *Throttle
	Metrics      *metrics.Metrics
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.APIKey, opts.AuthThrottle))

		r.Get("/targeting/interests", h.SearchInterests)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Delete("/", h.DeleteProject)
				r.Put("/targeting", h.UpdateTargeting)
				r.Post("/process", h.Process)
				r.Post("/stop", h.Stop)
				r.Get("/status", h.Status)
				r.Get("/results", h.Results)
				r.Get("/export", h.Export)
			})
		})
	})

	return r
}
