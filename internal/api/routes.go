package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router and all endpoints.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The API carries no cookie auth, so wide-open CORS is fine here.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.CreateUpload)
			r.Get("/{id}/status", h.UploadStatus)
			r.Get("/{id}/results", h.UploadResults)
			r.Post("/{id}/cancel", h.CancelUpload)
			r.Post("/{id}/export", h.ExportUpload)
		})

		r.Post("/verify", h.VerifyInline)
	})

	return r
}
