package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the admin API router, rooted at "/"
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/deployments", handlers.handleListDeployments)
	r.Route("/deployments/{namespace}/{name}", func(r chi.Router) {
		r.Get("/outcomes", withDeployment(handlers.handleOutcomes))
		r.Get("/members", withDeployment(handlers.handleMembers))
		r.Post("/reconcile", withDeployment(handlers.handleReconcile))
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", Router(handlers)))

	log.Info().Msg("Admin endpoints enabled at /admin/deployments/*")
}
