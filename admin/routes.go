package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the chi router for the admin API, rooted at "/".
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/locks", handlers.handleLocks)
	r.Get("/resource", handlers.handleResource)
	r.Get("/stats", handlers.handleStats)
	r.Get("/events", handlers.handleEvents)

	r.Route("/txns/{txnID}", func(r chi.Router) {
		r.Get("/locks", handlers.handleTxnLocks)
		r.Post("/release", handlers.handleReleaseTxn)
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", Router(handlers)))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
