package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/txsandbox/telemetry"
	"github.com/rs/zerolog/log"
)

// Router builds the admin router. Paths are relative to /admin.
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/", handlers.handleIndex)
	r.Get("/stats", handlers.handleStats)
	r.Get("/health", handlers.handleHealth)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", handlers.handleTransactions)
		r.Get("/{txnID}", handlers.handleTransaction)
		r.Post("/{txnID}/kill", handlers.handleKillTransaction)
	})

	r.Get("/locks", handlers.handleLocks)
	r.Get("/waits", handlers.handleWaits)
	r.Get("/sessions", handlers.handleSessions)

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", handlers.handleTables)
		r.Get("/{table}/rows", handlers.handleRows)
		r.Get("/{table}/rows/{rowID}/versions", handlers.handleRowVersions)
	})

	r.Get("/snapshot", handlers.handleSnapshot)
	return r
}

// RegisterRoutes mounts the admin API under /admin and, when telemetry is
// initialized, the Prometheus handler under /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := Router(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
