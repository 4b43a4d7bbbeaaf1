package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupDataRouter serves hub connections.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(apiHandler.cfg.Server.CORSOrigins))

	r.Get("/healthz", apiHandler.HandleHealth)
	r.Get("/hubs/{hub_id}/data/", apiHandler.HandleHubData)

	return r
}

// SetupUIRouter serves user listeners, the REST views and metrics.
func SetupUIRouter(apiHandler *APIHandler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(apiHandler.cfg.Server.CORSOrigins))

	r.Get("/healthz", apiHandler.HandleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.users.Middleware)

		r.Get("/api/user/devices/", apiHandler.HandleDevices)
		r.Get("/api/user/hubs/{hub_id}/", apiHandler.HandleHub)
		r.Get("/user/data/", apiHandler.HandleUserData)
	})

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
