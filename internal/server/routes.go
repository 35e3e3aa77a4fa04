package server

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SetupRoutes configures the router with every application route.
func SetupRoutes(h *Handler, origins *OriginPolicy, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger.With().Str("component", "http").Logger()))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins.Origins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", h.HealthHandler)
	r.Get("/healthz", h.HealthzHandler)
	r.Get("/test", h.TestPageHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws", h.WebSocketHandler)

	r.Post("/internal/notifications", h.DispatchNotification)
	r.Get("/notifications", h.ListUnread)
	r.Post("/notifications/{id}/read", h.MarkRead)

	return r
}
