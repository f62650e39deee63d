package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/koripet/koripet/internal/api/handlers"
	"github.com/koripet/koripet/internal/api/middleware"
	"github.com/koripet/koripet/internal/config"
	"github.com/koripet/koripet/internal/hub"
)

// NewRouter creates the HTTP router with all routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, ws *hub.Hub) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.PetExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Pet-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Realtime sync
	r.Get("/ws", ws.ServeWS)

	// One-shot polling fallback
	r.Get("/poll", h.Poll)

	// REST mirror of the sync entities
	r.Route("/api", func(r chi.Router) {
		r.Route("/cat", func(r chi.Router) {
			r.Get("/state", h.GetPetState)
			r.Post("/state", h.UpdatePetState)
		})
		r.Route("/prefs", func(r chi.Router) {
			r.Get("/state", h.GetPreferences)
			r.Post("/state", h.UpdatePreferences)
		})
		r.Route("/stats", func(r chi.Router) {
			r.Get("/state", h.GetStats)
			r.Post("/state", h.UpdateStats)
		})
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
		})
	})

	// Spotify OAuth
	r.Route("/auth/spotify", func(r chi.Router) {
		r.Get("/login", h.SpotifyLogin)
		r.Get("/callback", h.SpotifyCallback)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "koripet-server",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "koripet-server",
		})
	}
}
