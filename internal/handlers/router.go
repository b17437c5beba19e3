package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/middleware"
)

// HealthChecker reports whether storage is reachable
type HealthChecker interface {
	Health() error
}

// NewRouter wires every HTTP endpoint. The per-user API requires the
// internal API key; the OAuth callback is protected by its state parameter.
func NewRouter(oauthHandler *OAuthHandler, users *UserHandler, health HealthChecker, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/health", middleware.WrapHandler(metrics.EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		if err := health.Health(); err != nil {
			http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	r.Method(http.MethodGet, "/oauth-callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, oauthHandler.HandleCallback))

	r.Route("/users/{id}", func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(apiKey))

		r.Method(http.MethodGet, "/connect", middleware.WrapHandler(metrics.EndpointOAuthStart, oauthHandler.HandleConnect))
		r.Method(http.MethodGet, "/today", middleware.WrapHandler(metrics.EndpointToday, users.HandleToday))
		r.Method(http.MethodGet, "/periods/{key}", middleware.WrapHandler(metrics.EndpointPeriod, users.HandlePeriod))
		r.Method(http.MethodGet, "/training-load", middleware.WrapHandler(metrics.EndpointTrainingLoad, users.HandleTrainingLoad))
		r.Method(http.MethodGet, "/power-profile", middleware.WrapHandler(metrics.EndpointPowerProfile, users.HandlePowerProfile))
		r.Method(http.MethodGet, "/backfill", middleware.WrapHandler(metrics.EndpointBackfill, users.HandleBackfill))
		r.Method(http.MethodGet, "/lifetime", middleware.WrapHandler(metrics.EndpointLifetime, users.HandleLifetime))
		r.Method(http.MethodGet, "/recommendations/latest", middleware.WrapHandler(metrics.EndpointRecommendations, users.HandleLatestRecommendation))
		r.Method(http.MethodPost, "/sync", middleware.WrapHandler(metrics.EndpointSync, users.HandleSync))
		r.Method(http.MethodPost, "/disconnect", middleware.WrapHandler(metrics.EndpointDisconnect, users.HandleDisconnect))
	})

	return r
}
