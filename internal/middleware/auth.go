package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// RequireAPIKey rejects requests that do not carry "Authorization: Bearer <key>"
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(authHeader), want) != 1 {
				slog.Default().Warn("Unauthorized request", "path", r.URL.Path, "has_auth", authHeader != "")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
