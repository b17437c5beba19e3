package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wearable-sync/internal/oauth"
)

// Connector runs the provider connect flow
type Connector interface {
	GenerateAuthURL(userID string) (string, string, error)
	HandleCallback(ctx context.Context, code, state string) (string, error)
}

// OAuthHandler handles OAuth flow endpoints
type OAuthHandler struct {
	connector Connector
	logger    *slog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(connector Connector) *OAuthHandler {
	return &OAuthHandler{
		connector: connector,
		logger:    slog.Default(),
	}
}

// HandleConnect returns the provider consent URL the user's browser should
// be sent to
func (h *OAuthHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	authURL, _, err := h.connector.GenerateAuthURL(userID)
	if err != nil {
		h.logger.Error("Failed to generate auth URL", "user_id", userID, "error", err)
		http.Error(w, "Failed to start OAuth flow", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Starting OAuth flow", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// HandleCallback processes the OAuth callback from the provider
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")

	// Check for authorization denial
	if errorParam != "" {
		h.logger.Warn("OAuth authorization denied", "error", errorParam)
		http.Error(w, fmt.Sprintf("Authorization failed: %s", errorParam), http.StatusBadRequest)
		return
	}

	if code == "" || state == "" {
		h.logger.Warn("Missing OAuth parameters", "has_code", code != "", "has_state", state != "")
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	userID, err := h.connector.HandleCallback(r.Context(), code, state)
	if err != nil {
		h.logger.Error("Failed to handle OAuth callback", "error", err)
		if errors.Is(err, oauth.ErrInvalidState) {
			http.Error(w, "Invalid or expired authorization request. Please try again.", http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to complete authorization", http.StatusBadGateway)
		return
	}

	h.logger.Info("OAuth flow completed successfully", "user_id", userID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Device Connected</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
			max-width: 600px;
			margin: 100px auto;
			padding: 20px;
			text-align: center;
		}
		p { color: #666; line-height: 1.6; }
	</style>
</head>
<body>
	<h1>Device Connected</h1>
	<p>Your wearable account is now linked to <code>%s</code>.</p>
	<p>Your history is being imported in the background. You can close this window.</p>
</body>
</html>`, html.EscapeString(userID))
}
