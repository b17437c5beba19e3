// Package vault stores provider sessions encrypted at rest, one per user.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"

	"wearable-sync/internal/database"
	"wearable-sync/internal/provider"
)

// Session is the decrypted provider session of a user
type Session struct {
	AccountID string        `json:"accountId"`
	Token     *oauth2.Token `json:"token"`
}

// Vault seals sessions with the keyring and stores them on the user's connection
type Vault struct {
	db     *database.DB
	keys   *Keyring
	logger *slog.Logger
}

// New creates a vault
func New(db *database.DB, keys *Keyring) *Vault {
	return &Vault{db: db, keys: keys, logger: slog.Default()}
}

func (v *Vault) seal(userID string, s *Session) ([]byte, string, error) {
	if s == nil || s.Token == nil {
		return nil, "", errors.New("session has no token")
	}
	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode session: %w", err)
	}
	return v.keys.seal(userID, plaintext)
}

// Store seals and saves a session. The connection must already exist.
func (v *Vault) Store(ctx context.Context, userID string, s *Session) error {
	sealed, keyID, err := v.seal(userID, s)
	if err != nil {
		return err
	}
	return v.db.SetSession(ctx, userID, sealed, keyID)
}

// StoreTx saves a session inside the caller's transaction, so a refreshed
// token commits or rolls back together with the data it was used to fetch
func (v *Vault) StoreTx(ctx context.Context, tx *sqlx.Tx, userID string, s *Session) error {
	sealed, keyID, err := v.seal(userID, s)
	if err != nil {
		return err
	}
	return v.db.SetSessionTx(ctx, tx, userID, sealed, keyID)
}

// Load returns the user's session. A user without a live connection gets an
// AuthError wrapping provider.ErrReauthRequired.
func (v *Vault) Load(ctx context.Context, userID string) (*Session, error) {
	conn, err := v.db.GetConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Connected || conn.SessionCiphertext == nil || conn.SessionKeyID == nil {
		return nil, &provider.AuthError{Reason: "not connected", Err: provider.ErrReauthRequired}
	}

	plaintext, err := v.keys.open(userID, *conn.SessionKeyID, conn.SessionCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}

	var s Session
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session for %s: %w", userID, err)
	}
	return &s, nil
}

// Clear removes the session and marks the user disconnected. Historical data is kept.
func (v *Vault) Clear(ctx context.Context, userID string) error {
	return v.db.ClearSession(ctx, userID)
}

// MarkReauthRequired disconnects a user whose session the provider rejected
// for good
func (v *Vault) MarkReauthRequired(ctx context.Context, userID string, cause error) error {
	v.logger.Warn("session rejected by provider, re-authentication required", "user_id", userID, "error", cause)
	return v.Clear(ctx, userID)
}

// RotateEncryptionKey re-seals every session not sealed under the active key.
// A row that changed while being re-sealed (a concurrent token refresh, which
// already uses the active key) is skipped. Returns the number re-sealed.
func (v *Vault) RotateEncryptionKey(ctx context.Context) (int, error) {
	sessions, err := v.db.ListSealedSessions(ctx)
	if err != nil {
		return 0, err
	}

	active := v.keys.ActiveKeyID()
	rotated := 0
	for _, s := range sessions {
		if s.KeyID == active {
			continue
		}

		plaintext, err := v.keys.open(s.UserID, s.KeyID, s.Ciphertext)
		if err != nil {
			return rotated, fmt.Errorf("failed to open session for %s: %w", s.UserID, err)
		}
		sealed, keyID, err := v.keys.seal(s.UserID, plaintext)
		if err != nil {
			return rotated, err
		}

		replaced, err := v.db.ReplaceSealedSession(ctx, s.UserID, s.Ciphertext, sealed, keyID)
		if err != nil {
			return rotated, err
		}
		if !replaced {
			v.logger.Info("session changed during rotation, skipping", "user_id", s.UserID)
			continue
		}
		rotated++
	}

	v.logger.Info("vault key rotation complete", "active_key", active, "rotated", rotated, "total", len(sessions))
	return rotated, nil
}
