package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"wearable-sync/internal/database"
	"wearable-sync/internal/vault"
)

const stateTTL = 10 * time.Minute

// ErrInvalidState is returned for unknown, reused or expired CSRF states
var ErrInvalidState = errors.New("invalid or expired state")

// Exchanger is the provider side of the authorization code flow
type Exchanger interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, string, error)
}

// SessionStore seals provider sessions
type SessionStore interface {
	Store(ctx context.Context, userID string, s *vault.Session) error
}

// Backfiller starts the historical sync of a newly connected user
type Backfiller interface {
	Start(ctx context.Context, userID string) (*database.BackfillJob, error)
}

// Manager handles the OAuth 2.0 connect flow with the provider
type Manager struct {
	db        *database.DB
	exchanger Exchanger
	sessions  SessionStore
	backfill  Backfiller
	logger    *slog.Logger
	states    *stateStore // CSRF protection
	now       func() time.Time
}

// stateStore tracks valid OAuth states and the user each was issued to
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingState
}

type pendingState struct {
	userID string
	expiry time.Time
}

// NewManager creates a new OAuth manager
func NewManager(db *database.DB, exchanger Exchanger, sessions SessionStore, backfill Backfiller) *Manager {
	return &Manager{
		db:        db,
		exchanger: exchanger,
		sessions:  sessions,
		backfill:  backfill,
		logger:    slog.Default(),
		states: &stateStore{
			states: make(map[string]pendingState),
		},
		now: time.Now,
	}
}

// GenerateAuthURL returns the provider consent URL for userID along with the
// single-use CSRF state embedded in it
func (m *Manager) GenerateAuthURL(userID string) (string, string, error) {
	if userID == "" {
		return "", "", errors.New("user id is required")
	}

	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	m.states.mu.Lock()
	m.states.states[state] = pendingState{userID: userID, expiry: m.now().Add(stateTTL)}
	m.states.mu.Unlock()

	m.logger.Info("Generated auth URL", "user_id", userID)
	return m.exchanger.AuthCodeURL(state), state, nil
}

// HandleCallback completes the flow: it exchanges the code, records the
// connection, seals the session and starts the initial backfill. Returns
// the connected user id.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (string, error) {
	userID, ok := m.validateState(state)
	if !ok {
		return "", ErrInvalidState
	}

	m.logger.Info("Handling OAuth callback", "user_id", userID, "code_length", len(code))

	tok, accountID, err := m.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", err)
	}

	if err := m.db.UpsertConnection(ctx, userID, accountID); err != nil {
		return "", fmt.Errorf("failed to store connection: %w", err)
	}
	if err := m.sessions.Store(ctx, userID, &vault.Session{AccountID: accountID, Token: tok}); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	m.logger.Info("Stored connection", "user_id", userID, "account_id", accountID)

	// Don't fail the connect flow if the backfill cannot start; it can be
	// started again by an operator
	if m.backfill != nil {
		job, err := m.backfill.Start(ctx, userID)
		if err != nil {
			m.logger.Error("Failed to start initial backfill", "user_id", userID, "error", err)
		} else {
			m.logger.Info("Started initial backfill", "user_id", userID, "job_id", job.ID, "status", job.Status)
		}
	}

	return userID, nil
}

// validateState checks a state and removes it (one-time use)
func (m *Manager) validateState(state string) (string, bool) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	pending, exists := m.states.states[state]
	if !exists {
		return "", false
	}
	delete(m.states.states, state)

	if m.now().After(pending.expiry) {
		return "", false
	}
	return pending.userID, true
}

// Run removes expired states every minute until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.cleanupStates()
		}
	}
}

func (m *Manager) cleanupStates() {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	now := m.now()
	for state, pending := range m.states.states {
		if now.After(pending.expiry) {
			delete(m.states.states, state)
		}
	}
}

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
