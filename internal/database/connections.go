package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Backfill statuses shared by connections and backfill_jobs
const (
	BackfillIdle        = "idle"
	BackfillPlanning    = "planning"
	BackfillDispatching = "dispatching"
	BackfillSyncing     = "syncing"
	BackfillProcessing  = "processing"
	BackfillComplete    = "complete"
	BackfillFailed      = "failed"
)

// Connection is a user's link to the health-data provider
type Connection struct {
	UserID            string  `db:"user_id"`
	ProviderAccountID *string `db:"provider_account_id"`
	SessionCiphertext []byte  `db:"session_ciphertext"`
	SessionKeyID      *string `db:"session_key_id"`
	Connected         bool    `db:"connected"`
	LastSyncAt        *int64  `db:"last_sync_at"`
	BackfillStatus    string  `db:"backfill_status"`
	BackfillProgress  float64 `db:"backfill_progress"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
}

// LastSync returns the last successful sync time, or the zero time.
func (c *Connection) LastSync() time.Time {
	if c.LastSyncAt == nil {
		return time.Time{}
	}
	return time.Unix(*c.LastSyncAt, 0)
}

// SealedSession is a stored session ciphertext and the key it was sealed with
type SealedSession struct {
	UserID     string `db:"user_id"`
	Ciphertext []byte `db:"session_ciphertext"`
	KeyID      string `db:"session_key_id"`
}

// GetConnection returns the connection for a user, or nil if none exists
func (db *DB) GetConnection(ctx context.Context, userID string) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnection))
	defer timer.ObserveDuration()

	var conn Connection
	err := db.conn.GetContext(ctx, &conn, `
		SELECT user_id, provider_account_id, session_ciphertext, session_key_id, connected,
		       last_sync_at, backfill_status, backfill_progress, created_at, updated_at
		FROM connections
		WHERE user_id = ?
	`, userID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetConnection).Inc()
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return &conn, nil
}

// UpsertConnection creates the connection on first authentication, or marks an
// existing one connected again. Historical data and backfill state are kept.
func (db *DB) UpsertConnection(ctx context.Context, userID, providerAccountID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertConnection))
	defer timer.ObserveDuration()

	now := db.now().Unix()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO connections (user_id, provider_account_id, connected, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider_account_id = excluded.provider_account_id,
			connected = 1,
			updated_at = excluded.updated_at
	`, userID, providerAccountID, now, now)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertConnection).Inc()
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	return nil
}

// SetSession replaces the sealed session blob for a user
func (db *DB) SetSession(ctx context.Context, userID string, ciphertext []byte, keyID string) error {
	return setSession(ctx, db.conn, db.now(), userID, ciphertext, keyID)
}

// SetSessionTx replaces the sealed session blob inside an existing transaction,
// so a refreshed token commits together with the data write it enabled
func (db *DB) SetSessionTx(ctx context.Context, tx *sqlx.Tx, userID string, ciphertext []byte, keyID string) error {
	return setSession(ctx, tx, db.now(), userID, ciphertext, keyID)
}

func setSession(ctx context.Context, ex sqlx.ExecerContext, now time.Time, userID string, ciphertext []byte, keyID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetSession))
	defer timer.ObserveDuration()

	result, err := ex.ExecContext(ctx, `
		UPDATE connections
		SET session_ciphertext = ?, session_key_id = ?, updated_at = ?
		WHERE user_id = ?
	`, ciphertext, keyID, now.Unix(), userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetSession).Inc()
		return fmt.Errorf("failed to set session: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to set session: no connection for user %s", userID)
	}
	return nil
}

// ClearSession removes the sealed session and marks the user disconnected.
// Historical data, backfill state and the connection row itself are kept.
func (db *DB) ClearSession(ctx context.Context, userID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClearSession))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE connections
		SET session_ciphertext = NULL, session_key_id = NULL, connected = 0, updated_at = ?
		WHERE user_id = ?
	`, db.now().Unix(), userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClearSession).Inc()
		return fmt.Errorf("failed to clear session: %w", err)
	}

	return nil
}

// ListConnectedUserIDs returns every user with a live connection
func (db *DB) ListConnectedUserIDs(ctx context.Context) ([]string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListConnections))
	defer timer.ObserveDuration()

	var ids []string
	if err := db.conn.SelectContext(ctx, &ids, `SELECT user_id FROM connections WHERE connected = 1 ORDER BY user_id`); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListConnections).Inc()
		return nil, fmt.Errorf("failed to list connected users: %w", err)
	}
	return ids, nil
}

// ListSealedSessions returns every stored session ciphertext
func (db *DB) ListSealedSessions(ctx context.Context) ([]SealedSession, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListConnections))
	defer timer.ObserveDuration()

	var sessions []SealedSession
	err := db.conn.SelectContext(ctx, &sessions, `
		SELECT user_id, session_ciphertext, session_key_id
		FROM connections
		WHERE session_ciphertext IS NOT NULL AND session_key_id IS NOT NULL
		ORDER BY user_id
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListConnections).Inc()
		return nil, fmt.Errorf("failed to list sealed sessions: %w", err)
	}
	return sessions, nil
}

// ReplaceSealedSession swaps a ciphertext only if it still matches the one
// that was read, so a concurrent token refresh is never overwritten
func (db *DB) ReplaceSealedSession(ctx context.Context, userID string, oldCiphertext, newCiphertext []byte, newKeyID string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetSession))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE connections
		SET session_ciphertext = ?, session_key_id = ?, updated_at = ?
		WHERE user_id = ? AND session_ciphertext = ?
	`, newCiphertext, newKeyID, db.now().Unix(), userID, oldCiphertext)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetSession).Inc()
		return false, fmt.Errorf("failed to replace sealed session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateLastSyncAt records a successful incremental sync
func (db *DB) UpdateLastSyncAt(ctx context.Context, userID string, at time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateLastSync))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE connections SET last_sync_at = ?, updated_at = ? WHERE user_id = ?
	`, at.Unix(), db.now().Unix(), userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateLastSync).Inc()
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// setBackfillState mirrors a job's status onto the connection. Only the
// user's latest job writes; a superseded job settling late leaves it alone. A
// new job (planning) resets progress; otherwise progress never decreases.
func setBackfillState(ctx context.Context, ex sqlx.ExecerContext, now time.Time, jobID, userID, status string, progress float64) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE connections
		SET backfill_status = ?,
		    backfill_progress = CASE WHEN ? = 'planning' THEN ? ELSE MAX(backfill_progress, ?) END,
		    updated_at = ?
		WHERE user_id = ?
		  AND ? = (SELECT id FROM backfill_jobs WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1)
	`, status, status, progress, progress, now.Unix(), userID, jobID, userID)
	if err != nil {
		return fmt.Errorf("failed to set backfill state: %w", err)
	}
	return nil
}
