package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Lease is the current holder of a user's sync/backfill lease
type Lease struct {
	UserID     string `db:"user_id"`
	Holder     string `db:"holder"`
	ExpiresAt  int64  `db:"expires_at"`
	AcquiredAt int64  `db:"acquired_at"`
}

// AcquireLease takes the per-user lease for holder if it is free, expired, or
// already held by holder (which renews it). Returns false if someone else holds it.
func (db *DB) AcquireLease(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAcquireLease))
	defer timer.ObserveDuration()

	now := db.now()
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO user_leases (user_id, holder, expires_at, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at,
			acquired_at = CASE WHEN user_leases.holder = excluded.holder THEN user_leases.acquired_at ELSE excluded.acquired_at END
		WHERE user_leases.expires_at <= ? OR user_leases.holder = excluded.holder
	`, userID, holder, now.Add(ttl).Unix(), now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAcquireLease).Inc()
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder still owns it
func (db *DB) ReleaseLease(ctx context.Context, userID, holder string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseLease))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `DELETE FROM user_leases WHERE user_id = ? AND holder = ?`, userID, holder)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseLease).Inc()
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease returns the unexpired lease for a user, or nil
func (db *DB) GetLease(ctx context.Context, userID string) (*Lease, error) {
	var lease Lease
	err := db.conn.GetContext(ctx, &lease, `
		SELECT user_id, holder, expires_at, acquired_at FROM user_leases
		WHERE user_id = ? AND expires_at > ?
	`, userID, db.now().Unix())
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &lease, nil
}
