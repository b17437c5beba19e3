package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// LifetimeRow is the stored lifetime aggregate. Version increments on every
// write and guards concurrent read-modify-write cycles.
type LifetimeRow struct {
	UserID      string `db:"user_id"`
	Version     int64  `db:"version"`
	PayloadJSON string `db:"payload_json"`
	UpdatedAt   int64  `db:"updated_at"`
}

// GetLifetimeStats returns the lifetime row for a user, or nil
func (db *DB) GetLifetimeStats(ctx context.Context, userID string) (*LifetimeRow, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetLifetimeStats))
	defer timer.ObserveDuration()

	var row LifetimeRow
	err := db.conn.GetContext(ctx, &row, `
		SELECT user_id, version, payload_json, updated_at FROM lifetime_stats WHERE user_id = ?
	`, userID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetLifetimeStats).Inc()
		return nil, fmt.Errorf("failed to get lifetime stats: %w", err)
	}
	return &row, nil
}

// SaveLifetimeStats writes payload if the stored version still equals
// expectedVersion (0 meaning no row yet). Returns false on a version conflict.
func (db *DB) SaveLifetimeStats(ctx context.Context, userID string, expectedVersion int64, payload string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveLifetimeStats))
	defer timer.ObserveDuration()

	now := db.now().Unix()
	query := `
		UPDATE lifetime_stats SET version = version + 1, payload_json = ?, updated_at = ?
		WHERE user_id = ? AND version = ?
	`
	args := []any{payload, now, userID, expectedVersion}
	if expectedVersion == 0 {
		query = `
			INSERT INTO lifetime_stats (user_id, version, payload_json, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`
		args = []any{userID, payload, now}
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveLifetimeStats).Inc()
		return false, fmt.Errorf("failed to save lifetime stats: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
