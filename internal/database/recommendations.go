package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Recommendation is a stored recommendation payload, kept verbatim
type Recommendation struct {
	ID            int64  `db:"id"`
	UserID        string `db:"user_id"`
	Date          string `db:"date"`
	SchemaVersion string `db:"schema_version"`
	PayloadJSON   string `db:"payload_json"`
	CreatedAt     int64  `db:"created_at"`
}

// InsertRecommendation stores a validated recommendation and returns its id
func (db *DB) InsertRecommendation(ctx context.Context, userID, date, schemaVersion, payload string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertRecommendation))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO recommendations (user_id, date, schema_version, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, date, schemaVersion, payload, db.now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertRecommendation).Inc()
		return 0, fmt.Errorf("failed to insert recommendation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get recommendation id: %w", err)
	}
	return id, nil
}

// ListRecommendations returns a user's most recent recommendations, newest first
func (db *DB) ListRecommendations(ctx context.Context, userID string, limit int) ([]Recommendation, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListRecommendations))
	defer timer.ObserveDuration()

	var recs []Recommendation
	err := db.conn.SelectContext(ctx, &recs, `
		SELECT id, user_id, date, schema_version, payload_json, created_at FROM recommendations
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListRecommendations).Inc()
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	return recs, nil
}
