package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// keeps bulk inserts under SQLite's bound parameter limit
const loadInsertBatch = 500

// LoadPoint is one day of the fitness/fatigue model
type LoadPoint struct {
	UserID   string  `db:"user_id" json:"-"`
	Date     string  `db:"date" json:"date"`
	TSS      float64 `db:"tss" json:"tss"`
	CTL      float64 `db:"ctl" json:"ctl"`
	ATL      float64 `db:"atl" json:"atl"`
	TSB      float64 `db:"tsb" json:"tsb"`
	RampRate float64 `db:"ramp_rate" json:"rampRate"`
}

// GetLoadPoint returns the stored point for a date, or nil
func (db *DB) GetLoadPoint(ctx context.Context, userID, date string) (*LoadPoint, error) {
	var p LoadPoint
	err := db.conn.GetContext(ctx, &p, `
		SELECT user_id, date, tss, ctl, atl, tsb, ramp_rate FROM training_load WHERE user_id = ? AND date = ?
	`, userID, date)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get training load point: %w", err)
	}
	return &p, nil
}

// FirstLoadDate returns the earliest stored point date, or "" when the user has none
func (db *DB) FirstLoadDate(ctx context.Context, userID string) (string, error) {
	var first *string
	if err := db.conn.GetContext(ctx, &first, `SELECT MIN(date) FROM training_load WHERE user_id = ?`, userID); err != nil {
		return "", fmt.Errorf("failed to get first training load date: %w", err)
	}
	if first == nil {
		return "", nil
	}
	return *first, nil
}

// ListTrainingLoad returns points within [from, to], oldest first
func (db *DB) ListTrainingLoad(ctx context.Context, userID, from, to string) ([]LoadPoint, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListTrainingLoad))
	defer timer.ObserveDuration()

	var points []LoadPoint
	err := db.conn.SelectContext(ctx, &points, `
		SELECT user_id, date, tss, ctl, atl, tsb, ramp_rate FROM training_load
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, userID, from, to)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListTrainingLoad).Inc()
		return nil, fmt.Errorf("failed to list training load: %w", err)
	}
	return points, nil
}

// ReplaceTrainingLoad deletes every point on or after from and writes points
// in a single transaction, so readers never see a half-replayed series.
func (db *DB) ReplaceTrainingLoad(ctx context.Context, userID, from string, points []LoadPoint) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReplaceTrainingLoad))
	defer timer.ObserveDuration()

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM training_load WHERE user_id = ? AND date >= ?`, userID, from); err != nil {
			return fmt.Errorf("failed to clear training load: %w", err)
		}
		for i := range points {
			points[i].UserID = userID
		}
		for start := 0; start < len(points); start += loadInsertBatch {
			end := min(start+loadInsertBatch, len(points))
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO training_load (user_id, date, tss, ctl, atl, tsb, ramp_rate)
				VALUES (:user_id, :date, :tss, :ctl, :atl, :tsb, :ramp_rate)
			`, points[start:end]); err != nil {
				return fmt.Errorf("failed to insert training load: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReplaceTrainingLoad).Inc()
		return err
	}
	return nil
}
