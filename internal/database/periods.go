package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// PeriodStats is a stored week, month or year rollup. The headline totals are
// columns; everything else lives in PayloadJSON.
type PeriodStats struct {
	UserID              string  `db:"user_id"`
	PeriodKey           string  `db:"period_key"`
	PeriodType          string  `db:"period_type"`
	StartDate           string  `db:"start_date"`
	EndDate             string  `db:"end_date"`
	ActivityCount       int     `db:"activity_count"`
	DurationSeconds     int64   `db:"duration_seconds"`
	DistanceMeters      float64 `db:"distance_meters"`
	ElevationGainMeters float64 `db:"elevation_gain_meters"`
	TSS                 float64 `db:"tss"`
	PayloadJSON         string  `db:"payload_json"`
	ComputedAt          int64   `db:"computed_at"`
}

const periodColumns = `user_id, period_key, period_type, start_date, end_date, activity_count,
	duration_seconds, distance_meters, elevation_gain_meters, tss, payload_json, computed_at`

// UpsertPeriodStats replaces the stored rollup for a period
func (db *DB) UpsertPeriodStats(ctx context.Context, p *PeriodStats) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertPeriodStats))
	defer timer.ObserveDuration()

	p.ComputedAt = db.now().Unix()
	_, err := db.conn.NamedExecContext(ctx, `
		INSERT INTO period_stats (`+periodColumns+`)
		VALUES (:user_id, :period_key, :period_type, :start_date, :end_date, :activity_count,
		        :duration_seconds, :distance_meters, :elevation_gain_meters, :tss, :payload_json, :computed_at)
		ON CONFLICT(user_id, period_key) DO UPDATE SET
			activity_count = excluded.activity_count,
			duration_seconds = excluded.duration_seconds,
			distance_meters = excluded.distance_meters,
			elevation_gain_meters = excluded.elevation_gain_meters,
			tss = excluded.tss,
			payload_json = excluded.payload_json,
			computed_at = excluded.computed_at
	`, p)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertPeriodStats).Inc()
		return fmt.Errorf("failed to upsert period stats: %w", err)
	}
	return nil
}

// GetPeriodStats returns the rollup for a period key, or nil if none is stored
func (db *DB) GetPeriodStats(ctx context.Context, userID, periodKey string) (*PeriodStats, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetPeriodStats))
	defer timer.ObserveDuration()

	var p PeriodStats
	err := db.conn.GetContext(ctx, &p, `
		SELECT `+periodColumns+` FROM period_stats WHERE user_id = ? AND period_key = ?
	`, userID, periodKey)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetPeriodStats).Inc()
		return nil, fmt.Errorf("failed to get period stats: %w", err)
	}
	return &p, nil
}

// DeletePeriodStats removes a rollup, used when a period no longer has activities
func (db *DB) DeletePeriodStats(ctx context.Context, userID, periodKey string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeletePeriodStats))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM period_stats WHERE user_id = ? AND period_key = ?`, userID, periodKey); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeletePeriodStats).Inc()
		return fmt.Errorf("failed to delete period stats: %w", err)
	}
	return nil
}

// ListPeriodStats returns rollups of one type starting within [from, to]
func (db *DB) ListPeriodStats(ctx context.Context, userID, periodType, from, to string) ([]PeriodStats, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetPeriodStats))
	defer timer.ObserveDuration()

	var out []PeriodStats
	err := db.conn.SelectContext(ctx, &out, `
		SELECT `+periodColumns+` FROM period_stats
		WHERE user_id = ? AND period_type = ? AND start_date >= ? AND start_date <= ?
		ORDER BY start_date
	`, userID, periodType, from, to)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetPeriodStats).Inc()
		return nil, fmt.Errorf("failed to list period stats: %w", err)
	}
	return out, nil
}
