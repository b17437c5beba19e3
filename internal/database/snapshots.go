package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// DailySnapshot holds normalized per-day health metrics. Nil fields are
// unknown for that day.
type DailySnapshot struct {
	UserID           string   `db:"user_id" json:"-"`
	Date             string   `db:"date" json:"date"`
	Steps            *int     `db:"steps" json:"steps"`
	RestingHeartRate *int     `db:"resting_heart_rate" json:"restingHeartRate"`
	AvgHeartRate     *int     `db:"avg_heart_rate" json:"avgHeartRate"`
	MaxHeartRate     *int     `db:"max_heart_rate" json:"maxHeartRate"`
	SleepSeconds     *int     `db:"sleep_seconds" json:"sleepSeconds"`
	SleepScore       *int     `db:"sleep_score" json:"sleepScore"`
	StressAvg        *int     `db:"stress_avg" json:"stressAvg"`
	HRVMs            *float64 `db:"hrv_ms" json:"hrvMs"`
	BodyBattery      *int     `db:"body_battery" json:"bodyBattery"`
	Calories         *int     `db:"calories" json:"calories"`
	IntensityMinutes *int     `db:"intensity_minutes" json:"intensityMinutes"`
	SpO2Avg          *float64 `db:"spo2_avg" json:"spo2Avg"`
	RespirationAvg   *float64 `db:"respiration_avg" json:"respirationAvg"`
	WeightKg         *float64 `db:"weight_kg" json:"weightKg"`
	Checksum         string   `db:"checksum" json:"checksum"`
	CreatedAt        int64    `db:"created_at" json:"-"`
	UpdatedAt        int64    `db:"updated_at" json:"updatedAt"`
}

const snapshotColumns = `user_id, date, steps, resting_heart_rate, avg_heart_rate, max_heart_rate,
	sleep_seconds, sleep_score, stress_avg, hrv_ms, body_battery, calories, intensity_minutes,
	spo2_avg, respiration_avg, weight_kg, checksum, created_at, updated_at`

// GetDailySnapshot returns the snapshot for a user and date, or nil
func (db *DB) GetDailySnapshot(ctx context.Context, userID, date string) (*DailySnapshot, error) {
	return getDailySnapshot(ctx, db.conn, userID, date)
}

// GetDailySnapshotTx reads a snapshot inside a transaction
func (db *DB) GetDailySnapshotTx(ctx context.Context, tx *sqlx.Tx, userID, date string) (*DailySnapshot, error) {
	return getDailySnapshot(ctx, tx, userID, date)
}

func getDailySnapshot(ctx context.Context, q sqlx.QueryerContext, userID, date string) (*DailySnapshot, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetDailySnapshot))
	defer timer.ObserveDuration()

	var snap DailySnapshot
	err := sqlx.GetContext(ctx, q, &snap, `SELECT `+snapshotColumns+` FROM daily_snapshots WHERE user_id = ? AND date = ?`, userID, date)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetDailySnapshot).Inc()
		return nil, fmt.Errorf("failed to get daily snapshot: %w", err)
	}
	return &snap, nil
}

// PutDailySnapshotTx writes a fully merged snapshot. created_at is preserved
// for existing rows.
func (db *DB) PutDailySnapshotTx(ctx context.Context, tx *sqlx.Tx, snap *DailySnapshot) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpPutDailySnapshot))
	defer timer.ObserveDuration()

	now := db.now().Unix()
	if snap.CreatedAt == 0 {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO daily_snapshots (`+snapshotColumns+`)
		VALUES (:user_id, :date, :steps, :resting_heart_rate, :avg_heart_rate, :max_heart_rate,
		        :sleep_seconds, :sleep_score, :stress_avg, :hrv_ms, :body_battery, :calories, :intensity_minutes,
		        :spo2_avg, :respiration_avg, :weight_kg, :checksum, :created_at, :updated_at)
		ON CONFLICT(user_id, date) DO UPDATE SET
			steps = excluded.steps,
			resting_heart_rate = excluded.resting_heart_rate,
			avg_heart_rate = excluded.avg_heart_rate,
			max_heart_rate = excluded.max_heart_rate,
			sleep_seconds = excluded.sleep_seconds,
			sleep_score = excluded.sleep_score,
			stress_avg = excluded.stress_avg,
			hrv_ms = excluded.hrv_ms,
			body_battery = excluded.body_battery,
			calories = excluded.calories,
			intensity_minutes = excluded.intensity_minutes,
			spo2_avg = excluded.spo2_avg,
			respiration_avg = excluded.respiration_avg,
			weight_kg = excluded.weight_kg,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`, snap)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpPutDailySnapshot).Inc()
		return fmt.Errorf("failed to put daily snapshot: %w", err)
	}
	return nil
}

// ListDailySnapshots returns snapshots in [from, to], oldest first
func (db *DB) ListDailySnapshots(ctx context.Context, userID, from, to string) ([]DailySnapshot, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetDailySnapshot))
	defer timer.ObserveDuration()

	var snaps []DailySnapshot
	err := db.conn.SelectContext(ctx, &snaps, `
		SELECT `+snapshotColumns+` FROM daily_snapshots
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, userID, from, to)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetDailySnapshot).Inc()
		return nil, fmt.Errorf("failed to list daily snapshots: %w", err)
	}
	return snaps, nil
}
