package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Activity is one workout pulled from the provider
type Activity struct {
	UserID              string   `db:"user_id"`
	ProviderActivityID  string   `db:"provider_activity_id"`
	Sport               string   `db:"sport"`
	Name                *string  `db:"name"`
	StartTime           int64    `db:"start_time"`
	Date                string   `db:"date"`
	DurationSeconds     int      `db:"duration_seconds"`
	DistanceMeters      float64  `db:"distance_meters"`
	ElevationGainMeters float64  `db:"elevation_gain_meters"`
	Calories            float64  `db:"calories"`
	AvgHeartRate        *int     `db:"avg_heart_rate"`
	MaxHeartRate        *int     `db:"max_heart_rate"`
	AvgPower            *float64 `db:"avg_power"`
	NormalizedPower     *float64 `db:"normalized_power"`
	HasPowerDetail      bool     `db:"has_power_detail"`
	IntensityFactor     *float64 `db:"intensity_factor"`
	TSS                 *float64 `db:"tss"`
	WorkKJ              *float64 `db:"work_kj"`
	PowerSummaryJSON    *string  `db:"power_summary_json"`
	CreatedAt           int64    `db:"created_at"`
	UpdatedAt           int64    `db:"updated_at"`
}

// Start returns the activity start time in UTC
func (a *Activity) Start() time.Time {
	return time.Unix(a.StartTime, 0).UTC()
}

const activityColumns = `user_id, provider_activity_id, sport, name, start_time, date, duration_seconds,
	distance_meters, elevation_gain_meters, calories, avg_heart_rate, max_heart_rate, avg_power,
	normalized_power, has_power_detail, intensity_factor, tss, work_kj, power_summary_json,
	created_at, updated_at`

// InsertActivityTx inserts an activity unless one with the same provider id
// already exists. Returns true only when a new row was written.
func (db *DB) InsertActivityTx(ctx context.Context, tx *sqlx.Tx, a *Activity) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertActivity))
	defer timer.ObserveDuration()

	now := db.now().Unix()
	a.CreatedAt = now
	a.UpdatedAt = now

	result, err := tx.NamedExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES (:user_id, :provider_activity_id, :sport, :name, :start_time, :date, :duration_seconds,
		        :distance_meters, :elevation_gain_meters, :calories, :avg_heart_rate, :max_heart_rate, :avg_power,
		        :normalized_power, :has_power_detail, :intensity_factor, :tss, :work_kj, :power_summary_json,
		        :created_at, :updated_at)
		ON CONFLICT(user_id, provider_activity_id) DO NOTHING
	`, a)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertActivity).Inc()
		return false, fmt.Errorf("failed to insert activity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// GetActivity returns one activity, or nil
func (db *DB) GetActivity(ctx context.Context, userID, providerActivityID string) (*Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActivities))
	defer timer.ObserveDuration()

	var a Activity
	err := db.conn.GetContext(ctx, &a, `
		SELECT `+activityColumns+` FROM activities WHERE user_id = ? AND provider_activity_id = ?
	`, userID, providerActivityID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListActivities).Inc()
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &a, nil
}

// AttachPowerSummaryTx attaches parsed power detail the first time it is seen.
// Load fields are only filled if the activity did not already carry them.
// Returns true when this call attached the summary.
func (db *DB) AttachPowerSummaryTx(ctx context.Context, tx *sqlx.Tx, userID, providerActivityID, summaryJSON string, workKJ float64, intensityFactor, tss *float64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAttachPowerSummary))
	defer timer.ObserveDuration()

	result, err := tx.ExecContext(ctx, `
		UPDATE activities
		SET power_summary_json = ?,
		    work_kj = ?,
		    intensity_factor = COALESCE(intensity_factor, ?),
		    tss = COALESCE(tss, ?),
		    updated_at = ?
		WHERE user_id = ? AND provider_activity_id = ? AND power_summary_json IS NULL
	`, summaryJSON, workKJ, intensityFactor, tss, db.now().Unix(), userID, providerActivityID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAttachPowerSummary).Inc()
		return false, fmt.Errorf("failed to attach power summary: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateActivityLoad overwrites intensity factor and TSS, used after an FTP change
func (db *DB) UpdateActivityLoad(ctx context.Context, userID, providerActivityID string, intensityFactor, tss *float64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE activities SET intensity_factor = ?, tss = ?, updated_at = ?
		WHERE user_id = ? AND provider_activity_id = ?
	`, intensityFactor, tss, db.now().Unix(), userID, providerActivityID)
	if err != nil {
		return fmt.Errorf("failed to update activity load: %w", err)
	}
	return nil
}

// ListActivities returns a user's activities dated within [from, to]
func (db *DB) ListActivities(ctx context.Context, userID, from, to string) ([]Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActivities))
	defer timer.ObserveDuration()

	var acts []Activity
	err := db.conn.SelectContext(ctx, &acts, `
		SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY start_time, provider_activity_id
	`, userID, from, to)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListActivities).Inc()
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return acts, nil
}

// ListAllActivities returns every activity for a user in chronological order
func (db *DB) ListAllActivities(ctx context.Context, userID string) ([]Activity, error) {
	return db.ListActivities(ctx, userID, "0000-01-01", "9999-12-31")
}

// ActivityDateRange returns the first and last activity dates for a user.
// ok is false when the user has no activities.
func (db *DB) ActivityDateRange(ctx context.Context, userID string) (first, last string, ok bool, err error) {
	var r struct {
		First *string `db:"first"`
		Last  *string `db:"last"`
	}
	if err := db.conn.GetContext(ctx, &r, `
		SELECT MIN(date) AS first, MAX(date) AS last FROM activities WHERE user_id = ?
	`, userID); err != nil {
		return "", "", false, fmt.Errorf("failed to get activity date range: %w", err)
	}
	if r.First == nil || r.Last == nil {
		return "", "", false, nil
	}
	return *r.First, *r.Last, true, nil
}

// DailyTSS sums activity TSS per date within [from, to]. Dates with no scored
// activity are absent from the map.
func (db *DB) DailyTSS(ctx context.Context, userID, from, to string) (map[string]float64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActivities))
	defer timer.ObserveDuration()

	var rows []struct {
		Date string  `db:"date"`
		TSS  float64 `db:"tss"`
	}
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT date, SUM(tss) AS tss FROM activities
		WHERE user_id = ? AND date >= ? AND date <= ? AND tss IS NOT NULL
		GROUP BY date
	`, userID, from, to)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListActivities).Inc()
		return nil, fmt.Errorf("failed to sum daily tss: %w", err)
	}

	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Date] = r.TSS
	}
	return out, nil
}
