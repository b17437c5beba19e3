package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// AthleteProfile holds the inputs to classification and recommendations
type AthleteProfile struct {
	UserID           string   `db:"user_id"`
	Gender           string   `db:"gender"`
	BirthYear        *int     `db:"birth_year"`
	WeightKg         *float64 `db:"weight_kg"`
	GoalsJSON        string   `db:"goals_json"`
	TrainingPlanJSON string   `db:"training_plan_json"`
	UpdatedAt        int64    `db:"updated_at"`
}

// GetProfile returns the profile for a user, or nil
func (db *DB) GetProfile(ctx context.Context, userID string) (*AthleteProfile, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetProfile))
	defer timer.ObserveDuration()

	var p AthleteProfile
	err := db.conn.GetContext(ctx, &p, `
		SELECT user_id, gender, birth_year, weight_kg, goals_json, training_plan_json, updated_at
		FROM athlete_profiles WHERE user_id = ?
	`, userID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetProfile).Inc()
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile creates or replaces a profile
func (db *DB) UpsertProfile(ctx context.Context, p *AthleteProfile) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertProfile))
	defer timer.ObserveDuration()

	if p.Gender == "" {
		p.Gender = "male"
	}
	if p.GoalsJSON == "" {
		p.GoalsJSON = "[]"
	}
	if p.TrainingPlanJSON == "" {
		p.TrainingPlanJSON = "null"
	}
	p.UpdatedAt = db.now().Unix()

	_, err := db.conn.NamedExecContext(ctx, `
		INSERT INTO athlete_profiles (user_id, gender, birth_year, weight_kg, goals_json, training_plan_json, updated_at)
		VALUES (:user_id, :gender, :birth_year, :weight_kg, :goals_json, :training_plan_json, :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET
			gender = excluded.gender,
			birth_year = excluded.birth_year,
			weight_kg = excluded.weight_kg,
			goals_json = excluded.goals_json,
			training_plan_json = excluded.training_plan_json,
			updated_at = excluded.updated_at
	`, p)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertProfile).Inc()
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}
