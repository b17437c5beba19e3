package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
)

// Personal record keys
const (
	RecordLongestDistance = "longestDistance"
	RecordLongestDuration = "longestDuration"
	RecordMostElevation   = "mostElevation"
)

const maxLifetimeAttempts = 5

var errLifetimeConflict = errors.New("lifetime stats changed concurrently")

// PersonalRecord is the activity holding a record
type PersonalRecord struct {
	ActivityID string  `json:"activityId"`
	Date       string  `json:"date"`
	Value      float64 `json:"value"`
}

// SportTotals are lifetime totals for one sport
type SportTotals struct {
	ActivityCount       int     `json:"activityCount"`
	DurationSeconds     int64   `json:"durationSeconds"`
	DistanceMeters      float64 `json:"distanceMeters"`
	ElevationGainMeters float64 `json:"elevationGainMeters"`
	Calories            float64 `json:"calories"`
}

// LifetimeStats are all-time totals, per-sport totals and personal records
type LifetimeStats struct {
	SportTotals
	FirstActivityDate string                    `json:"firstActivityDate,omitempty"`
	LastActivityDate  string                    `json:"lastActivityDate,omitempty"`
	BySport           map[string]SportTotals    `json:"bySport"`
	Records           map[string]PersonalRecord `json:"records"`
}

// NewLifetimeStats returns empty stats
func NewLifetimeStats() *LifetimeStats {
	return &LifetimeStats{
		BySport: make(map[string]SportTotals),
		Records: make(map[string]PersonalRecord),
	}
}

func (t *SportTotals) add(a *database.Activity) {
	t.ActivityCount++
	t.DurationSeconds += int64(a.DurationSeconds)
	t.DistanceMeters += a.DistanceMeters
	t.ElevationGainMeters += a.ElevationGainMeters
	t.Calories += a.Calories
}

// Apply adds one activity. Record ties go to the earlier activity, so the
// result does not depend on the order activities are applied in.
func (l *LifetimeStats) Apply(a *database.Activity) {
	l.SportTotals.add(a)

	sport := l.BySport[a.Sport]
	sport.add(a)
	l.BySport[a.Sport] = sport

	if l.FirstActivityDate == "" || a.Date < l.FirstActivityDate {
		l.FirstActivityDate = a.Date
	}
	if a.Date > l.LastActivityDate {
		l.LastActivityDate = a.Date
	}

	l.offerRecord(RecordLongestDistance, a, a.DistanceMeters)
	l.offerRecord(RecordLongestDuration, a, float64(a.DurationSeconds))
	l.offerRecord(RecordMostElevation, a, a.ElevationGainMeters)
}

func (l *LifetimeStats) offerRecord(key string, a *database.Activity, value float64) {
	if value <= 0 {
		return
	}
	cur, ok := l.Records[key]
	switch {
	case !ok, value > cur.Value:
	case value == cur.Value && (a.Date < cur.Date || (a.Date == cur.Date && a.ProviderActivityID < cur.ActivityID)):
	default:
		return
	}
	l.Records[key] = PersonalRecord{ActivityID: a.ProviderActivityID, Date: a.Date, Value: value}
}

// Fold computes lifetime stats from scratch
func Fold(acts []database.Activity) *LifetimeStats {
	sorted := make([]database.Activity, len(acts))
	copy(sorted, acts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		return sorted[i].ProviderActivityID < sorted[j].ProviderActivityID
	})

	l := NewLifetimeStats()
	for i := range sorted {
		l.Apply(&sorted[i])
	}
	return l
}

// Lifetime returns the stored lifetime stats, or empty stats if none exist
func (e *Engine) Lifetime(ctx context.Context, userID string) (*LifetimeStats, error) {
	l, _, err := e.loadLifetime(ctx, userID)
	return l, err
}

// ApplyToLifetime adds newly inserted activities to the stored lifetime
// stats, retrying when another writer updated them first
func (e *Engine) ApplyToLifetime(ctx context.Context, userID string, acts ...database.Activity) error {
	if len(acts) == 0 {
		return nil
	}

	for attempt := 0; attempt < maxLifetimeAttempts; attempt++ {
		l, version, err := e.loadLifetime(ctx, userID)
		if err != nil {
			return err
		}
		for i := range acts {
			l.Apply(&acts[i])
		}

		ok, err := e.saveLifetime(ctx, userID, version, l)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		e.logger.Debug("Lifetime stats version conflict, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return fmt.Errorf("failed to apply %d activities to lifetime stats: %w", len(acts), errLifetimeConflict)
}

// ReconcileLifetime recomputes the lifetime fold from every stored activity
// and overwrites the stored stats if they drifted. Reports whether they did.
func (e *Engine) ReconcileLifetime(ctx context.Context, userID string) (bool, error) {
	for attempt := 0; attempt < maxLifetimeAttempts; attempt++ {
		acts, err := e.db.ListAllActivities(ctx, userID)
		if err != nil {
			return false, err
		}
		folded := Fold(acts)

		stored, version, err := e.loadLifetime(ctx, userID)
		if err != nil {
			return false, err
		}
		if lifetimeEqual(stored, folded) {
			return false, nil
		}

		ok, err := e.saveLifetime(ctx, userID, version, folded)
		if err != nil {
			return false, err
		}
		if ok {
			metrics.LifetimeDriftTotal.Inc()
			e.logger.Warn("Corrected lifetime stats drift",
				"user_id", userID,
				"stored_count", stored.ActivityCount,
				"actual_count", folded.ActivityCount)
			return true, nil
		}
	}
	return false, fmt.Errorf("failed to reconcile lifetime stats: %w", errLifetimeConflict)
}

// ReconcileAll reconciles every connected user. Per-user failures are logged
// and do not stop the pass.
func (e *Engine) ReconcileAll(ctx context.Context) (int, error) {
	users, err := e.db.ListConnectedUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	drifted := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		d, err := e.ReconcileLifetime(ctx, userID)
		if err != nil {
			e.logger.Error("Failed to reconcile lifetime stats", "user_id", userID, "error", err)
			continue
		}
		if d {
			drifted++
		}
	}
	return drifted, nil
}

func (e *Engine) loadLifetime(ctx context.Context, userID string) (*LifetimeStats, int64, error) {
	row, err := e.db.GetLifetimeStats(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if row == nil {
		return NewLifetimeStats(), 0, nil
	}

	l := NewLifetimeStats()
	if err := json.Unmarshal([]byte(row.PayloadJSON), l); err != nil {
		return nil, 0, fmt.Errorf("failed to decode lifetime stats: %w", err)
	}
	if l.BySport == nil {
		l.BySport = make(map[string]SportTotals)
	}
	if l.Records == nil {
		l.Records = make(map[string]PersonalRecord)
	}
	return l, row.Version, nil
}

func (e *Engine) saveLifetime(ctx context.Context, userID string, version int64, l *LifetimeStats) (bool, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lifetime stats: %w", err)
	}
	return e.db.SaveLifetimeStats(ctx, userID, version, string(payload))
}

// lifetimeEqual compares stats allowing for float summation order
func lifetimeEqual(a, b *LifetimeStats) bool {
	if a.FirstActivityDate != b.FirstActivityDate || a.LastActivityDate != b.LastActivityDate {
		return false
	}
	if !totalsEqual(a.SportTotals, b.SportTotals) || len(a.BySport) != len(b.BySport) || len(a.Records) != len(b.Records) {
		return false
	}
	for sport, t := range a.BySport {
		if other, ok := b.BySport[sport]; !ok || !totalsEqual(t, other) {
			return false
		}
	}
	for key, r := range a.Records {
		other, ok := b.Records[key]
		if !ok || other.ActivityID != r.ActivityID || other.Date != r.Date || !floatEqual(other.Value, r.Value) {
			return false
		}
	}
	return true
}

func totalsEqual(a, b SportTotals) bool {
	return a.ActivityCount == b.ActivityCount &&
		a.DurationSeconds == b.DurationSeconds &&
		floatEqual(a.DistanceMeters, b.DistanceMeters) &&
		floatEqual(a.ElevationGainMeters, b.ElevationGainMeters) &&
		floatEqual(a.Calories, b.Calories)
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
