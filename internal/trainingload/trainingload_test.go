package trainingload

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/database"
)

const eps = 1e-9

func setupTestDB(t *testing.T, today string) *database.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Init())
	t.Cleanup(func() { db.Close() })

	now, err := time.Parse(database.DateLayout, today)
	require.NoError(t, err)
	now = now.Add(12 * time.Hour)
	db.SetClock(func() time.Time { return now })
	return db
}

func insertRide(t *testing.T, db *database.DB, id, date string, tss float64) {
	t.Helper()

	start, err := time.Parse(database.DateLayout, date)
	require.NoError(t, err)
	err = db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := db.InsertActivityTx(context.Background(), tx, &database.Activity{
			UserID:             "u1",
			ProviderActivityID: id,
			Sport:              "cycling",
			StartTime:          start.Add(8 * time.Hour).Unix(),
			Date:               date,
			DurationSeconds:    3600,
			TSS:                &tss,
		})
		return err
	})
	require.NoError(t, err)
}

func TestStress(t *testing.T) {
	intensity, tss, ok := Stress(3600, 250, 250)
	require.True(t, ok)
	assert.InDelta(t, 1.0, intensity, eps)
	assert.InDelta(t, 100.0, tss, eps)

	intensity, tss, ok = Stress(1800, 200, 250)
	require.True(t, ok)
	assert.InDelta(t, 0.8, intensity, eps)
	assert.InDelta(t, 32.0, tss, eps)

	_, _, ok = Stress(3600, 250, 0)
	assert.False(t, ok, "unknown FTP cannot be scored")
}

// Reference values are the closed-form exponential averages for TSS [100, 0, 50]
func TestSeriesMatchesReference(t *testing.T) {
	daily := map[string]float64{"2024-01-01": 100, "2024-01-03": 50}

	points, err := Series("u1", "2024-01-01", "2024-01-03", database.LoadPoint{}, nil, daily)
	require.NoError(t, err)
	require.Len(t, points, 3)

	want := []struct{ ctl, atl float64 }{
		{100.0 / 42, 100.0 / 7},
		{100.0 / 42 * 41 / 42, 100.0 / 7 * 6 / 7},
		{100.0/42*41/42 + (50-100.0/42*41/42)/42, 100.0/7*6/7 + (50-100.0/7*6/7)/7},
	}
	for i, w := range want {
		assert.InDelta(t, w.ctl, points[i].CTL, eps, "ctl day %d", i+1)
		assert.InDelta(t, w.atl, points[i].ATL, eps, "atl day %d", i+1)
		assert.InDelta(t, points[i].CTL-points[i].ATL, points[i].TSB, eps, "tsb day %d", i+1)
		assert.InDelta(t, points[i].CTL, points[i].RampRate, eps, "ramp rate day %d starts from zero", i+1)
	}

	assert.InDelta(t, 2.380952380952381, points[0].CTL, eps)
	assert.InDelta(t, 14.285714285714286, points[0].ATL, eps)
	assert.InDelta(t, 3.4593996328690206, points[2].CTL, 1e-9)
	assert.InDelta(t, 17.63848396501458, points[2].ATL, 1e-9)
}

func TestRampRateUsesWeekOldCTL(t *testing.T) {
	daily := map[string]float64{}
	for d := 1; d <= 10; d++ {
		daily[time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).Format(database.DateLayout)] = 60
	}

	points, err := Series("u1", "2024-01-01", "2024-01-10", database.LoadPoint{}, nil, daily)
	require.NoError(t, err)
	assert.InDelta(t, points[9].CTL-points[2].CTL, points[9].RampRate, eps)
}

func TestRecomputeResumesFromStoredPoint(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, "2024-01-03")
	m := NewModel(db)

	insertRide(t, db, "a1", "2024-01-01", 100)
	require.NoError(t, m.Recompute(ctx, "u1", "2024-01-01"))

	points, err := db.ListTrainingLoad(ctx, "u1", "2024-01-01", "2024-01-03")
	require.NoError(t, err)
	require.Len(t, points, 3, "series runs through today")
	assert.InDelta(t, 0.0, points[2].TSS, eps)

	insertRide(t, db, "a2", "2024-01-03", 50)
	require.NoError(t, m.Recompute(ctx, "u1", "2024-01-03"))

	points, err = db.ListTrainingLoad(ctx, "u1", "2024-01-01", "2024-01-03")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 3.4593996328690206, points[2].CTL, eps)
	assert.InDelta(t, 17.63848396501458, points[2].ATL, eps)
}

func TestRecomputeBeforeFirstPointReplaysFromZero(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, "2024-01-03")
	m := NewModel(db)

	insertRide(t, db, "a1", "2024-01-02", 100)
	require.NoError(t, m.Recompute(ctx, "u1", "2024-01-02"))

	// Backfill discovers older history
	insertRide(t, db, "a0", "2023-12-31", 100)
	require.NoError(t, m.Recompute(ctx, "u1", "2023-12-31"))

	first, err := db.FirstLoadDate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31", first)

	incremental, err := db.ListTrainingLoad(ctx, "u1", "2023-12-31", "2024-01-03")
	require.NoError(t, err)

	require.NoError(t, m.ReplayAll(ctx, "u1"))
	replayed, err := db.ListTrainingLoad(ctx, "u1", "2023-12-31", "2024-01-03")
	require.NoError(t, err)

	require.Len(t, replayed, 4)
	assert.Equal(t, replayed, incremental)
	assert.InDelta(t, 100.0/42, replayed[0].CTL, eps)
}

func TestRescoreAppliesFTPHistory(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, "2024-02-01")
	m := NewModel(db)

	np := 250.0
	for _, ride := range []struct{ id, date string }{{"a1", "2024-01-05"}, {"a2", "2024-01-20"}} {
		start, _ := time.Parse(database.DateLayout, ride.date)
		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := db.InsertActivityTx(ctx, tx, &database.Activity{
				UserID: "u1", ProviderActivityID: ride.id, Sport: "cycling",
				StartTime: start.Unix(), Date: ride.date, DurationSeconds: 3600, NormalizedPower: &np,
			})
			return err
		})
		require.NoError(t, err)
	}

	require.NoError(t, db.SetFTP(ctx, "u1", "2024-01-01", 250))
	require.NoError(t, db.SetFTP(ctx, "u1", "2024-01-15", 200))

	n, err := m.Rescore(ctx, "u1", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a1, err := db.GetActivity(ctx, "u1", "a1")
	require.NoError(t, err)
	require.NotNil(t, a1.TSS)
	assert.InDelta(t, 100.0, *a1.TSS, eps)

	a2, err := db.GetActivity(ctx, "u1", "a2")
	require.NoError(t, err)
	require.NotNil(t, a2.IntensityFactor)
	assert.InDelta(t, 1.25, *a2.IntensityFactor, eps)
	assert.InDelta(t, 156.25, *a2.TSS, eps)

	latest, err := m.Latest(ctx, "u1", "2024-02-01")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-02-01", latest.Date)
}

func TestRescoreFromEffectiveDate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, "2024-02-01")
	m := NewModel(db)

	np := 250.0
	for _, ride := range []struct{ id, date string }{{"a1", "2024-01-05"}, {"a2", "2024-01-20"}} {
		start, _ := time.Parse(database.DateLayout, ride.date)
		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := db.InsertActivityTx(ctx, tx, &database.Activity{
				UserID: "u1", ProviderActivityID: ride.id, Sport: "cycling",
				StartTime: start.Unix(), Date: ride.date, DurationSeconds: 3600, NormalizedPower: &np,
			})
			return err
		})
		require.NoError(t, err)
	}
	require.NoError(t, m.ReplayAll(ctx, "u1"))

	require.NoError(t, db.SetFTP(ctx, "u1", "2024-01-15", 250))
	n, err := m.Rescore(ctx, "u1", "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a1, err := db.GetActivity(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Nil(t, a1.TSS, "activities before the effective date are untouched")

	a2, err := db.GetActivity(ctx, "u1", "a2")
	require.NoError(t, err)
	require.NotNil(t, a2.TSS)
	assert.InDelta(t, 100.0, *a2.TSS, eps)

	point, err := db.GetLoadPoint(ctx, "u1", "2024-01-20")
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.InDelta(t, 100.0/42, point.CTL, eps)

	_, err = m.Rescore(ctx, "u1", "January")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "Moderate", Classify("male", DurationFTP, 3.54))
	assert.Equal(t, "Good", Classify("male", DurationFTP, 3.55))
	assert.Equal(t, "World Class", Classify("male", DurationFTP, 6.2))
	assert.Equal(t, "Untrained", Classify("male", DurationFTP, 1.0))
	assert.Equal(t, "Good", Classify("female", DurationFTP, 2.97))
	assert.Equal(t, "Excellent", Classify("male", Duration5s, 19.0))
	assert.Equal(t, "", Classify("male", "20min", 4))
}

func TestAgeAdjust(t *testing.T) {
	assert.Equal(t, 1.0, AgeFactor(30))
	assert.InDelta(t, 0.95, AgeFactor(45), eps)

	adj := AgeAdjust("male", 237.5, 70, 45)
	require.NotNil(t, adj)
	assert.InDelta(t, 250.0, adj.AdjustedFTP, eps)
	assert.InDelta(t, 250.0/70/3.55*100, adj.PerformanceIndex, eps)

	p := Profile("male", 70, map[string]float64{DurationFTP: 245, Duration5s: 1050}, 45)
	require.NotNil(t, p)
	assert.Equal(t, "Moderate", p.Categories[DurationFTP], "age adjustment never changes the category")
	assert.Equal(t, "Good", p.Categories[Duration5s])
	require.NotNil(t, p.Age)
}

func TestProfileFor(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, "2024-03-20")

	p, err := ProfileFor(ctx, db, "u1", "2024-03-20")
	require.NoError(t, err)
	assert.Nil(t, p, "no weight on file")

	weight := 70.0
	require.NoError(t, db.UpsertProfile(ctx, &database.AthleteProfile{UserID: "u1", WeightKg: &weight}))

	for _, ride := range []struct{ id, summary string }{
		{"good", `{"bestEfforts":{"5min":350,"20min":300}}`},
		{"corrupt", `{"bestEfforts":`},
	} {
		summary := ride.summary
		require.NoError(t, db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := db.InsertActivityTx(ctx, tx, &database.Activity{
				UserID: "u1", ProviderActivityID: ride.id, Sport: "cycling",
				Date: "2024-03-10", DurationSeconds: 3600, PowerSummaryJSON: &summary,
			})
			return err
		}))
	}

	p, err = ProfileFor(ctx, db, "u1", "2024-03-20")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "male", p.Gender)
	assert.InDelta(t, 5.0, p.WattsPerKg[Duration5min], eps)
	assert.InDelta(t, 285.0/70, p.WattsPerKg[DurationFTP], eps)
	assert.Nil(t, p.Age, "no birth year")

	require.NoError(t, db.SetFTP(ctx, "u1", "2024-03-01", 280))
	p, err = ProfileFor(ctx, db, "u1", "2024-03-20")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p.WattsPerKg[DurationFTP], eps)

	_, err = ProfileFor(ctx, db, "u1", "yesterday")
	assert.Error(t, err)
}
