package aggregation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/database"
	"wearable-sync/internal/trainingload"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Init())
	t.Cleanup(func() { db.Close() })

	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now })
	return db
}

func activity(id, sport, date string, distance, elevation float64, duration int) database.Activity {
	day, _ := time.Parse(database.DateLayout, date)
	return database.Activity{
		UserID:              "u1",
		ProviderActivityID:  id,
		Sport:               sport,
		StartTime:           day.Add(7 * time.Hour).Unix(),
		Date:                date,
		DurationSeconds:     duration,
		DistanceMeters:      distance,
		ElevationGainMeters: elevation,
	}
}

func insert(t *testing.T, db *database.DB, acts ...database.Activity) {
	t.Helper()

	err := db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		for i := range acts {
			if _, err := db.InsertActivityTx(context.Background(), tx, &acts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPeriodKeys(t *testing.T) {
	p, err := PeriodForDate(PeriodWeek, "2021-01-01")
	require.NoError(t, err)
	assert.Equal(t, "week:2020-W53", p.Key)
	assert.Equal(t, "2020-12-28", p.StartDate())
	assert.Equal(t, "2021-01-03", p.EndDate())

	p, err = PeriodForDate(PeriodWeek, "2024-12-31")
	require.NoError(t, err)
	assert.Equal(t, "week:2025-W01", p.Key)

	p, err = PeriodForDate(PeriodMonth, "2024-02-10")
	require.NoError(t, err)
	assert.Equal(t, "month:2024-02", p.Key)
	assert.Equal(t, "2024-02-29", p.EndDate())

	p, err = ParseKey("year:2023")
	require.NoError(t, err)
	assert.Equal(t, "2023-01-01", p.StartDate())
	assert.Equal(t, "2023-12-31", p.EndDate())

	_, err = ParseKey("week:2021-W53")
	assert.Error(t, err, "2021 has 52 ISO weeks")
	_, err = ParseKey("fortnight:2021-01")
	assert.Error(t, err)
	_, err = ParseKey("month:2021-13")
	assert.Error(t, err)
}

func TestShiftYears(t *testing.T) {
	p, err := ParseKey("week:2020-W53")
	require.NoError(t, err)
	assert.Equal(t, "week:2021-W52", p.ShiftYears(1).Key)
	assert.Equal(t, "week:2019-W52", p.ShiftYears(-1).Key)

	p, err = ParseKey("week:2024-W11")
	require.NoError(t, err)
	assert.Equal(t, "week:2023-W11", p.ShiftYears(-1).Key)
	assert.Equal(t, "week:2024-W10", p.Previous().Key)
	assert.Equal(t, "week:2024-W12", p.Next().Key)

	p, err = ParseKey("month:2024-01")
	require.NoError(t, err)
	assert.Equal(t, "month:2023-12", p.Previous().Key)
	assert.Equal(t, "month:2025-01", p.ShiftYears(1).Key)
}

func TestPeriodsBetween(t *testing.T) {
	periods, err := PeriodsBetween(PeriodMonth, "2023-11-15", "2024-02-01")
	require.NoError(t, err)

	var keys []string
	for _, p := range periods {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"month:2023-11", "month:2023-12", "month:2024-01", "month:2024-02"}, keys)
}

func TestRecomputePeriodWithoutPriorYear(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)

	insert(t, db,
		activity("a1", "cycling", "2024-03-12", 40000, 300, 5400),
		activity("a2", "running", "2024-03-12", 10000, 50, 3000),
		activity("a3", "cycling", "2024-03-14", 60000, 700, 9000),
	)
	require.NoError(t, e.RecomputePeriod(ctx, "u1", "2024-03-12"))

	week, err := e.Period(ctx, "u1", "week:2024-W11")
	require.NoError(t, err)
	require.NotNil(t, week)

	assert.Equal(t, 3, week.ActivityCount)
	assert.Equal(t, int64(17400), week.DurationSeconds)
	assert.InDelta(t, 110000.0, week.DistanceMeters, 1e-9)
	assert.Equal(t, 2, week.BySport["cycling"].ActivityCount)
	assert.InDelta(t, 10000.0, week.BySport["running"].DistanceMeters, 1e-9)

	require.Len(t, week.Daily, 2)
	assert.Equal(t, "2024-03-12", week.Daily[0].Date)
	assert.Equal(t, 2, week.Daily[0].ActivityCount)
	assert.Equal(t, 2, week.Averages.ActiveDays)
	assert.InDelta(t, 5400.0, week.Averages.MedianDurationSeconds, 1e-9)

	assert.Equal(t, "week:2023-W11", week.YoYComparison.PeriodKey)
	assert.False(t, week.YoYComparison.HasPriorYearData)
	assert.Nil(t, week.YoYComparison.Prior)
	assert.Equal(t, Changes{}, week.YoYComparison.Changes)
	assert.False(t, week.Comparison.HasPriorData)

	month, err := e.Period(ctx, "u1", "month:2024-03")
	require.NoError(t, err)
	require.NotNil(t, month)
	assert.Equal(t, 3, month.ActivityCount)

	missing, err := e.Period(ctx, "u1", "week:2024-W01")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLaterHistoryRefreshesComparisons(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)

	insert(t, db, activity("now", "cycling", "2024-03-12", 20000, 200, 3600))
	require.NoError(t, e.RecomputePeriod(ctx, "u1", "2024-03-12"))

	// Backfill finds the same week a year earlier and the week before
	insert(t, db,
		activity("then", "cycling", "2023-03-14", 10000, 0, 3600),
		activity("before", "cycling", "2024-03-05", 40000, 100, 7200),
	)
	require.NoError(t, e.RecomputePeriod(ctx, "u1", "2023-03-14"))
	require.NoError(t, e.RecomputePeriod(ctx, "u1", "2024-03-05"))

	week, err := e.Period(ctx, "u1", "week:2024-W11")
	require.NoError(t, err)
	require.NotNil(t, week)

	require.True(t, week.YoYComparison.HasPriorYearData)
	require.NotNil(t, week.YoYComparison.Changes.DistanceMeters)
	assert.InDelta(t, 100.0, *week.YoYComparison.Changes.DistanceMeters, 1e-9)
	assert.Nil(t, week.YoYComparison.Changes.ElevationGainMeters, "prior zero has no percentage")

	require.True(t, week.Comparison.HasPriorData)
	assert.Equal(t, "week:2024-W10", week.Comparison.PeriodKey)
	require.NotNil(t, week.Comparison.Changes.DurationSeconds)
	assert.InDelta(t, -50.0, *week.Comparison.Changes.DurationSeconds, 1e-9)

	month, err := e.Period(ctx, "u1", "month:2024-03")
	require.NoError(t, err)
	require.True(t, month.YoYComparison.HasPriorYearData)
	assert.Equal(t, 1, month.YoYComparison.Prior.ActivityCount)
}

func TestRecomputeRange(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)

	insert(t, db,
		activity("a1", "cycling", "2024-01-03", 10000, 0, 3600),
		activity("a2", "cycling", "2024-01-10", 20000, 0, 3600),
		activity("a3", "cycling", "2024-02-20", 30000, 0, 3600),
	)
	require.NoError(t, e.RecomputeRange(ctx, "u1", "2024-01-01", "2024-02-29"))

	weeks, err := e.Periods(ctx, "u1", PeriodWeek, "2024-01-01", "2024-02-29")
	require.NoError(t, err)
	require.Len(t, weeks, 3)
	assert.Equal(t, "week:2024-W02", weeks[1].Key)
	require.NotNil(t, weeks[1].Comparison.Changes.DistanceMeters)
	assert.InDelta(t, 100.0, *weeks[1].Comparison.Changes.DistanceMeters, 1e-9)
	assert.False(t, weeks[2].Comparison.HasPriorData, "the week before a3 is empty")

	months, err := e.Periods(ctx, "u1", PeriodMonth, "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	require.Len(t, months, 2)
	assert.Equal(t, 2, months[0].ActivityCount)
	require.NotNil(t, months[1].Comparison.Changes.ActivityCount)
	assert.InDelta(t, -50.0, *months[1].Comparison.Changes.ActivityCount, 1e-9)

	year, err := e.Period(ctx, "u1", "year:2024")
	require.NoError(t, err)
	assert.Equal(t, 3, year.ActivityCount)
}

func TestLifetimeMatchesFold(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)

	acts := []database.Activity{
		activity("a3", "cycling", "2024-02-01", 80000, 900, 10800),
		activity("a1", "running", "2023-05-01", 21000, 150, 6000),
		activity("a2", "cycling", "2023-06-01", 80000, 400, 9000),
		activity("a4", "swimming", "2024-03-01", 2000, 0, 3600),
		activity("a5", "cycling", "2023-01-15", 30000, 900, 5400),
	}
	insert(t, db, acts...)

	// Applied one at a time in insertion order, the way ingestion does
	for _, a := range acts {
		require.NoError(t, e.ApplyToLifetime(ctx, "u1", a))
	}

	stored, err := e.Lifetime(ctx, "u1")
	require.NoError(t, err)
	folded := Fold(acts)

	assert.Equal(t, folded, stored)
	assert.Equal(t, 5, stored.ActivityCount)
	assert.Equal(t, "2023-01-15", stored.FirstActivityDate)
	assert.Equal(t, "2024-03-01", stored.LastActivityDate)
	assert.Equal(t, 3, stored.BySport["cycling"].ActivityCount)

	assert.Equal(t, "a2", stored.Records[RecordLongestDistance].ActivityID, "ties go to the earlier activity")
	assert.Equal(t, "a3", stored.Records[RecordLongestDuration].ActivityID)
	assert.Equal(t, "a5", stored.Records[RecordMostElevation].ActivityID)
	assert.NotContains(t, Fold(nil).Records, RecordMostElevation)
}

func TestReconcileLifetimeCorrectsDrift(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)

	a1 := activity("a1", "cycling", "2024-01-01", 10000, 100, 3600)
	a2 := activity("a2", "cycling", "2024-01-02", 20000, 100, 3600)
	insert(t, db, a1, a2)
	require.NoError(t, e.ApplyToLifetime(ctx, "u1", a1))

	drifted, err := e.ReconcileLifetime(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, drifted)

	stored, err := e.Lifetime(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ActivityCount)
	assert.InDelta(t, 30000.0, stored.DistanceMeters, 1e-9)

	drifted, err = e.ReconcileLifetime(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestConsumerDrainsEvents(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	e := NewEngine(db)
	c := NewConsumer(db, e, trainingload.NewModel(db))

	tss := 80.0
	a := activity("a1", "cycling", "2024-03-18", 30000, 200, 3600)
	a.TSS = &tss
	insert(t, db, a)
	require.NoError(t, db.EnqueueAggregation(ctx, "u1", "2024-03-18"))
	require.NoError(t, db.EnqueueAggregation(ctx, "u1", "2024-03-18"))

	n, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "touches of the same date coalesce")

	week, err := e.Period(ctx, "u1", "week:2024-W12")
	require.NoError(t, err)
	require.NotNil(t, week)
	assert.InDelta(t, 80.0, week.TSS, 1e-9)

	point, err := db.GetLoadPoint(ctx, "u1", "2024-03-20")
	require.NoError(t, err)
	require.NotNil(t, point, "load series runs through today")
	assert.Greater(t, point.CTL, 0.0)

	processed, err := c.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}
