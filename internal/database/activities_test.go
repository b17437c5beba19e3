package database

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

func ptr[T any](v T) *T { return &v }

func testActivity(id, date string, tss *float64) *Activity {
	start, _ := time.Parse(DateLayout, date)
	return &Activity{
		UserID:             "u1",
		ProviderActivityID: id,
		Sport:              "cycling",
		Name:               ptr("Morning Ride"),
		StartTime:          start.Add(7 * time.Hour).Unix(),
		Date:               date,
		DurationSeconds:    3600,
		DistanceMeters:     30000,
		TSS:                tss,
	}
}

func insertActivity(t *testing.T, db *DB, a *Activity) bool {
	t.Helper()
	var inserted bool
	err := db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		inserted, err = db.InsertActivityTx(context.Background(), tx, a)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to insert activity: %v", err)
	}
	return inserted
}

func TestInsertActivityIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if !insertActivity(t, db, testActivity("a1", "2024-01-05", ptr(50.0))) {
		t.Fatal("Expected first insert to write a row")
	}

	dup := testActivity("a1", "2024-01-05", ptr(80.0))
	dup.DistanceMeters = 99999
	if insertActivity(t, db, dup) {
		t.Error("Expected duplicate insert to be ignored")
	}

	got, err := db.GetActivity(ctx, "u1", "a1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if got.DistanceMeters != 30000 || *got.TSS != 50 {
		t.Errorf("Expected original activity to stand, got %+v", got)
	}
}

func TestAttachPowerSummaryOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	insertActivity(t, db, testActivity("a1", "2024-01-05", nil))

	attach := func(summary string, tss float64) bool {
		var attached bool
		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			attached, err = db.AttachPowerSummaryTx(ctx, tx, "u1", "a1", summary, 900, ptr(0.8), ptr(tss))
			return err
		})
		if err != nil {
			t.Fatalf("Failed to attach power summary: %v", err)
		}
		return attached
	}

	if !attach(`{"avgPower":200}`, 64) {
		t.Fatal("Expected first attach to succeed")
	}
	if attach(`{"avgPower":999}`, 99) {
		t.Error("Expected second attach to be ignored")
	}

	got, _ := db.GetActivity(ctx, "u1", "a1")
	if *got.PowerSummaryJSON != `{"avgPower":200}` || *got.TSS != 64 {
		t.Errorf("Unexpected activity after attach %+v", got)
	}
}

func TestDailyTSSAndDateRange(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	insertActivity(t, db, testActivity("a1", "2024-01-05", ptr(50.0)))
	insertActivity(t, db, testActivity("a2", "2024-01-05", ptr(25.0)))
	insertActivity(t, db, testActivity("a3", "2024-01-07", nil))
	insertActivity(t, db, testActivity("a4", "2024-02-01", ptr(10.0)))

	daily, err := db.DailyTSS(ctx, "u1", "2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("Failed to get daily tss: %v", err)
	}
	if len(daily) != 1 || daily["2024-01-05"] != 75 {
		t.Errorf("Unexpected daily tss %v", daily)
	}

	first, last, ok, err := db.ActivityDateRange(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get date range: %v", err)
	}
	if !ok || first != "2024-01-05" || last != "2024-02-01" {
		t.Errorf("Unexpected range %s..%s (%v)", first, last, ok)
	}

	_, _, ok, _ = db.ActivityDateRange(ctx, "nobody")
	if ok {
		t.Error("Expected no range for a user without activities")
	}

	acts, err := db.ListActivities(ctx, "u1", "2024-01-06", "2024-01-31")
	if err != nil {
		t.Fatalf("Failed to list activities: %v", err)
	}
	if len(acts) != 1 || acts[0].ProviderActivityID != "a3" {
		t.Errorf("Unexpected activities %+v", acts)
	}
}

func TestLifetimeVersionConflict(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := db.SaveLifetimeStats(ctx, "u1", 0, `{"count":1}`)
	if err != nil || !ok {
		t.Fatalf("Expected initial save, got %v, %v", ok, err)
	}
	ok, _ = db.SaveLifetimeStats(ctx, "u1", 0, `{"count":1}`)
	if ok {
		t.Error("Expected second initial save to conflict")
	}

	row, _ := db.GetLifetimeStats(ctx, "u1")
	if row.Version != 1 {
		t.Fatalf("Expected version 1, got %d", row.Version)
	}

	ok, _ = db.SaveLifetimeStats(ctx, "u1", 1, `{"count":2}`)
	if !ok {
		t.Fatal("Expected save at current version to succeed")
	}
	ok, _ = db.SaveLifetimeStats(ctx, "u1", 1, `{"count":3}`)
	if ok {
		t.Error("Expected save at stale version to conflict")
	}

	row, _ = db.GetLifetimeStats(ctx, "u1")
	if row.Version != 2 || row.PayloadJSON != `{"count":2}` {
		t.Errorf("Unexpected lifetime row %+v", row)
	}
}

func TestFTPAtUsesHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SetFTP(ctx, "u1", "2024-01-01", 200); err != nil {
		t.Fatalf("Failed to set ftp: %v", err)
	}
	if err := db.SetFTP(ctx, "u1", "2024-03-01", 250); err != nil {
		t.Fatalf("Failed to set ftp: %v", err)
	}

	cases := map[string]float64{
		"2023-12-31": 0,
		"2024-01-01": 200,
		"2024-02-29": 200,
		"2024-03-01": 250,
		"2025-01-01": 250,
	}
	for date, want := range cases {
		got, err := db.FTPAt(ctx, "u1", date)
		if err != nil {
			t.Fatalf("Failed to get ftp: %v", err)
		}
		if got != want {
			t.Errorf("FTPAt(%s) = %v, want %v", date, got, want)
		}
	}
}

func TestReplaceTrainingLoad(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	points := []LoadPoint{
		{Date: "2024-01-01", TSS: 100, CTL: 1, ATL: 2, TSB: -1},
		{Date: "2024-01-02", TSS: 0, CTL: 1, ATL: 2, TSB: -1},
		{Date: "2024-01-03", TSS: 0, CTL: 1, ATL: 2, TSB: -1},
	}
	if err := db.ReplaceTrainingLoad(ctx, "u1", "2024-01-01", points); err != nil {
		t.Fatalf("Failed to replace training load: %v", err)
	}

	replacement := []LoadPoint{{Date: "2024-01-02", TSS: 50, CTL: 3, ATL: 4, TSB: -1}}
	if err := db.ReplaceTrainingLoad(ctx, "u1", "2024-01-02", replacement); err != nil {
		t.Fatalf("Failed to replace training load: %v", err)
	}

	got, err := db.ListTrainingLoad(ctx, "u1", "2024-01-01", "2024-12-31")
	if err != nil {
		t.Fatalf("Failed to list training load: %v", err)
	}
	if len(got) != 2 || got[1].TSS != 50 {
		t.Errorf("Expected tail replaced, got %+v", got)
	}

	first, _ := db.FirstLoadDate(ctx, "u1")
	if first != "2024-01-01" {
		t.Errorf("Expected first load date 2024-01-01, got %s", first)
	}
}

func TestAggregationEventsCoalesce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.EnqueueAggregation(ctx, "u1", "2024-01-05"); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	ev, err := db.ClaimAggregation(ctx)
	if err != nil || ev == nil {
		t.Fatalf("Failed to claim event: %v", err)
	}
	if ev.Generation != 3 {
		t.Errorf("Expected generation 3, got %d", ev.Generation)
	}

	// Touched again while being processed
	if err := db.EnqueueAggregation(ctx, "u1", "2024-01-05"); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := db.CompleteAggregation(ctx, ev); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	again, _ := db.ClaimAggregation(ctx)
	if again == nil || again.Generation != 4 {
		t.Fatalf("Expected event to be redelivered at generation 4, got %+v", again)
	}
	if err := db.CompleteAggregation(ctx, again); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	depths, _ := db.AggregationQueueDepths(ctx)
	if depths.Total != 0 {
		t.Errorf("Expected empty queue, got %+v", depths)
	}
}
