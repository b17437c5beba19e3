package recommend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/trainingload"
)

var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

const validResponse = `{
	"schema": "recommendation/v1",
	"summary": "Recovery day",
	"items": [
		{"priority": "high", "category": "recovery", "title": "Rest", "detail": "TSB is low"}
	]
}`

type testEnv struct {
	db     *database.DB
	engine *aggregation.Engine
	load   *trainingload.Model
}

func (e testEnv) service(cfg Config) *Service {
	return NewService(e.db, e.engine, e.load, cfg)
}

func setupTest(t *testing.T) testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Init())
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return testNow })

	return testEnv{db: db, engine: aggregation.NewEngine(db), load: trainingload.NewModel(db)}
}

func putSnapshot(t *testing.T, db *database.DB, date string, steps, rhr *int) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return db.PutDailySnapshotTx(context.Background(), tx, &database.DailySnapshot{
			UserID:           "u1",
			Date:             date,
			Steps:            steps,
			RestingHeartRate: rhr,
			Checksum:         "c-" + date,
		})
	})
	require.NoError(t, err)
}

func intPtr(v int) *int { return &v }

func TestParse(t *testing.T) {
	rec, err := Parse([]byte(validResponse))
	require.NoError(t, err)
	assert.Equal(t, "Recovery day", rec.Summary)
	require.Len(t, rec.Items, 1)
	assert.Equal(t, "high", rec.Items[0].Priority)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"wrong schema", `{"schema":"recommendation/v2","summary":"x","items":[]}`},
		{"empty summary", `{"schema":"recommendation/v1","summary":" ","items":[]}`},
		{"bad priority", `{"schema":"recommendation/v1","summary":"x","items":[{"priority":"urgent","category":"c","title":"t"}]}`},
		{"missing title", `{"schema":"recommendation/v1","summary":"x","items":[{"priority":"low","category":"c"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidRecommendation)
		})
	}
}

func TestBuildContext(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)
	db := env.db

	weight := 60.0
	require.NoError(t, db.UpsertProfile(ctx, &database.AthleteProfile{
		UserID:    "u1",
		Gender:    "female",
		BirthYear: intPtr(1990),
		WeightKg:  &weight,
		GoalsJSON: `["gran fondo"]`,
	}))
	require.NoError(t, db.SetFTP(ctx, "u1", "2024-01-01", 230))

	putSnapshot(t, db, "2024-03-20", intPtr(4000), intPtr(50))
	putSnapshot(t, db, "2024-03-18", intPtr(10000), intPtr(52))
	putSnapshot(t, db, "2024-03-17", intPtr(8000), nil)
	putSnapshot(t, db, "2024-03-10", intPtr(99999), intPtr(99))

	day, _ := time.Parse(database.DateLayout, "2024-03-15")
	summary := `{"bestEfforts":{"5s":900,"1min":420,"5min":330,"20min":260}}`
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := db.InsertActivityTx(ctx, tx, &database.Activity{
			UserID:             "u1",
			ProviderActivityID: "a1",
			Sport:              "cycling",
			StartTime:          day.Add(7 * time.Hour).Unix(),
			Date:               "2024-03-15",
			DurationSeconds:    3600,
			DistanceMeters:     30000,
			PowerSummaryJSON:   &summary,
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.RecomputePeriod(ctx, "u1", "2024-03-15"))

	doc, err := BuildContext(ctx, db, env.engine, env.load, "u1", testNow)
	require.NoError(t, err)

	assert.Equal(t, ContextSchema, doc.Schema)
	assert.Equal(t, "2024-03-20", doc.Date)
	assert.Equal(t, "female", doc.Profile.Gender)
	require.NotNil(t, doc.Profile.Age)
	assert.Equal(t, 34, *doc.Profile.Age)
	require.NotNil(t, doc.Profile.FTPWatts)
	assert.Equal(t, 230.0, *doc.Profile.FTPWatts)
	assert.JSONEq(t, `["gran fondo"]`, string(doc.Goals))

	require.NotNil(t, doc.Today)
	assert.Equal(t, 4000, *doc.Today.Steps)

	// Trailing week is the seven days before today
	assert.Len(t, doc.TrailingWeek, 2)
	assert.Equal(t, 2, doc.TrailingAverages.Days)
	require.NotNil(t, doc.TrailingAverages.Steps)
	assert.Equal(t, 9000.0, *doc.TrailingAverages.Steps)
	require.NotNil(t, doc.TrailingAverages.RestingHeartRate)
	assert.Equal(t, 52.0, *doc.TrailingAverages.RestingHeartRate)
	assert.Nil(t, doc.TrailingAverages.HRVMs)

	require.Len(t, doc.PeriodTrends, 1)
	assert.Equal(t, "week:2024-W11", doc.PeriodTrends[0].Key)
	assert.Nil(t, doc.TrainingLoad)

	// Recorded FTP wins over the 20 minute estimate
	require.NotNil(t, doc.PowerProfile)
	assert.InDelta(t, 230.0/60, doc.PowerProfile.WattsPerKg["ftp"], 1e-9)
	assert.Equal(t, "Excellent", doc.PowerProfile.Categories["ftp"])
	assert.Equal(t, "Excellent", doc.PowerProfile.Categories["5min"])
	require.NotNil(t, doc.PowerProfile.Age)
	assert.Equal(t, 34, doc.PowerProfile.Age.Age)
	assert.Equal(t, 1.0, doc.PowerProfile.Age.Factor)
}

func TestBuildContextWithoutData(t *testing.T) {
	env := setupTest(t)
	db := env.db

	doc, err := BuildContext(context.Background(), db, env.engine, env.load, "nobody", testNow)
	require.NoError(t, err)

	out, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, []any{}, decoded["goals"])
	assert.Nil(t, decoded["trainingPlan"])
	assert.Equal(t, []any{}, decoded["trailingWeek"])
	assert.Nil(t, decoded["today"])
	assert.Nil(t, decoded["powerProfile"])
}

func TestGenerateStoresResponseVerbatim(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	var received Context
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.Write([]byte(validResponse))
	}))
	defer server.Close()

	svc := env.service(Config{URL: server.URL, APIKey: "svc-key"})
	rec, err := svc.Generate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", received.UserID)
	assert.Equal(t, ContextSchema, received.Schema)
	assert.Equal(t, OutputSchema, rec.SchemaVersion)
	assert.Equal(t, "2024-03-20", rec.Date)

	latest, err := svc.Latest(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, validResponse, latest.PayloadJSON)
}

func TestGenerateRejectsInvalidResponse(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"schema":"recommendation/v1","summary":""}`))
	}))
	defer server.Close()

	svc := env.service(Config{URL: server.URL})
	_, err := svc.Generate(ctx, "u1")
	assert.ErrorIs(t, err, ErrInvalidRecommendation)

	latest, err := svc.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestGenerateServiceError(t *testing.T) {
	env := setupTest(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc := env.service(Config{URL: server.URL})
	_, err := svc.Generate(context.Background(), "u1")
	assert.ErrorContains(t, err, "status 502")
}

func TestGenerateDisabled(t *testing.T) {
	env := setupTest(t)

	_, err := env.service(Config{}).Generate(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrDisabled)
}
