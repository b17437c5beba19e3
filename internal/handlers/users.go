package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/scheduler"
	"wearable-sync/internal/trainingload"
)

const defaultLoadDays = 90

// Syncer runs on-demand syncs
type Syncer interface {
	RequestSync(ctx context.Context, userID, reason string) (*scheduler.SyncResult, error)
}

// Backfills reports and cancels backfill jobs
type Backfills interface {
	Status(ctx context.Context, userID string) (*database.BackfillJob, error)
	Disconnect(ctx context.Context, userID string) error
}

// Recommendations returns stored recommendations
type Recommendations interface {
	Latest(ctx context.Context, userID string) (*database.Recommendation, error)
}

// UserHandler serves the per-user read projections plus the sync and
// disconnect commands
type UserHandler struct {
	db        *database.DB
	engine    *aggregation.Engine
	syncer    Syncer
	backfills Backfills
	recs      Recommendations
	logger    *slog.Logger
}

// NewUserHandler creates a new user handler
func NewUserHandler(db *database.DB, engine *aggregation.Engine, syncer Syncer, backfills Backfills, recs Recommendations) *UserHandler {
	return &UserHandler{
		db:        db,
		engine:    engine,
		syncer:    syncer,
		backfills: backfills,
		recs:      recs,
		logger:    slog.Default(),
	}
}

type connectionView struct {
	Connected        bool    `json:"connected"`
	LastSyncAt       *int64  `json:"lastSyncAt"`
	BackfillStatus   string  `json:"backfillStatus"`
	BackfillProgress float64 `json:"backfillProgress"`
}

type activityView struct {
	ID                  string          `json:"id"`
	Sport               string          `json:"sport"`
	Name                *string         `json:"name"`
	StartTime           int64           `json:"startTime"`
	Date                string          `json:"date"`
	DurationSeconds     int             `json:"durationSeconds"`
	DistanceMeters      float64         `json:"distanceMeters"`
	ElevationGainMeters float64         `json:"elevationGainMeters"`
	Calories            float64         `json:"calories"`
	AvgHeartRate        *int            `json:"avgHeartRate"`
	MaxHeartRate        *int            `json:"maxHeartRate"`
	AvgPower            *float64        `json:"avgPower"`
	NormalizedPower     *float64        `json:"normalizedPower"`
	IntensityFactor     *float64        `json:"intensityFactor"`
	TSS                 *float64        `json:"tss"`
	PowerSummary        json.RawMessage `json:"powerSummary,omitempty"`
}

func newActivityView(a *database.Activity) activityView {
	v := activityView{
		ID:                  a.ProviderActivityID,
		Sport:               a.Sport,
		Name:                a.Name,
		StartTime:           a.StartTime,
		Date:                a.Date,
		DurationSeconds:     a.DurationSeconds,
		DistanceMeters:      a.DistanceMeters,
		ElevationGainMeters: a.ElevationGainMeters,
		Calories:            a.Calories,
		AvgHeartRate:        a.AvgHeartRate,
		MaxHeartRate:        a.MaxHeartRate,
		AvgPower:            a.AvgPower,
		NormalizedPower:     a.NormalizedPower,
		IntensityFactor:     a.IntensityFactor,
		TSS:                 a.TSS,
	}
	if a.PowerSummaryJSON != nil {
		v.PowerSummary = json.RawMessage(*a.PowerSummaryJSON)
	}
	return v
}

type todayResponse struct {
	Date         string                  `json:"date"`
	Connection   connectionView          `json:"connection"`
	Snapshot     *database.DailySnapshot `json:"snapshot"`
	Activities   []activityView          `json:"activities"`
	TrainingLoad *database.LoadPoint     `json:"trainingLoad"`
}

type backfillResponse struct {
	ID              string                   `json:"id"`
	Status          string                   `json:"status"`
	Progress        float64                  `json:"progress"`
	WindowStart     string                   `json:"windowStart"`
	WindowEnd       string                   `json:"windowEnd"`
	ActivityCount   int                      `json:"activityCount"`
	ChunksRequested int                      `json:"chunksRequested"`
	ChunksReceived  int                      `json:"chunksReceived"`
	ChunksFailed    int                      `json:"chunksFailed"`
	FailureReason   *string                  `json:"failureReason"`
	Errors          []database.BackfillError `json:"errors"`
	CreatedAt       int64                    `json:"createdAt"`
	CompletedAt     *int64                   `json:"completedAt"`
}

type recommendationResponse struct {
	ID             int64           `json:"id"`
	Date           string          `json:"date"`
	SchemaVersion  string          `json:"schemaVersion"`
	CreatedAt      int64           `json:"createdAt"`
	Recommendation json.RawMessage `json:"recommendation"`
}

// connection loads the user's connection, writing a 404 when there is none
func (h *UserHandler) connection(w http.ResponseWriter, r *http.Request) (*database.Connection, bool) {
	userID := chi.URLParam(r, "id")
	conn, err := h.db.GetConnection(r.Context(), userID)
	if err != nil {
		h.internalError(w, "Failed to get connection", err)
		return nil, false
	}
	if conn == nil {
		http.Error(w, "Unknown user", http.StatusNotFound)
		return nil, false
	}
	return conn, true
}

// HandleToday returns the day's snapshot, activities and training load.
// ?date=YYYY-MM-DD selects another day.
func (h *UserHandler) HandleToday(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.db.Now().UTC().Format(database.DateLayout)
	} else if _, err := time.Parse(database.DateLayout, date); err != nil {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	snap, err := h.db.GetDailySnapshot(ctx, conn.UserID, date)
	if err != nil {
		h.internalError(w, "Failed to get snapshot", err)
		return
	}
	acts, err := h.db.ListActivities(ctx, conn.UserID, date, date)
	if err != nil {
		h.internalError(w, "Failed to list activities", err)
		return
	}
	load, err := h.db.GetLoadPoint(ctx, conn.UserID, date)
	if err != nil {
		h.internalError(w, "Failed to get training load", err)
		return
	}

	resp := todayResponse{
		Date: date,
		Connection: connectionView{
			Connected:        conn.Connected,
			LastSyncAt:       conn.LastSyncAt,
			BackfillStatus:   conn.BackfillStatus,
			BackfillProgress: conn.BackfillProgress,
		},
		Snapshot:     snap,
		Activities:   make([]activityView, 0, len(acts)),
		TrainingLoad: load,
	}
	for i := range acts {
		resp.Activities = append(resp.Activities, newActivityView(&acts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePeriod returns one period rollup by key (week:2024-W03, month:2024-01, year:2024)
func (h *UserHandler) HandlePeriod(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	if _, err := aggregation.ParseKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := h.engine.Period(r.Context(), userID, key)
	if err != nil {
		h.internalError(w, "Failed to get period", err)
		return
	}
	if summary == nil {
		http.Error(w, "No activities in period", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleTrainingLoad returns the CTL/ATL/TSB series. Defaults to the last
// 90 days; ?from= and ?to= select another range.
func (h *UserHandler) HandleTrainingLoad(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	today := h.db.Now().UTC()

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = today.Format(database.DateLayout)
	}
	if from == "" {
		from = today.AddDate(0, 0, -(defaultLoadDays - 1)).Format(database.DateLayout)
	}
	fromT, err1 := time.Parse(database.DateLayout, from)
	toT, err2 := time.Parse(database.DateLayout, to)
	if err1 != nil || err2 != nil || toT.Before(fromT) {
		http.Error(w, "Invalid date range", http.StatusBadRequest)
		return
	}

	points, err := h.db.ListTrainingLoad(r.Context(), userID, from, to)
	if err != nil {
		h.internalError(w, "Failed to list training load", err)
		return
	}
	if points == nil {
		points = []database.LoadPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":   from,
		"to":     to,
		"points": points,
	})
}

// HandlePowerProfile classifies the user's best efforts of the last 90 days
// against the Coggan power profile. ?date=YYYY-MM-DD ends the window on another day.
func (h *UserHandler) HandlePowerProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.db.Now().UTC().Format(database.DateLayout)
	} else if _, err := time.Parse(database.DateLayout, date); err != nil {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}

	profile, err := trainingload.ProfileFor(r.Context(), h.db, userID, date)
	if err != nil {
		h.internalError(w, "Failed to build power profile", err)
		return
	}
	if profile == nil {
		http.Error(w, "No weight on file", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date,
		"profile": profile,
	})
}

// HandleBackfill returns the user's most recent backfill job
func (h *UserHandler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	job, err := h.backfills.Status(r.Context(), userID)
	if err != nil {
		h.internalError(w, "Failed to get backfill status", err)
		return
	}
	if job == nil {
		http.Error(w, "No backfill", http.StatusNotFound)
		return
	}

	errs := job.Errors
	if errs == nil {
		errs = []database.BackfillError{}
	}
	writeJSON(w, http.StatusOK, backfillResponse{
		ID:              job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		WindowStart:     job.WindowStart,
		WindowEnd:       job.WindowEnd,
		ActivityCount:   job.ActivityCount,
		ChunksRequested: job.ChunksRequested,
		ChunksReceived:  job.ChunksReceived,
		ChunksFailed:    job.ChunksFailed,
		FailureReason:   job.FailureReason,
		Errors:          errs,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	})
}

// HandleLifetime returns all-time totals and personal records
func (h *UserHandler) HandleLifetime(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	stats, err := h.engine.Lifetime(r.Context(), userID)
	if err != nil {
		h.internalError(w, "Failed to get lifetime stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleLatestRecommendation returns the newest stored recommendation
func (h *UserHandler) HandleLatestRecommendation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	rec, err := h.recs.Latest(r.Context(), userID)
	if err != nil {
		h.internalError(w, "Failed to get recommendation", err)
		return
	}
	if rec == nil {
		http.Error(w, "No recommendation", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recommendationResponse{
		ID:             rec.ID,
		Date:           rec.Date,
		SchemaVersion:  rec.SchemaVersion,
		CreatedAt:      rec.CreatedAt,
		Recommendation: json.RawMessage(rec.PayloadJSON),
	})
}

// HandleSync runs an on-demand incremental sync
func (h *UserHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	result, err := h.syncer.RequestSync(r.Context(), userID, scheduler.ReasonOnDemand)
	if errors.Is(err, scheduler.ErrNotConnected) {
		http.Error(w, "User is not connected", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("On-demand sync failed", "user_id", userID, "error", err)
		http.Error(w, "Sync failed", http.StatusBadGateway)
		return
	}

	status := http.StatusOK
	if result.Status == scheduler.SyncStatusInProgress {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// HandleDisconnect cancels any backfill and discards the stored session.
// Historical data is kept.
func (h *UserHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	if err := h.backfills.Disconnect(r.Context(), conn.UserID); err != nil {
		h.internalError(w, "Failed to disconnect", err)
		return
	}
	h.logger.Info("User disconnected", "user_id", conn.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
