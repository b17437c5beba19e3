// Package ingest pulls provider data for one chunk and stores it idempotently.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/fitdetail"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/trainingload"
	"wearable-sync/internal/vault"
)

// Record outcomes
const (
	outcomeInserted  = "inserted"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
	outcomeGap       = "gap"
	outcomeInvalid   = "invalid"
	outcomeDetail    = "detail_attached"
)

const (
	kindHealth   = "health"
	kindActivity = "activity"
)

// API is the part of the provider client ingestion uses
type API interface {
	GetDailyHealth(ctx context.Context, date string) (*provider.DailyHealth, error)
	ListActivities(ctx context.Context, offset, limit int) ([]provider.ActivitySummary, error)
	DownloadActivityDetail(ctx context.Context, activityID string) ([]byte, error)
	CountActivities(ctx context.Context) (int, error)
	Token() *oauth2.Token
	Refreshed() bool
}

// ClientFunc binds a provider client to one user's token
type ClientFunc func(userID string, tok *oauth2.Token) API

// ProviderClients adapts a provider client to a ClientFunc
func ProviderClients(c *provider.Client) ClientFunc {
	return func(userID string, tok *oauth2.Token) API {
		return c.ForUser(userID, tok)
	}
}

// Chunk is a unit of ingestion: a date range of health data or one page of
// activities
type Chunk struct {
	Kind       string
	StartDate  string
	EndDate    string
	PageOffset int
	PageSize   int
}

// ChunkFromRecord converts a stored backfill chunk
func ChunkFromRecord(c *database.BackfillChunk) Chunk {
	chunk := Chunk{Kind: c.Kind}
	if c.StartDate != nil {
		chunk.StartDate = *c.StartDate
	}
	if c.EndDate != nil {
		chunk.EndDate = *c.EndDate
	}
	if c.PageOffset != nil {
		chunk.PageOffset = *c.PageOffset
	}
	if c.PageSize != nil {
		chunk.PageSize = *c.PageSize
	}
	return chunk
}

// Options tune a single ingestion
type Options struct {
	// DeferAggregation skips publishing aggregation events; the caller
	// recomputes the whole range itself
	DeferAggregation bool
}

// Result summarizes what one chunk changed
type Result struct {
	Days           int
	Gaps           int
	Snapshots      int
	Activities     int
	Inserted       int
	Invalid        int
	DetailAttached int
	DetailFailures int
	TouchedDates   []string
}

func (r *Result) touch(date string) {
	for _, d := range r.TouchedDates {
		if d == date {
			return
		}
	}
	r.TouchedDates = append(r.TouchedDates, date)
}

// Pipeline ingests provider data into storage
type Pipeline struct {
	db        *database.DB
	vault     *vault.Vault
	engine    *aggregation.Engine
	newClient ClientFunc
	logger    *slog.Logger
}

// New creates an ingestion pipeline
func New(db *database.DB, v *vault.Vault, engine *aggregation.Engine, clients ClientFunc) *Pipeline {
	return &Pipeline{
		db:        db,
		vault:     v,
		engine:    engine,
		newClient: clients,
		logger:    slog.Default(),
	}
}

// IngestChunk fetches and stores one chunk for a user. Re-running a chunk
// leaves storage unchanged. Provider errors that affect the whole chunk (auth,
// rate limit, exhausted retries) are returned; single bad records are skipped.
func (p *Pipeline) IngestChunk(ctx context.Context, userID string, chunk Chunk, opts Options) (*Result, error) {
	sess, err := p.vault.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	api := p.newClient(userID, sess.Token)

	var result *Result
	switch chunk.Kind {
	case database.ChunkKindHealth:
		result, err = p.ingestHealth(ctx, userID, sess, api, chunk, opts)
	case database.ChunkKindActivities:
		result, err = p.ingestActivities(ctx, userID, sess, api, chunk, opts)
	default:
		return nil, fmt.Errorf("unknown chunk kind %q", chunk.Kind)
	}

	if err != nil && api.Refreshed() {
		// The provider may have rotated the refresh token; keep it even
		// though the data write did not happen
		if storeErr := p.vault.Store(ctx, userID, &vault.Session{AccountID: sess.AccountID, Token: api.Token()}); storeErr != nil {
			p.logger.Error("Failed to persist refreshed token", "user_id", userID, "error", storeErr)
		}
	}
	return result, err
}

// CountActivities asks the provider how many activities the user has
func (p *Pipeline) CountActivities(ctx context.Context, userID string) (int, error) {
	sess, err := p.vault.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	api := p.newClient(userID, sess.Token)

	n, err := api.CountActivities(ctx)
	if api.Refreshed() {
		if storeErr := p.vault.Store(ctx, userID, &vault.Session{AccountID: sess.AccountID, Token: api.Token()}); storeErr != nil {
			p.logger.Error("Failed to persist refreshed token", "user_id", userID, "error", storeErr)
		}
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pipeline) ingestHealth(ctx context.Context, userID string, sess *vault.Session, api API, chunk Chunk, opts Options) (*Result, error) {
	start, err := time.Parse(database.DateLayout, chunk.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk start %q: %w", chunk.StartDate, err)
	}
	end, err := time.Parse(database.DateLayout, chunk.EndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk end %q: %w", chunk.EndDate, err)
	}

	result := &Result{}
	var days []*provider.DailyHealth
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(database.DateLayout)
		result.Days++

		h, err := api.GetDailyHealth(ctx, date)
		switch {
		case provider.IsDataGap(err):
			p.logger.Debug("No health data for day", "user_id", userID, "date", date)
			metrics.IngestRecordsTotal.WithLabelValues(kindHealth, outcomeGap).Inc()
			result.Gaps++
			continue
		case provider.IsValidation(err):
			p.logger.Warn("Skipping malformed health record", "user_id", userID, "date", date, "error", err)
			metrics.IngestRecordsTotal.WithLabelValues(kindHealth, outcomeInvalid).Inc()
			result.Invalid++
			continue
		case err != nil:
			return nil, err
		}
		days = append(days, h)
	}

	err = p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, h := range days {
			changed, err := p.mergeSnapshot(ctx, tx, userID, h)
			if err != nil {
				return err
			}
			if !changed {
				metrics.IngestRecordsTotal.WithLabelValues(kindHealth, outcomeUnchanged).Inc()
				continue
			}
			result.Snapshots++
			result.touch(h.Date)
			if !opts.DeferAggregation {
				if err := p.db.EnqueueAggregationTx(ctx, tx, userID, h.Date); err != nil {
					return err
				}
			}
		}
		return p.storeRefreshed(ctx, tx, userID, sess, api)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Ingested health chunk",
		"user_id", userID,
		"start", chunk.StartDate,
		"end", chunk.EndDate,
		"changed", result.Snapshots,
		"gaps", result.Gaps)
	return result, nil
}

// mergeSnapshot folds the provider's day into the stored snapshot. Metrics
// the provider left out keep their stored value. Returns false when nothing
// changed.
func (p *Pipeline) mergeSnapshot(ctx context.Context, tx *sqlx.Tx, userID string, h *provider.DailyHealth) (bool, error) {
	existing, err := p.db.GetDailySnapshotTx(ctx, tx, userID, h.Date)
	if err != nil {
		return false, err
	}

	merged := &database.DailySnapshot{UserID: userID, Date: h.Date}
	outcome := outcomeInserted
	if existing != nil {
		*merged = *existing
		outcome = outcomeUpdated
	}
	mergeHealth(merged, h)

	checksum, err := snapshotChecksum(merged)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Checksum == checksum {
		return false, nil
	}
	merged.Checksum = checksum

	if err := p.db.PutDailySnapshotTx(ctx, tx, merged); err != nil {
		return false, err
	}
	metrics.IngestRecordsTotal.WithLabelValues(kindHealth, outcome).Inc()
	return true, nil
}

func mergeHealth(s *database.DailySnapshot, h *provider.DailyHealth) {
	setInt := func(dst **int, v *int) {
		if v != nil {
			*dst = v
		}
	}
	setFloat := func(dst **float64, v *float64) {
		if v != nil {
			*dst = v
		}
	}

	setInt(&s.Steps, h.Steps)
	setInt(&s.RestingHeartRate, h.RestingHeartRate)
	setInt(&s.AvgHeartRate, h.AvgHeartRate)
	setInt(&s.MaxHeartRate, h.MaxHeartRate)
	setInt(&s.SleepSeconds, h.SleepSeconds)
	setInt(&s.SleepScore, h.SleepScore)
	setInt(&s.StressAvg, h.StressAvg)
	setFloat(&s.HRVMs, h.HRVMs)
	setInt(&s.BodyBattery, h.BodyBattery)
	setInt(&s.Calories, h.Calories)
	setInt(&s.IntensityMinutes, h.IntensityMinutes)
	setFloat(&s.SpO2Avg, h.SpO2Avg)
	setFloat(&s.RespirationAvg, h.RespirationAvg)
	setFloat(&s.WeightKg, h.WeightKg)
}

// snapshotChecksum hashes the metric fields of a snapshot
func snapshotChecksum(s *database.DailySnapshot) (string, error) {
	c := *s
	c.Checksum = ""
	c.CreatedAt = 0
	c.UpdatedAt = 0
	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type pendingActivity struct {
	activity database.Activity
	summary  *fitdetail.CyclingPowerSummary
}

func (p *Pipeline) ingestActivities(ctx context.Context, userID string, sess *vault.Session, api API, chunk Chunk, opts Options) (*Result, error) {
	if chunk.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", chunk.PageSize)
	}

	page, err := api.ListActivities(ctx, chunk.PageOffset, chunk.PageSize)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var pending []pendingActivity
	for i := range page {
		s := &page[i]
		result.Activities++
		if err := s.Validate(); err != nil {
			p.logger.Warn("Skipping malformed activity", "user_id", userID, "error", err)
			metrics.IngestRecordsTotal.WithLabelValues(kindActivity, outcomeInvalid).Inc()
			result.Invalid++
			continue
		}

		pa, err := p.prepareActivity(ctx, userID, api, s, result)
		if err != nil {
			return nil, err
		}
		if pa != nil {
			pending = append(pending, *pa)
		}
	}

	var inserted []database.Activity
	err = p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted = inserted[:0]
		for i := range pending {
			pa := &pending[i]
			a := pa.activity

			isNew, err := p.db.InsertActivityTx(ctx, tx, &a)
			if err != nil {
				return err
			}
			touched := isNew
			if isNew {
				inserted = append(inserted, a)
				metrics.IngestRecordsTotal.WithLabelValues(kindActivity, outcomeInserted).Inc()
			} else if pa.summary != nil {
				attached, err := p.attachSummary(ctx, tx, userID, &a, pa.summary)
				if err != nil {
					return err
				}
				touched = attached
			}
			if !touched {
				metrics.IngestRecordsTotal.WithLabelValues(kindActivity, outcomeUnchanged).Inc()
				continue
			}

			if pa.summary != nil {
				result.DetailAttached++
			}
			result.touch(a.Date)
			if !opts.DeferAggregation {
				if err := p.db.EnqueueAggregationTx(ctx, tx, userID, a.Date); err != nil {
					return err
				}
			}
		}
		return p.storeRefreshed(ctx, tx, userID, sess, api)
	})
	if err != nil {
		return nil, err
	}
	result.Inserted = len(inserted)

	if err := p.engine.ApplyToLifetime(ctx, userID, inserted...); err != nil {
		// lifetime reconciliation repairs this
		p.logger.Error("Failed to update lifetime stats", "user_id", userID, "error", err)
	}

	p.logger.Info("Ingested activity page",
		"user_id", userID,
		"offset", chunk.PageOffset,
		"limit", chunk.PageSize,
		"received", result.Activities,
		"inserted", result.Inserted)
	return result, nil
}

// prepareActivity normalizes a listed activity and, for new rides with power
// detail, downloads and summarizes the FIT file
func (p *Pipeline) prepareActivity(ctx context.Context, userID string, api API, s *provider.ActivitySummary, result *Result) (*pendingActivity, error) {
	a := database.Activity{
		UserID:              userID,
		ProviderActivityID:  s.ID.String(),
		Sport:               s.Sport,
		StartTime:           s.StartTime.Unix(),
		Date:                s.LocalDate(),
		DurationSeconds:     s.DurationSeconds,
		DistanceMeters:      s.DistanceMeters,
		ElevationGainMeters: s.ElevationGainMeters,
		Calories:            s.Calories,
		AvgHeartRate:        s.AvgHeartRate,
		MaxHeartRate:        s.MaxHeartRate,
		AvgPower:            s.AvgPower,
		NormalizedPower:     s.NormalizedPower,
		HasPowerDetail:      s.HasPowerDetail,
	}
	if s.Name != "" {
		name := s.Name
		a.Name = &name
	}
	if a.Sport == "" {
		a.Sport = "other"
	}

	ftp, err := p.db.FTPAt(ctx, userID, a.Date)
	if err != nil {
		return nil, err
	}
	if a.NormalizedPower != nil {
		if intensity, tss, ok := trainingload.Stress(a.DurationSeconds, *a.NormalizedPower, ftp); ok {
			a.IntensityFactor = &intensity
			a.TSS = &tss
		}
	}

	pa := &pendingActivity{activity: a}
	if !a.HasPowerDetail {
		return pa, nil
	}

	existing, err := p.db.GetActivity(ctx, userID, a.ProviderActivityID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PowerSummaryJSON != nil {
		return pa, nil
	}

	summary, err := p.powerSummary(ctx, api, a.ProviderActivityID, ftp)
	switch {
	case provider.IsAuth(err), provider.IsRateLimited(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		p.logger.Warn("Activity detail unavailable",
			"user_id", userID,
			"activity_id", a.ProviderActivityID,
			"error", err)
		result.DetailFailures++
		return pa, nil
	}

	pa.summary = summary
	applySummary(&pa.activity, summary)
	return pa, nil
}

func (p *Pipeline) powerSummary(ctx context.Context, api API, activityID string, ftp float64) (*fitdetail.CyclingPowerSummary, error) {
	data, err := api.DownloadActivityDetail(ctx, activityID)
	if err != nil {
		return nil, err
	}
	samples, err := fitdetail.ParsePower(data)
	if err != nil {
		return nil, &provider.ValidationError{What: "activity detail " + activityID, Err: err}
	}
	return fitdetail.Summarize(samples, ftp)
}

func applySummary(a *database.Activity, s *fitdetail.CyclingPowerSummary) {
	workKJ := s.WorkKJ
	a.WorkKJ = &workKJ
	if a.NormalizedPower == nil {
		np := s.NormalizedPower
		a.NormalizedPower = &np
	}
	if a.AvgPower == nil {
		avg := s.AvgPower
		a.AvgPower = &avg
	}
	if a.TSS == nil && s.TSS != nil {
		a.IntensityFactor = s.IntensityFactor
		a.TSS = s.TSS
	}
	if b, err := json.Marshal(s); err == nil {
		summary := string(b)
		a.PowerSummaryJSON = &summary
	}
}

func (p *Pipeline) attachSummary(ctx context.Context, tx *sqlx.Tx, userID string, a *database.Activity, s *fitdetail.CyclingPowerSummary) (bool, error) {
	if a.PowerSummaryJSON == nil {
		return false, nil
	}
	attached, err := p.db.AttachPowerSummaryTx(ctx, tx, userID, a.ProviderActivityID, *a.PowerSummaryJSON, s.WorkKJ, a.IntensityFactor, a.TSS)
	if err != nil {
		return false, err
	}
	if attached {
		metrics.IngestRecordsTotal.WithLabelValues(kindActivity, outcomeDetail).Inc()
	}
	return attached, nil
}

// storeRefreshed persists a token refreshed while fetching, in the same
// transaction as the data
func (p *Pipeline) storeRefreshed(ctx context.Context, tx *sqlx.Tx, userID string, sess *vault.Session, api API) error {
	if !api.Refreshed() {
		return nil
	}
	return p.vault.StoreTx(ctx, tx, userID, &vault.Session{AccountID: sess.AccountID, Token: api.Token()})
}
