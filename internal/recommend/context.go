// Package recommend assembles the context document sent to the external
// recommendation service and stores what it returns.
package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/trainingload"
)

const (
	ContextSchema = "recommendation-context/v1"

	trailingDays      = 7
	trendWeeks        = 4
	recentRecommended = 3
)

// Profile is the athlete profile as the service sees it
type Profile struct {
	Gender   string   `json:"gender"`
	Age      *int     `json:"age"`
	WeightKg *float64 `json:"weightKg"`
	FTPWatts *float64 `json:"ftpWatts"`
}

// TrailingAverages are means over the trailing week, nil where no day
// reported the metric
type TrailingAverages struct {
	Days             int      `json:"days"`
	Steps            *float64 `json:"steps"`
	RestingHeartRate *float64 `json:"restingHeartRate"`
	SleepSeconds     *float64 `json:"sleepSeconds"`
	SleepScore       *float64 `json:"sleepScore"`
	StressAvg        *float64 `json:"stressAvg"`
	HRVMs            *float64 `json:"hrvMs"`
	BodyBattery      *float64 `json:"bodyBattery"`
}

// Context is the recommendation-context/v1 document
type Context struct {
	Schema                string                       `json:"schema"`
	UserID                string                       `json:"userId"`
	Date                  string                       `json:"date"`
	Profile               *Profile                     `json:"profile"`
	Today                 *database.DailySnapshot      `json:"today"`
	TrailingWeek          []database.DailySnapshot     `json:"trailingWeek"`
	TrailingAverages      TrailingAverages             `json:"trailingAverages"`
	Goals                 json.RawMessage              `json:"goals"`
	TrainingPlan          json.RawMessage              `json:"trainingPlan"`
	RecentRecommendations []json.RawMessage            `json:"recentRecommendations"`
	PeriodTrends          []*aggregation.PeriodSummary `json:"periodTrends"`
	TrainingLoad          *database.LoadPoint          `json:"trainingLoad"`
	PowerProfile          *trainingload.PowerProfile   `json:"powerProfile"`
}

// BuildContext gathers everything the service needs for userID on date
func BuildContext(ctx context.Context, db *database.DB, engine *aggregation.Engine, load *trainingload.Model, userID string, date time.Time) (*Context, error) {
	day := date.UTC().Format(database.DateLayout)
	doc := &Context{
		Schema:                ContextSchema,
		UserID:                userID,
		Date:                  day,
		Goals:                 json.RawMessage("[]"),
		TrainingPlan:          json.RawMessage("null"),
		TrailingWeek:          []database.DailySnapshot{},
		RecentRecommendations: []json.RawMessage{},
		PeriodTrends:          []*aggregation.PeriodSummary{},
	}

	profile, err := db.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	ftp, err := db.FTPAt(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	doc.Profile = buildProfile(profile, ftp, date)
	if profile != nil {
		if json.Valid([]byte(profile.GoalsJSON)) {
			doc.Goals = json.RawMessage(profile.GoalsJSON)
		}
		if json.Valid([]byte(profile.TrainingPlanJSON)) {
			doc.TrainingPlan = json.RawMessage(profile.TrainingPlanJSON)
		}
	}

	if doc.Today, err = db.GetDailySnapshot(ctx, userID, day); err != nil {
		return nil, err
	}

	from := date.UTC().AddDate(0, 0, -trailingDays).Format(database.DateLayout)
	to := date.UTC().AddDate(0, 0, -1).Format(database.DateLayout)
	week, err := db.ListDailySnapshots(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	if week != nil {
		doc.TrailingWeek = week
	}
	doc.TrailingAverages = averageSnapshots(week)

	recs, err := db.ListRecommendations(ctx, userID, recentRecommended)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		doc.RecentRecommendations = append(doc.RecentRecommendations, json.RawMessage(r.PayloadJSON))
	}

	current, err := aggregation.PeriodForDate(aggregation.PeriodWeek, day)
	if err != nil {
		return nil, err
	}
	first := current
	for range trendWeeks - 1 {
		first = first.Previous()
	}
	trends, err := engine.Periods(ctx, userID, aggregation.PeriodWeek, first.StartDate(), current.StartDate())
	if err != nil {
		return nil, fmt.Errorf("failed to load period trends: %w", err)
	}
	doc.PeriodTrends = append(doc.PeriodTrends, trends...)

	if doc.TrainingLoad, err = load.Latest(ctx, userID, day); err != nil {
		return nil, err
	}
	if doc.PowerProfile, err = trainingload.ProfileFor(ctx, db, userID, day); err != nil {
		return nil, err
	}
	return doc, nil
}

func buildProfile(p *database.AthleteProfile, ftp float64, date time.Time) *Profile {
	out := &Profile{Gender: "male"}
	if ftp > 0 {
		out.FTPWatts = &ftp
	}
	if p == nil {
		return out
	}
	out.Gender = p.Gender
	out.WeightKg = p.WeightKg
	if p.BirthYear != nil {
		age := date.Year() - *p.BirthYear
		out.Age = &age
	}
	return out
}

func averageSnapshots(snaps []database.DailySnapshot) TrailingAverages {
	var steps, rhr, sleep, score, stress, hrv, battery []float64
	for _, s := range snaps {
		steps = appendInt(steps, s.Steps)
		rhr = appendInt(rhr, s.RestingHeartRate)
		sleep = appendInt(sleep, s.SleepSeconds)
		score = appendInt(score, s.SleepScore)
		stress = appendInt(stress, s.StressAvg)
		battery = appendInt(battery, s.BodyBattery)
		if s.HRVMs != nil {
			hrv = append(hrv, *s.HRVMs)
		}
	}
	return TrailingAverages{
		Days:             len(snaps),
		Steps:            mean(steps),
		RestingHeartRate: mean(rhr),
		SleepSeconds:     mean(sleep),
		SleepScore:       mean(score),
		StressAvg:        mean(stress),
		HRVMs:            mean(hrv),
		BodyBattery:      mean(battery),
	}
}

func appendInt(values []float64, v *int) []float64 {
	if v == nil {
		return values
	}
	return append(values, float64(*v))
}

func mean(values []float64) *float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return nil
	}
	m, _ = stats.Round(m, 2)
	return &m
}
