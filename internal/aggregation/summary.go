package aggregation

import (
	"sort"

	"github.com/montanaflynn/stats"

	"wearable-sync/internal/database"
)

// Totals are summed activity figures
type Totals struct {
	ActivityCount       int     `json:"activityCount"`
	DurationSeconds     int64   `json:"durationSeconds"`
	DistanceMeters      float64 `json:"distanceMeters"`
	ElevationGainMeters float64 `json:"elevationGainMeters"`
	Calories            float64 `json:"calories"`
	TSS                 float64 `json:"tss"`
}

func (t *Totals) add(a *database.Activity) {
	t.ActivityCount++
	t.DurationSeconds += int64(a.DurationSeconds)
	t.DistanceMeters += a.DistanceMeters
	t.ElevationGainMeters += a.ElevationGainMeters
	t.Calories += a.Calories
	if a.TSS != nil {
		t.TSS += *a.TSS
	}
}

// DayTotals is one day of a period's daily breakdown
type DayTotals struct {
	Date string `json:"date"`
	Totals
}

// Averages are per-activity and per-day means within a period
type Averages struct {
	DurationSeconds       float64 `json:"durationSeconds"`
	MedianDurationSeconds float64 `json:"medianDurationSeconds"`
	DistanceMeters        float64 `json:"distanceMeters"`
	TSSPerDay             float64 `json:"tssPerDay"`
	ActiveDays            int     `json:"activeDays"`
}

// Changes are percentage changes against a prior period. A field is nil when
// the prior value is zero.
type Changes struct {
	ActivityCount       *float64 `json:"activityCount"`
	DurationSeconds     *float64 `json:"durationSeconds"`
	DistanceMeters      *float64 `json:"distanceMeters"`
	ElevationGainMeters *float64 `json:"elevationGainMeters"`
	TSS                 *float64 `json:"tss"`
}

// Comparison is against the previous period of the same type
type Comparison struct {
	PeriodKey    string  `json:"periodKey"`
	HasPriorData bool    `json:"hasPriorData"`
	Prior        *Totals `json:"prior"`
	Changes      Changes `json:"changes"`
}

// YoYComparison is against the same calendar period one year earlier
type YoYComparison struct {
	PeriodKey        string  `json:"periodKey"`
	HasPriorYearData bool    `json:"hasPriorYearData"`
	Prior            *Totals `json:"prior"`
	Changes          Changes `json:"changes"`
}

// PeriodSummary is the stored payload of a period rollup
type PeriodSummary struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Totals
	Averages      Averages          `json:"averages"`
	BySport       map[string]Totals `json:"bySport"`
	Daily         []DayTotals       `json:"daily"`
	Comparison    Comparison        `json:"comparison"`
	YoYComparison YoYComparison     `json:"yoyComparison"`
}

// Summarize folds the activities of a period. Activities outside the period
// are ignored.
func Summarize(p Period, acts []database.Activity) *PeriodSummary {
	s := &PeriodSummary{
		Key:       p.Key,
		Type:      p.Type,
		StartDate: p.StartDate(),
		EndDate:   p.EndDate(),
		BySport:   make(map[string]Totals),
	}

	daily := make(map[string]*DayTotals)
	var durations, distances []float64
	for i := range acts {
		a := &acts[i]
		if !p.Contains(a.Date) {
			continue
		}

		s.Totals.add(a)

		sport := s.BySport[a.Sport]
		sport.add(a)
		s.BySport[a.Sport] = sport

		day, ok := daily[a.Date]
		if !ok {
			day = &DayTotals{Date: a.Date}
			daily[a.Date] = day
		}
		day.add(a)

		durations = append(durations, float64(a.DurationSeconds))
		distances = append(distances, a.DistanceMeters)
	}

	for _, d := range daily {
		s.Daily = append(s.Daily, *d)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date < s.Daily[j].Date })

	if len(durations) > 0 {
		s.Averages.DurationSeconds, _ = stats.Mean(durations)
		s.Averages.MedianDurationSeconds, _ = stats.Median(durations)
		s.Averages.DistanceMeters, _ = stats.Mean(distances)
	}
	s.Averages.ActiveDays = len(s.Daily)
	days := int(p.End.Sub(p.Start).Hours()/24) + 1
	s.Averages.TSSPerDay = s.TSS / float64(days)

	return s
}

func compareTotals(current, prior Totals) Changes {
	return Changes{
		ActivityCount:       percentChange(float64(current.ActivityCount), float64(prior.ActivityCount)),
		DurationSeconds:     percentChange(float64(current.DurationSeconds), float64(prior.DurationSeconds)),
		DistanceMeters:      percentChange(current.DistanceMeters, prior.DistanceMeters),
		ElevationGainMeters: percentChange(current.ElevationGainMeters, prior.ElevationGainMeters),
		TSS:                 percentChange(current.TSS, prior.TSS),
	}
}

func percentChange(current, prior float64) *float64 {
	if prior == 0 {
		return nil
	}
	v := (current - prior) / prior * 100
	return &v
}
