package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"wearable-sync/internal/metrics"
)

// DailyHealth is the provider's day-keyed health payload. Absent metrics are nil.
type DailyHealth struct {
	Date             string   `json:"date"`
	Steps            *int     `json:"steps"`
	RestingHeartRate *int     `json:"restingHeartRate"`
	AvgHeartRate     *int     `json:"averageHeartRate"`
	MaxHeartRate     *int     `json:"maxHeartRate"`
	SleepSeconds     *int     `json:"sleepSeconds"`
	SleepScore       *int     `json:"sleepScore"`
	StressAvg        *int     `json:"averageStress"`
	HRVMs            *float64 `json:"hrvMs"`
	BodyBattery      *int     `json:"bodyBattery"`
	Calories         *int     `json:"calories"`
	IntensityMinutes *int     `json:"intensityMinutes"`
	SpO2Avg          *float64 `json:"averageSpo2"`
	RespirationAvg   *float64 `json:"averageRespiration"`
	WeightKg         *float64 `json:"weightKg"`
}

// ActivitySummary is one entry of the paginated activity listing
type ActivitySummary struct {
	ID                    json.Number `json:"id"`
	Sport                 string      `json:"sport"`
	Name                  string      `json:"name"`
	StartTime             time.Time   `json:"startTime"`
	TimezoneOffsetSeconds int         `json:"timezoneOffsetSeconds"`
	DurationSeconds       int         `json:"durationSeconds"`
	DistanceMeters        float64     `json:"distanceMeters"`
	ElevationGainMeters   float64     `json:"elevationGainMeters"`
	Calories              float64     `json:"calories"`
	AvgHeartRate          *int        `json:"averageHeartRate"`
	MaxHeartRate          *int        `json:"maxHeartRate"`
	AvgPower              *float64    `json:"averagePower"`
	NormalizedPower       *float64    `json:"normalizedPower"`
	HasPowerDetail        bool        `json:"hasPowerDetail"`
}

// LocalDate is the calendar date the activity started on in the athlete's timezone
func (a *ActivitySummary) LocalDate() string {
	return a.StartTime.UTC().Add(time.Duration(a.TimezoneOffsetSeconds) * time.Second).Format("2006-01-02")
}

// Validate rejects entries that cannot be stored
func (a *ActivitySummary) Validate() error {
	switch {
	case a.ID.String() == "":
		return &ValidationError{What: "activity", Err: fmt.Errorf("missing id")}
	case a.StartTime.IsZero():
		return &ValidationError{What: "activity " + a.ID.String(), Err: fmt.Errorf("missing start time")}
	case a.DurationSeconds < 0:
		return &ValidationError{What: "activity " + a.ID.String(), Err: fmt.Errorf("negative duration")}
	}
	return nil
}

// GetDailyHealth fetches health metrics for one calendar day. A day with no
// data yields DataGapError.
func (u *UserClient) GetDailyHealth(ctx context.Context, date string) (*DailyHealth, error) {
	body, err := u.doRequest(ctx, metrics.OpDailyHealth, "/health/daily?"+url.Values{"date": {date}}.Encode())
	if err != nil {
		return nil, err
	}

	var h DailyHealth
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, &ValidationError{What: "daily health " + date, Err: err}
	}
	if h.Date == "" {
		h.Date = date
	}
	if h.Date != date {
		return nil, &ValidationError{What: "daily health " + date, Err: fmt.Errorf("response is for %s", h.Date)}
	}
	return &h, nil
}

// ListActivities fetches one page of activities, newest first
func (u *UserClient) ListActivities(ctx context.Context, offset, limit int) ([]ActivitySummary, error) {
	params := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}

	body, err := u.doRequest(ctx, metrics.OpListActivities, "/activities?"+params.Encode())
	if err != nil {
		if IsDataGap(err) {
			return nil, nil
		}
		return nil, err
	}

	var page []ActivitySummary
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &ValidationError{What: "activity page", Err: err}
	}
	return page, nil
}

// CountActivities returns the total number of activities on the account
func (u *UserClient) CountActivities(ctx context.Context) (int, error) {
	body, err := u.doRequest(ctx, metrics.OpCountActivities, "/activities/count")
	if err != nil {
		if IsDataGap(err) {
			return 0, nil
		}
		return 0, err
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &ValidationError{What: "activity count", Err: err}
	}
	return resp.Count, nil
}

// DownloadActivityDetail fetches the binary FIT detail file for an activity
func (u *UserClient) DownloadActivityDetail(ctx context.Context, activityID string) ([]byte, error) {
	return u.doRequest(ctx, metrics.OpActivityDetail, "/activities/"+url.PathEscape(activityID)+"/detail")
}
