package trainingload

import (
	"context"
	"encoding/json"
	"time"

	"wearable-sync/internal/database"
)

const (
	// best efforts older than this are not part of the current profile
	ProfileWindowDays = 90

	bestEffort20min = "20min"
	ftpFrom20min    = 0.95
)

// bestEfforts is the part of a stored power summary the profile reads
type bestEfforts struct {
	BestEfforts map[string]float64 `json:"bestEfforts"`
}

// ProfileFor classifies the athlete's best efforts over the ProfileWindowDays
// ending on date. FTP is the recorded FTP in effect on date, falling back to
// 95% of the best 20 minute power. Returns nil when no weight is on file.
func ProfileFor(ctx context.Context, db *database.DB, userID, date string) (*PowerProfile, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}

	athlete, err := db.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if athlete == nil || athlete.WeightKg == nil || *athlete.WeightKg <= 0 {
		return nil, nil
	}

	from := day.AddDate(0, 0, -(ProfileWindowDays - 1)).Format(database.DateLayout)
	acts, err := db.ListActivities(ctx, userID, from, date)
	if err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	for _, a := range acts {
		if a.PowerSummaryJSON == nil {
			continue
		}
		var s bestEfforts
		if err := json.Unmarshal([]byte(*a.PowerSummaryJSON), &s); err != nil {
			continue
		}
		for k, w := range s.BestEfforts {
			if w > best[k] {
				best[k] = w
			}
		}
	}

	ftp, err := db.FTPAt(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	if ftp <= 0 {
		ftp = best[bestEffort20min] * ftpFrom20min
	}
	if ftp > 0 {
		best[DurationFTP] = ftp
	}

	return Profile(athlete.Gender, *athlete.WeightKg, best, age(athlete.BirthYear, day)), nil
}

func age(birthYear *int, on time.Time) int {
	if birthYear == nil {
		return 0
	}
	return on.Year() - *birthYear
}
