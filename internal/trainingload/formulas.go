// Package trainingload derives intensity, stress and the chronic/acute
// training load series from activities.
package trainingload

import "wearable-sync/internal/database"

// Exponential averaging windows in days
const (
	CTLDays = 42
	ATLDays = 7

	rampWindowDays = 7
)

// Stress returns the intensity factor and training stress score of a ride.
// ok is false when FTP or NP is unknown.
//
//	IF  = NP / FTP
//	TSS = (durationSeconds × NP × IF) / (FTP × 3600) × 100
func Stress(durationSeconds int, normalizedPower, ftp float64) (intensityFactor, tss float64, ok bool) {
	if ftp <= 0 || normalizedPower <= 0 || durationSeconds <= 0 {
		return 0, 0, false
	}
	intensityFactor = normalizedPower / ftp
	tss = float64(durationSeconds) * normalizedPower * intensityFactor / (ftp * 3600) * 100
	return intensityFactor, tss, true
}

// Step advances the load series by one day. prev is the previous day's point
// (zero value at the start of the series) and ctlWeekAgo the CTL seven days
// before date.
func Step(prev database.LoadPoint, date string, tss, ctlWeekAgo float64) database.LoadPoint {
	ctl := prev.CTL + (tss-prev.CTL)/CTLDays
	atl := prev.ATL + (tss-prev.ATL)/ATLDays
	return database.LoadPoint{
		UserID:   prev.UserID,
		Date:     date,
		TSS:      tss,
		CTL:      ctl,
		ATL:      atl,
		TSB:      ctl - atl,
		RampRate: ctl - ctlWeekAgo,
	}
}

// Series computes consecutive daily points from start to end inclusive.
// seed is the point of the day before start, history holds the CTL of the
// seven days before start (missing days count as 0) and daily maps dates to
// summed TSS.
func Series(userID, start, end string, seed database.LoadPoint, history map[string]float64, daily map[string]float64) ([]database.LoadPoint, error) {
	from, err := parseDate(start)
	if err != nil {
		return nil, err
	}
	to, err := parseDate(end)
	if err != nil {
		return nil, err
	}

	ctlByDate := make(map[string]float64, len(history))
	for d, v := range history {
		ctlByDate[d] = v
	}

	prev := seed
	prev.UserID = userID

	var points []database.LoadPoint
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		date := day.Format(database.DateLayout)
		weekAgo := day.AddDate(0, 0, -rampWindowDays).Format(database.DateLayout)

		p := Step(prev, date, daily[date], ctlByDate[weekAgo])
		ctlByDate[date] = p.CTL
		points = append(points, p)
		prev = p
	}
	return points, nil
}
