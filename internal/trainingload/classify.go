package trainingload

import "strings"

// Power profile durations
const (
	Duration5s   = "5s"
	Duration1min = "1min"
	Duration5min = "5min"
	DurationFTP  = "ftp"
)

// Coggan categories, best first
var Categories = []string{
	"World Class",
	"Exceptional",
	"Excellent",
	"Very Good",
	"Good",
	"Moderate",
	"Fair",
	"Untrained",
}

const (
	categoryGood     = 4
	baselineAge      = 35
	declinePerDecade = 0.05
)

// Minimum W/kg per category, aligned with Categories. Untrained has no minimum.
var cogganMale = map[string][]float64{
	Duration5s:   {23.5, 21.0, 18.5, 16.5, 14.5, 12.5, 10.5, 0},
	Duration1min: {11.5, 10.3, 9.1, 8.3, 7.5, 6.7, 5.9, 0},
	Duration5min: {7.6, 6.8, 6.0, 5.3, 4.6, 3.9, 3.2, 0},
	DurationFTP:  {5.69, 5.05, 4.42, 3.93, 3.55, 2.93, 2.40, 0},
}

var cogganFemale = map[string][]float64{
	Duration5s:   {19.4, 17.4, 15.4, 13.7, 12.0, 10.2, 8.5, 0},
	Duration1min: {9.3, 8.4, 7.4, 6.7, 5.9, 5.1, 4.4, 0},
	Duration5min: {6.6, 5.9, 5.1, 4.5, 3.9, 3.3, 2.7, 0},
	DurationFTP:  {5.00, 4.40, 3.80, 3.36, 2.97, 2.47, 1.98, 0},
}

func table(gender string) map[string][]float64 {
	if strings.EqualFold(gender, "female") {
		return cogganFemale
	}
	return cogganMale
}

// Classify returns the highest category whose minimum is at or below wattsPerKg.
// Values are compared as given, never interpolated.
func Classify(gender, duration string, wattsPerKg float64) string {
	mins, ok := table(gender)[duration]
	if !ok {
		return ""
	}
	for i, threshold := range mins {
		if wattsPerKg >= threshold {
			return Categories[i]
		}
	}
	return Categories[len(Categories)-1]
}

// PowerProfile is the classification of an athlete's best efforts
type PowerProfile struct {
	Gender     string             `json:"gender"`
	WeightKg   float64            `json:"weightKg"`
	WattsPerKg map[string]float64 `json:"wattsPerKg"`
	Categories map[string]string  `json:"categories"`
	Age        *AgeAdjustment     `json:"ageAdjustment,omitempty"`
}

// AgeAdjustment is informational and never changes the category
type AgeAdjustment struct {
	Age              int     `json:"age"`
	Factor           float64 `json:"factor"`
	AdjustedFTP      float64 `json:"adjustedFtp"`
	PerformanceIndex float64 `json:"performanceIndex"`
}

// Profile classifies best efforts in watts (keyed by duration) for an athlete
// of weightKg. age <= 0 skips the age adjustment.
func Profile(gender string, weightKg float64, bestWatts map[string]float64, age int) *PowerProfile {
	if weightKg <= 0 {
		return nil
	}

	p := &PowerProfile{
		Gender:     gender,
		WeightKg:   weightKg,
		WattsPerKg: make(map[string]float64),
		Categories: make(map[string]string),
	}
	for _, d := range []string{Duration5s, Duration1min, Duration5min, DurationFTP} {
		watts, ok := bestWatts[d]
		if !ok || watts <= 0 {
			continue
		}
		wkg := watts / weightKg
		p.WattsPerKg[d] = wkg
		p.Categories[d] = Classify(gender, d, wkg)
	}

	if ftp, ok := bestWatts[DurationFTP]; ok && ftp > 0 && age > 0 {
		p.Age = AgeAdjust(gender, ftp, weightKg, age)
	}
	return p
}

// AgeFactor is the expected fraction of peak FTP retained at age: 5% per
// decade above 35, 1 at or below
func AgeFactor(age int) float64 {
	if age <= baselineAge {
		return 1
	}
	return 1 - declinePerDecade*float64(age-baselineAge)/10
}

// AgeAdjust computes the age-equivalent FTP and a performance index, which is
// the adjusted W/kg as a percentage of the "Good" threshold
func AgeAdjust(gender string, ftp, weightKg float64, age int) *AgeAdjustment {
	factor := AgeFactor(age)
	if factor <= 0 || weightKg <= 0 {
		return nil
	}
	adjusted := ftp / factor
	good := table(gender)[DurationFTP][categoryGood]
	return &AgeAdjustment{
		Age:              age,
		Factor:           factor,
		AdjustedFTP:      adjusted,
		PerformanceIndex: adjusted / weightKg / good * 100,
	}
}
