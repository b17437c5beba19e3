// Package fitdetail turns activity FIT files into cycling power summaries.
package fitdetail

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"

	"wearable-sync/internal/trainingload"
)

// ErrNoPower means the file has no usable power samples
var ErrNoPower = errors.New("no power samples in activity detail")

// gaps longer than this are treated as stopped (zero watts) rather than held
const maxHoldSeconds = 5

// longest activity accepted, guards against corrupt timestamps
const maxSpanSeconds = 48 * 3600

// npWindow is the rolling average window of normalized power, in seconds
const npWindow = 30

// BestEffortDurations are the windows reported as best efforts, in seconds
var BestEffortDurations = []struct {
	Key     string
	Seconds int
}{
	{"5s", 5},
	{"1min", 60},
	{"5min", 300},
	{"20min", 1200},
	{"60min", 3600},
}

// Zone upper bounds as a fraction of FTP (Coggan 7-zone model). The last zone is open.
var zoneUpperBounds = []float64{0.55, 0.75, 0.90, 1.05, 1.20, 1.50}

// CyclingPowerSummary is attached to an activity once its detail is processed
type CyclingPowerSummary struct {
	DurationSeconds int                `json:"durationSeconds"`
	AvgPower        float64            `json:"avgPower"`
	MaxPower        float64            `json:"maxPower"`
	NormalizedPower float64            `json:"normalizedPower"`
	FTP             float64            `json:"ftp,omitempty"`
	IntensityFactor *float64           `json:"intensityFactor"`
	TSS             *float64           `json:"tss"`
	WorkKJ          float64            `json:"workKj"`
	ZoneSeconds     []int              `json:"zoneSeconds,omitempty"`
	BestEfforts     map[string]float64 `json:"bestEfforts"`
}

// ParsePower decodes a FIT file into one power sample per second, starting at
// the first record carrying power
func ParsePower(data []byte) ([]float64, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FIT data")
	}

	type point struct {
		at    time.Time
		watts float64
	}
	var points []point

	dec := decoder.New(bytes.NewReader(data))
	for dec.Next() {
		fit, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode FIT file: %w", err)
		}

		for i := range fit.Messages {
			msg := &fit.Messages[i]
			if msg.Num != typedef.MesgNumRecord {
				continue
			}
			rec := mesgdef.NewRecord(msg)
			if rec.Timestamp.IsZero() || rec.Power == 0xFFFF {
				continue
			}
			points = append(points, point{at: rec.Timestamp.UTC(), watts: float64(rec.Power)})
		}
	}

	if len(points) == 0 {
		return nil, ErrNoPower
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	start := points[0].at
	span := int(points[len(points)-1].at.Sub(start) / time.Second)
	if span > maxSpanSeconds {
		return nil, fmt.Errorf("records span %ds, more than %ds", span, maxSpanSeconds)
	}

	samples := make([]float64, span+1)
	filled := make([]bool, span+1)
	for _, p := range points {
		idx := int(p.at.Sub(start) / time.Second)
		if idx < 0 || idx > span {
			continue
		}
		samples[idx] = p.watts
		filled[idx] = true
	}

	// Short dropouts hold the last value; longer gaps stay at zero
	last, gap := 0.0, 0
	for i := range samples {
		if filled[i] {
			last, gap = samples[i], 0
			continue
		}
		gap++
		if gap <= maxHoldSeconds {
			samples[i] = last
		}
	}

	return samples, nil
}

// Summarize computes the power summary of 1 Hz samples. ftp <= 0 leaves
// intensity, stress and zones unset.
func Summarize(samples []float64, ftp float64) (*CyclingPowerSummary, error) {
	if len(samples) == 0 {
		return nil, ErrNoPower
	}

	data := stats.Float64Data(samples)
	avg, err := data.Mean()
	if err != nil {
		return nil, fmt.Errorf("failed to average power: %w", err)
	}
	peak, err := data.Max()
	if err != nil {
		return nil, fmt.Errorf("failed to find peak power: %w", err)
	}
	work, err := data.Sum()
	if err != nil {
		return nil, fmt.Errorf("failed to sum work: %w", err)
	}

	s := &CyclingPowerSummary{
		DurationSeconds: len(samples),
		AvgPower:        avg,
		MaxPower:        peak,
		NormalizedPower: NormalizedPower(samples),
		WorkKJ:          work / 1000,
		BestEfforts:     make(map[string]float64),
	}

	for _, d := range BestEffortDurations {
		if best, ok := BestAverage(samples, d.Seconds); ok {
			s.BestEfforts[d.Key] = best
		}
	}

	if ftp > 0 {
		s.FTP = ftp
		s.ZoneSeconds = ZoneSeconds(samples, ftp)
		if intensity, tss, ok := trainingload.Stress(s.DurationSeconds, s.NormalizedPower, ftp); ok {
			s.IntensityFactor = &intensity
			s.TSS = &tss
		}
	}

	return s, nil
}

// NormalizedPower is the fourth root of the mean fourth power of the 30 s
// rolling average. Rides shorter than the window fall back to average power.
func NormalizedPower(samples []float64) float64 {
	if len(samples) < npWindow {
		avg, _ := stats.Mean(samples)
		return avg
	}

	var sum, fourth float64
	for i, w := range samples {
		sum += w
		if i >= npWindow {
			sum -= samples[i-npWindow]
		}
		if i >= npWindow-1 {
			rolling := sum / npWindow
			fourth += math.Pow(rolling, 4)
		}
	}
	n := float64(len(samples) - npWindow + 1)
	return math.Pow(fourth/n, 0.25)
}

// BestAverage returns the highest mean power over any window of seconds
func BestAverage(samples []float64, seconds int) (float64, bool) {
	if seconds <= 0 || len(samples) < seconds {
		return 0, false
	}

	var sum float64
	for _, w := range samples[:seconds] {
		sum += w
	}
	best := sum
	for i := seconds; i < len(samples); i++ {
		sum += samples[i] - samples[i-seconds]
		if sum > best {
			best = sum
		}
	}
	return best / float64(seconds), true
}

// ZoneSeconds counts seconds spent in each of the seven power zones
func ZoneSeconds(samples []float64, ftp float64) []int {
	zones := make([]int, len(zoneUpperBounds)+1)
	for _, w := range samples {
		ratio := w / ftp
		z := len(zoneUpperBounds)
		for i, upper := range zoneUpperBounds {
			if ratio <= upper {
				z = i
				break
			}
		}
		zones[z]++
	}
	return zones
}
