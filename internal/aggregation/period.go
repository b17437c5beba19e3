package aggregation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wearable-sync/internal/database"
)

// Period types
const (
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

// PeriodTypes lists every rollup granularity
var PeriodTypes = []string{PeriodWeek, PeriodMonth, PeriodYear}

// Period is a calendar week (ISO 8601), month or year
type Period struct {
	Type  string
	Key   string
	Start time.Time
	End   time.Time // inclusive
}

// StartDate is the first day of the period
func (p Period) StartDate() string { return p.Start.Format(database.DateLayout) }

// EndDate is the last day of the period
func (p Period) EndDate() string { return p.End.Format(database.DateLayout) }

// Contains reports whether date falls within the period
func (p Period) Contains(date string) bool {
	return date >= p.StartDate() && date <= p.EndDate()
}

// PeriodFor returns the period of the given type containing day
func PeriodFor(periodType string, day time.Time) (Period, error) {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	switch periodType {
	case PeriodWeek:
		start := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
		year, week := start.ISOWeek()
		return Period{
			Type:  PeriodWeek,
			Key:   fmt.Sprintf("week:%04d-W%02d", year, week),
			Start: start,
			End:   start.AddDate(0, 0, 6),
		}, nil
	case PeriodMonth:
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{
			Type:  PeriodMonth,
			Key:   fmt.Sprintf("month:%04d-%02d", day.Year(), int(day.Month())),
			Start: start,
			End:   start.AddDate(0, 1, -1),
		}, nil
	case PeriodYear:
		start := time.Date(day.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Period{
			Type:  PeriodYear,
			Key:   fmt.Sprintf("year:%04d", day.Year()),
			Start: start,
			End:   start.AddDate(1, 0, -1),
		}, nil
	}
	return Period{}, fmt.Errorf("unknown period type %q", periodType)
}

// PeriodForDate is PeriodFor with a YYYY-MM-DD date
func PeriodForDate(periodType, date string) (Period, error) {
	day, err := time.Parse(database.DateLayout, date)
	if err != nil {
		return Period{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return PeriodFor(periodType, day)
}

// ParseKey parses week:2024-W03, month:2024-01 or year:2024
func ParseKey(key string) (Period, error) {
	periodType, value, ok := strings.Cut(key, ":")
	if !ok {
		return Period{}, fmt.Errorf("invalid period key %q", key)
	}

	switch periodType {
	case PeriodWeek:
		yearStr, weekStr, ok := strings.Cut(value, "-W")
		if !ok {
			return Period{}, fmt.Errorf("invalid week key %q", key)
		}
		year, err1 := strconv.Atoi(yearStr)
		week, err2 := strconv.Atoi(weekStr)
		if err1 != nil || err2 != nil || len(yearStr) != 4 || len(weekStr) != 2 {
			return Period{}, fmt.Errorf("invalid week key %q", key)
		}
		p, ok := isoWeek(year, week)
		if !ok {
			return Period{}, fmt.Errorf("week %d does not exist in %d", week, year)
		}
		return p, nil
	case PeriodMonth:
		t, err := time.Parse("2006-01", value)
		if err != nil {
			return Period{}, fmt.Errorf("invalid month key %q", key)
		}
		return PeriodFor(PeriodMonth, t)
	case PeriodYear:
		t, err := time.Parse("2006", value)
		if err != nil {
			return Period{}, fmt.Errorf("invalid year key %q", key)
		}
		return PeriodFor(PeriodYear, t)
	}
	return Period{}, fmt.Errorf("unknown period type in key %q", key)
}

// isoWeek returns week `week` of ISO year `year`, if it exists
func isoWeek(year, week int) (Period, bool) {
	if week < 1 || week > 53 {
		return Period{}, false
	}
	// January 4th is always in week 1
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	p, _ := PeriodFor(PeriodWeek, jan4.AddDate(0, 0, (week-1)*7))
	if y, w := p.Start.ISOWeek(); y != year || w != week {
		return Period{}, false
	}
	return p, true
}

// Previous is the period of the same type immediately before p
func (p Period) Previous() Period {
	prev, _ := PeriodFor(p.Type, p.Start.AddDate(0, 0, -1))
	return prev
}

// Next is the period of the same type immediately after p
func (p Period) Next() Period {
	next, _ := PeriodFor(p.Type, p.End.AddDate(0, 0, 1))
	return next
}

// ShiftYears returns the same calendar period n years away. Week 53 maps to
// week 52 in years that have no week 53.
func (p Period) ShiftYears(n int) Period {
	switch p.Type {
	case PeriodWeek:
		year, week := p.Start.ISOWeek()
		if shifted, ok := isoWeek(year+n, week); ok {
			return shifted
		}
		shifted, _ := isoWeek(year+n, 52)
		return shifted
	default:
		shifted, _ := PeriodFor(p.Type, p.Start.AddDate(n, 0, 0))
		return shifted
	}
}

// PeriodsBetween returns every period of the given type overlapping
// [from, to], oldest first
func PeriodsBetween(periodType, from, to string) ([]Period, error) {
	first, err := PeriodForDate(periodType, from)
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(database.DateLayout, to); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", to, err)
	}

	var out []Period
	for p := first; p.StartDate() <= to; p = p.Next() {
		out = append(out, p)
	}
	return out, nil
}
