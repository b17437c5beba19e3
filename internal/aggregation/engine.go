// Package aggregation maintains week, month, year and lifetime rollups of a
// user's activities.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
)

// Engine recomputes period rollups from stored activities
type Engine struct {
	db     *database.DB
	logger *slog.Logger
}

// NewEngine creates an aggregation engine
func NewEngine(db *database.DB) *Engine {
	return &Engine{
		db:     db,
		logger: slog.Default(),
	}
}

// RecomputePeriod recomputes the week, month and year containing date, then
// refreshes the comparisons of the following period and of the same period
// one year later.
func (e *Engine) RecomputePeriod(ctx context.Context, userID, date string) error {
	for _, periodType := range PeriodTypes {
		p, err := PeriodForDate(periodType, date)
		if err != nil {
			return err
		}

		if err := e.recompute(ctx, userID, p); err != nil {
			return err
		}
		if err := e.refreshComparisons(ctx, userID, p.Next()); err != nil {
			return err
		}
		if err := e.refreshComparisons(ctx, userID, p.ShiftYears(1)); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeRange recomputes every period overlapping [from, to] oldest first,
// so each period compares against freshly computed predecessors
func (e *Engine) RecomputeRange(ctx context.Context, userID, from, to string) error {
	for _, periodType := range PeriodTypes {
		periods, err := PeriodsBetween(periodType, from, to)
		if err != nil {
			return err
		}

		for _, p := range periods {
			if err := e.recompute(ctx, userID, p); err != nil {
				return err
			}
		}

		if len(periods) == 0 {
			continue
		}
		last := periods[len(periods)-1]
		if err := e.refreshComparisons(ctx, userID, last.Next()); err != nil {
			return err
		}
		for _, p := range periods {
			if next := p.ShiftYears(1); next.StartDate() > last.EndDate() {
				if err := e.refreshComparisons(ctx, userID, next); err != nil {
					return err
				}
			}
		}
	}

	e.logger.Info("Recomputed period range", "user_id", userID, "from", from, "to", to)
	return nil
}

// Period returns the stored summary for a period key, or nil if the period
// has no activities
func (e *Engine) Period(ctx context.Context, userID, key string) (*PeriodSummary, error) {
	if _, err := ParseKey(key); err != nil {
		return nil, err
	}
	row, err := e.db.GetPeriodStats(ctx, userID, key)
	if err != nil || row == nil {
		return nil, err
	}
	return decodeSummary(row)
}

// Periods returns stored summaries of one type starting within [from, to]
func (e *Engine) Periods(ctx context.Context, userID, periodType, from, to string) ([]*PeriodSummary, error) {
	rows, err := e.db.ListPeriodStats(ctx, userID, periodType, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]*PeriodSummary, 0, len(rows))
	for i := range rows {
		s, err := decodeSummary(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) recompute(ctx context.Context, userID string, p Period) error {
	acts, err := e.db.ListActivities(ctx, userID, p.StartDate(), p.EndDate())
	if err != nil {
		return err
	}

	metrics.PeriodRecomputeTotal.WithLabelValues(p.Type).Inc()

	if len(acts) == 0 {
		return e.db.DeletePeriodStats(ctx, userID, p.Key)
	}

	s := Summarize(p, acts)
	if err := e.compare(ctx, userID, p, s); err != nil {
		return err
	}
	return e.save(ctx, userID, s)
}

// refreshComparisons updates a stored period's comparisons after one of the
// periods it compares against changed. Missing periods are left alone.
func (e *Engine) refreshComparisons(ctx context.Context, userID string, p Period) error {
	row, err := e.db.GetPeriodStats(ctx, userID, p.Key)
	if err != nil || row == nil {
		return err
	}

	s, err := decodeSummary(row)
	if err != nil {
		return err
	}
	if err := e.compare(ctx, userID, p, s); err != nil {
		return err
	}
	return e.save(ctx, userID, s)
}

func (e *Engine) compare(ctx context.Context, userID string, p Period, s *PeriodSummary) error {
	prev := p.Previous()
	prior, err := e.priorTotals(ctx, userID, prev.Key)
	if err != nil {
		return err
	}
	s.Comparison = Comparison{PeriodKey: prev.Key, HasPriorData: prior != nil, Prior: prior}
	if prior != nil {
		s.Comparison.Changes = compareTotals(s.Totals, *prior)
	}

	lastYear := p.ShiftYears(-1)
	prior, err = e.priorTotals(ctx, userID, lastYear.Key)
	if err != nil {
		return err
	}
	s.YoYComparison = YoYComparison{PeriodKey: lastYear.Key, HasPriorYearData: prior != nil, Prior: prior}
	if prior != nil {
		s.YoYComparison.Changes = compareTotals(s.Totals, *prior)
	}
	return nil
}

func (e *Engine) priorTotals(ctx context.Context, userID, key string) (*Totals, error) {
	row, err := e.db.GetPeriodStats(ctx, userID, key)
	if err != nil || row == nil {
		return nil, err
	}
	s, err := decodeSummary(row)
	if err != nil {
		return nil, err
	}
	return &s.Totals, nil
}

func (e *Engine) save(ctx context.Context, userID string, s *PeriodSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal period summary: %w", err)
	}
	return e.db.UpsertPeriodStats(ctx, &database.PeriodStats{
		UserID:              userID,
		PeriodKey:           s.Key,
		PeriodType:          s.Type,
		StartDate:           s.StartDate,
		EndDate:             s.EndDate,
		ActivityCount:       s.ActivityCount,
		DurationSeconds:     s.DurationSeconds,
		DistanceMeters:      s.DistanceMeters,
		ElevationGainMeters: s.ElevationGainMeters,
		TSS:                 s.TSS,
		PayloadJSON:         string(payload),
	})
}

func decodeSummary(row *database.PeriodStats) (*PeriodSummary, error) {
	var s PeriodSummary
	if err := json.Unmarshal([]byte(row.PayloadJSON), &s); err != nil {
		return nil, fmt.Errorf("failed to decode period %s: %w", row.PeriodKey, err)
	}
	return &s, nil
}
