package trainingload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
)

const seriesStart = "0000-01-01"

// Model maintains the stored training load series. Recomputes for the same
// user are serialized; different users run in parallel.
type Model struct {
	db     *database.DB
	locks  *keyedMutex
	logger *slog.Logger
}

// NewModel creates a training load model
func NewModel(db *database.DB) *Model {
	return &Model{
		db:     db,
		locks:  newKeyedMutex(),
		logger: slog.Default(),
	}
}

// Recompute rebuilds the series from the day `from` changed through today.
// It resumes from the stored point of the previous day; when `from` is at or
// before the first stored point, or that point is missing, the whole series
// is replayed from zero.
func (m *Model) Recompute(ctx context.Context, userID, from string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	return m.recompute(ctx, userID, from)
}

// ReplayAll rebuilds the whole series from zero
func (m *Model) ReplayAll(ctx context.Context, userID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	return m.recompute(ctx, userID, seriesStart)
}

func (m *Model) recompute(ctx context.Context, userID, from string) error {
	first, last, ok, err := m.db.ActivityDateRange(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return m.db.ReplaceTrainingLoad(ctx, userID, seriesStart, nil)
	}

	end := m.db.Now().UTC().Format(database.DateLayout)
	if last > end {
		end = last
	}

	start, seed, history, err := m.resumePoint(ctx, userID, from, first)
	if err != nil {
		return err
	}
	if start > end {
		return nil
	}

	daily, err := m.db.DailyTSS(ctx, userID, start, end)
	if err != nil {
		return err
	}

	points, err := Series(userID, start, end, seed, history, daily)
	if err != nil {
		return err
	}

	replaceFrom := start
	if seed == (database.LoadPoint{}) {
		replaceFrom = seriesStart
	}
	if err := m.db.ReplaceTrainingLoad(ctx, userID, replaceFrom, points); err != nil {
		return err
	}

	metrics.TrainingLoadReplayDays.Observe(float64(len(points)))
	m.logger.Debug("training load recomputed", "user_id", userID, "from", start, "to", end, "days", len(points))
	return nil
}

// resumePoint picks where replay starts and what it starts from
func (m *Model) resumePoint(ctx context.Context, userID, from, firstActivity string) (string, database.LoadPoint, map[string]float64, error) {
	full := func() (string, database.LoadPoint, map[string]float64, error) {
		return firstActivity, database.LoadPoint{}, nil, nil
	}

	firstStored, err := m.db.FirstLoadDate(ctx, userID)
	if err != nil {
		return "", database.LoadPoint{}, nil, err
	}
	if firstStored == "" || from <= firstStored || firstActivity < firstStored {
		return full()
	}

	day, err := parseDate(from)
	if err != nil {
		return "", database.LoadPoint{}, nil, err
	}
	prevDate := day.AddDate(0, 0, -1).Format(database.DateLayout)

	prev, err := m.db.GetLoadPoint(ctx, userID, prevDate)
	if err != nil {
		return "", database.LoadPoint{}, nil, err
	}
	if prev == nil {
		return full()
	}

	window, err := m.db.ListTrainingLoad(ctx, userID, day.AddDate(0, 0, -rampWindowDays).Format(database.DateLayout), prevDate)
	if err != nil {
		return "", database.LoadPoint{}, nil, err
	}
	history := make(map[string]float64, len(window))
	for _, p := range window {
		history[p.Date] = p.CTL
	}

	return from, *prev, history, nil
}

// Rescore recomputes IF and TSS of every activity with a normalized power
// dated on or after from, against the FTP in effect on its date, then
// replays the series from from. Used after FTP history changes; earlier
// activities are unaffected by an FTP that takes effect on from.
func (m *Model) Rescore(ctx context.Context, userID, from string) (int, error) {
	if _, err := parseDate(from); err != nil {
		return 0, err
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	acts, err := m.db.ListActivities(ctx, userID, from, "9999-12-31")
	if err != nil {
		return 0, err
	}

	rescored := 0
	for _, a := range acts {
		if a.NormalizedPower == nil {
			continue
		}
		ftp, err := m.db.FTPAt(ctx, userID, a.Date)
		if err != nil {
			return rescored, err
		}

		var ifPtr, tssPtr *float64
		if intensity, tss, ok := Stress(a.DurationSeconds, *a.NormalizedPower, ftp); ok {
			ifPtr, tssPtr = &intensity, &tss
		}
		if err := m.db.UpdateActivityLoad(ctx, userID, a.ProviderActivityID, ifPtr, tssPtr); err != nil {
			return rescored, err
		}
		rescored++
	}

	if err := m.recompute(ctx, userID, from); err != nil {
		return rescored, err
	}
	m.logger.Info("Activities rescored", "user_id", userID, "from", from, "activities", rescored)
	return rescored, nil
}

// Latest returns the most recent stored point on or before date, or nil
func (m *Model) Latest(ctx context.Context, userID, date string) (*database.LoadPoint, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	points, err := m.db.ListTrainingLoad(ctx, userID, day.AddDate(0, 0, -CTLDays).Format(database.DateLayout), date)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[len(points)-1], nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(database.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// keyedMutex hands out one mutex per key and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
