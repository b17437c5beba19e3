package backfill

import (
	"time"

	"wearable-sync/internal/database"
)

// PlanHealthChunks splits [start, end] into consecutive inclusive ranges of
// at most days days. The ranges cover the window exactly once.
func PlanHealthChunks(start, end time.Time, days int) []database.ChunkPlan {
	if days <= 0 || end.Before(start) {
		return nil
	}

	var plans []database.ChunkPlan
	for from := start; !from.After(end); from = from.AddDate(0, 0, days) {
		to := from.AddDate(0, 0, days-1)
		if to.After(end) {
			to = end
		}
		plans = append(plans, database.ChunkPlan{
			Kind:      database.ChunkKindHealth,
			StartDate: from.Format(database.DateLayout),
			EndDate:   to.Format(database.DateLayout),
		})
	}
	return plans
}

// PlanActivityPages returns the pages needed to list count activities
func PlanActivityPages(count, pageSize int) []database.ChunkPlan {
	if count <= 0 || pageSize <= 0 {
		return nil
	}

	pages := (count + pageSize - 1) / pageSize
	plans := make([]database.ChunkPlan, pages)
	for i := range plans {
		plans[i] = database.ChunkPlan{
			Kind:       database.ChunkKindActivities,
			PageOffset: i * pageSize,
			PageSize:   pageSize,
		}
	}
	return plans
}
